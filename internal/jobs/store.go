package jobs

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Store persists job records. Implementations must apply Update atomically:
// the Condition is evaluated and the Patch applied in one step.
type Store interface {
	// Put inserts a new record. It returns ErrExists if the id is taken.
	Put(ctx context.Context, job *Job) error
	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// Update applies patch when cond holds and returns the updated record.
	// When cond does not hold it returns the current record and ErrConditionFailed.
	Update(ctx context.Context, id string, patch Patch, cond Condition) (*Job, error)
	// List returns records newest first.
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Close() error
}

// Patch describes a partial update. Nil fields are left unchanged.
type Patch struct {
	Status            *Status
	InputKey          *string
	Preset            *string
	OutputKey         *string
	WorkerToken       *string
	Progress          *float64
	ErrorMessage      *string
	ErrorDetail       *string
	StartedAt         *time.Time
	HeartbeatAt       *time.Time
	IncrementAttempts bool
	// At stamps updated_at; stores use the current time when zero.
	At time.Time
}

// Condition restricts which current records an Update may modify.
type Condition struct {
	// Statuses, when set, lists the acceptable current statuses.
	Statuses []Status
	// WorkerToken, when set, must equal the record's worker token.
	WorkerToken string
	// StaleBefore, when set, additionally requires a processing record's last
	// activity to be older than this instant. Records in other statuses are
	// unaffected.
	StaleBefore time.Time
}

// Matches evaluates the condition against a record in memory.
func (c Condition) Matches(job *Job) bool {
	if job == nil {
		return false
	}
	if len(c.Statuses) > 0 && !slices.Contains(c.Statuses, job.Status) {
		return false
	}
	if c.WorkerToken != "" && job.WorkerToken != c.WorkerToken {
		return false
	}
	if !c.StaleBefore.IsZero() && job.Status == StatusProcessing && !job.LastActivity().Before(c.StaleBefore) {
		return false
	}
	return true
}

// ListOptions filters List results.
type ListOptions struct {
	Statuses []Status
	Owner    string
	Limit    int
}

// ValidateUpdate rejects patches that could violate the state machine or the
// record invariants regardless of the stored data.
func ValidateUpdate(patch Patch, cond Condition) error {
	if patch.Status != nil {
		if len(cond.Statuses) == 0 {
			return fmt.Errorf("%w: status change to %s requires a status condition", ErrInvalidTransition, *patch.Status)
		}
		for _, from := range cond.Statuses {
			if !CanTransition(from, *patch.Status) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, *patch.Status)
			}
		}
	}
	if patch.OutputKey != nil {
		if patch.Status == nil || *patch.Status != StatusDone || *patch.OutputKey == "" {
			return fmt.Errorf("%w: output key may only be set on transition to %s", ErrInvalidTransition, StatusDone)
		}
	}
	if patch.ErrorMessage != nil && (patch.Status == nil || *patch.Status != StatusError) {
		return fmt.Errorf("%w: error message may only be set on transition to %s", ErrInvalidTransition, StatusError)
	}
	if patch.Progress != nil && (*patch.Progress < 0 || *patch.Progress > 100) {
		return fmt.Errorf("progress %.2f out of range", *patch.Progress)
	}
	return nil
}
