package jobs

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusCreated    Status = "created"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

var allStatuses = []Status{StatusCreated, StatusProcessing, StatusDone, StatusError}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts a user-supplied status string.
func ParseStatus(value string) (Status, bool) {
	candidate := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == candidate {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// transitions lists the allowed edges. processing -> processing is the
// reclaim of an abandoned attempt.
var transitions = map[Status][]Status{
	StatusCreated:    {StatusProcessing},
	StatusProcessing: {StatusProcessing, StatusDone, StatusError},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the durable record of one transcode request.
type Job struct {
	ID           string
	Status       Status
	Owner        string
	SourceName   string
	InputKey     string
	OutputKey    string
	Preset       string
	Attempts     int
	WorkerToken  string
	Progress     float64
	ErrorMessage string
	ErrorDetail  string
	CreatedAt    time.Time
	StartedAt    *time.Time
	UpdatedAt    time.Time
	HeartbeatAt  *time.Time
}

// Validate checks the invariants a record must satisfy when first stored.
func (j *Job) Validate() error {
	if j == nil {
		return fmt.Errorf("job is nil")
	}
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Status != StatusCreated {
		return fmt.Errorf("new job must be %s, got %q", StatusCreated, j.Status)
	}
	if j.OutputKey != "" {
		return fmt.Errorf("new job must not carry an output key")
	}
	return nil
}

// LastActivity returns the most recent liveness signal for a processing job.
func (j *Job) LastActivity() time.Time {
	if j.HeartbeatAt != nil {
		return *j.HeartbeatAt
	}
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.UpdatedAt
}
