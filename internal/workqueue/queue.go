// Package workqueue defines the at-least-once dispatch queue the worker
// consumes from, plus an in-process backend.
package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrLeaseLost is returned when a lease token no longer owns its message,
	// either because the lease expired and the message was redelivered or
	// because it was already deleted.
	ErrLeaseLost = errors.New("lease lost")
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
)

// Dispatch is the body of a queued message.
type Dispatch struct {
	JobID    string `json:"job_id"`
	InputKey string `json:"input_key"`
	Preset   string `json:"preset"`
}

// Encode renders the dispatch as its JSON wire form.
func (d Dispatch) Encode() ([]byte, error) {
	if strings.TrimSpace(d.JobID) == "" {
		return nil, errors.New("dispatch job_id is required")
	}
	return json.Marshal(d)
}

// DecodeDispatch parses a message body.
func DecodeDispatch(body []byte) (Dispatch, error) {
	var d Dispatch
	if err := json.Unmarshal(body, &d); err != nil {
		return Dispatch{}, fmt.Errorf("decode dispatch: %w", err)
	}
	if strings.TrimSpace(d.JobID) == "" {
		return Dispatch{}, errors.New("decode dispatch: missing job_id")
	}
	return d, nil
}

// Message is one delivery of a queued body.
type Message struct {
	ID           string
	Body         []byte
	Token        string
	ReceiveCount int
	LeaseUntil   time.Time
	SentAt       time.Time
}

// ReceiveOptions controls a long-poll receive.
type ReceiveOptions struct {
	// MaxMessages caps the batch size; values below one mean one.
	MaxMessages int
	// Wait is how long Receive blocks for the first message.
	Wait time.Duration
	// Lease hides received messages from other consumers for this long.
	Lease time.Duration
}

// Normalize applies the defaults every backend uses.
func (o ReceiveOptions) Normalize() ReceiveOptions {
	if o.MaxMessages < 1 {
		o.MaxMessages = 1
	}
	if o.Wait < 0 {
		o.Wait = 0
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	return o
}

// Queue is the work queue contract.
type Queue interface {
	Send(ctx context.Context, d Dispatch) error
	// Receive blocks up to opts.Wait and returns zero or more leased messages.
	Receive(ctx context.Context, opts ReceiveOptions) ([]Message, error)
	// Delete acknowledges a message. It returns ErrLeaseLost when token no
	// longer owns the message.
	Delete(ctx context.Context, token string) error
	// Extend pushes the lease deadline to now+lease.
	Extend(ctx context.Context, token string, lease time.Duration) error
	Close() error
}
