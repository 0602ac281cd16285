package jobs

import "errors"

var (
	// ErrNotFound is returned when no record exists for a job id.
	ErrNotFound = errors.New("job not found")
	// ErrExists is returned when Put targets an id that is already stored.
	ErrExists = errors.New("job already exists")
	// ErrConditionFailed is returned when an Update's Condition does not hold.
	// Stores return the current record alongside it.
	ErrConditionFailed = errors.New("job update condition failed")
	// ErrInvalidTransition is returned for patches that would move a job
	// backwards or skip a state.
	ErrInvalidTransition = errors.New("invalid job status transition")
)
