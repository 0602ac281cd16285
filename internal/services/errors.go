package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool   = errors.New("external tool error")
	ErrValidation     = errors.New("validation error")
	ErrConfiguration  = errors.New("configuration error")
	ErrNotFound       = errors.New("not found")
	ErrTimeout        = errors.New("timeout")
	ErrTransient      = errors.New("transient failure")
	ErrStorage        = errors.New("storage failure")
	ErrInfrastructure = errors.New("infrastructure unavailable")
)

// Wrap builds an error message that includes step context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, step, operation, message string, err error) error {
	detail := buildDetail(step, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsJobFailure reports whether err describes a problem with the job itself,
// which is recorded on the job before its message is acknowledged. Anything
// else (infrastructure outages, configuration problems, cancellation) leaves
// the message for redelivery.
func IsJobFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInfrastructure) || errors.Is(err, ErrConfiguration) {
		return false
	}
	switch {
	case errors.Is(err, ErrExternalTool),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrStorage),
		errors.Is(err, ErrTimeout):
		return true
	default:
		return false
	}
}

// Hint returns an operator-facing hint for the marker carried by err.
func Hint(err error) string {
	switch {
	case errors.Is(err, ErrInfrastructure):
		return "check job store connectivity"
	case errors.Is(err, ErrConfiguration):
		return "check executor binaries and backend settings"
	case errors.Is(err, ErrExternalTool):
		return "inspect the job error_detail for ffmpeg output"
	case errors.Is(err, ErrStorage), errors.Is(err, ErrNotFound):
		return "check blob store credentials and input key"
	case errors.Is(err, ErrValidation):
		return "resubmit the job with a valid input"
	case errors.Is(err, ErrTimeout):
		return "raise executor.timeout_seconds or use a smaller preset"
	default:
		return "check logs for details"
	}
}

func buildDetail(step, operation, message string) string {
	parts := make([]string, 0, 3)
	if step = strings.TrimSpace(step); step != "" {
		parts = append(parts, step)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
