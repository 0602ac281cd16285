package executor

import (
	"vidpipe/internal/services"
)

// Failure describes a transcode the job cannot recover from by retrying the
// same input.
type Failure struct {
	ExitCode   int
	Reason     string
	Diagnostic string
	TimedOut   bool
}

func (f *Failure) Error() string {
	msg := f.Reason
	if line := lastLine(f.Diagnostic); line != "" {
		msg += ": " + line
	}
	return msg
}

// Unwrap lets services.IsJobFailure classify the failure.
func (f *Failure) Unwrap() error {
	if f.TimedOut {
		return services.ErrTimeout
	}
	return services.ErrExternalTool
}
