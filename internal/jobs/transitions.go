package jobs

import "time"

// Claim moves a created job, or a processing job whose last activity predates
// staleBefore, into processing under a new worker token.
func Claim(token string, now, staleBefore time.Time) (Patch, Condition) {
	status := StatusProcessing
	zero := 0.0
	return Patch{
			Status:            &status,
			WorkerToken:       &token,
			StartedAt:         &now,
			HeartbeatAt:       &now,
			Progress:          &zero,
			IncrementAttempts: true,
			At:                now,
		}, Condition{
			Statuses:    []Status{StatusCreated, StatusProcessing},
			StaleBefore: staleBefore,
		}
}

// Heartbeat refreshes liveness for the attempt holding token.
func Heartbeat(token string, now time.Time) (Patch, Condition) {
	return Patch{HeartbeatAt: &now, At: now}, owned(token)
}

// ReportProgress records executor progress for the attempt holding token.
func ReportProgress(token string, percent float64, now time.Time) (Patch, Condition) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return Patch{Progress: &percent, HeartbeatAt: &now, At: now}, owned(token)
}

// Complete commits the done state with its output key.
func Complete(token, outputKey string, now time.Time) (Patch, Condition) {
	status := StatusDone
	full := 100.0
	return Patch{
		Status:      &status,
		OutputKey:   &outputKey,
		Progress:    &full,
		HeartbeatAt: &now,
		At:          now,
	}, owned(token)
}

// Fail commits the error state with a user-visible message and diagnostic detail.
func Fail(token, message, detail string, now time.Time) (Patch, Condition) {
	status := StatusError
	if message == "" {
		message = "transcode failed"
	}
	return Patch{
		Status:       &status,
		ErrorMessage: &message,
		ErrorDetail:  &detail,
		HeartbeatAt:  &now,
		At:           now,
	}, owned(token)
}

// Prepare updates the input and preset of a job that has not started yet.
func Prepare(inputKey, preset string, now time.Time) (Patch, Condition) {
	patch := Patch{At: now}
	if inputKey != "" {
		patch.InputKey = &inputKey
	}
	if preset != "" {
		patch.Preset = &preset
	}
	return patch, Condition{Statuses: []Status{StatusCreated}}
}

func owned(token string) Condition {
	return Condition{Statuses: []Status{StatusProcessing}, WorkerToken: token}
}

// SameTerminal reports whether current already reflects the terminal outcome
// a caller tried to commit, making the caller's commit a harmless replay.
func SameTerminal(current *Job, status Status) bool {
	return current != nil && current.Status.IsTerminal() && current.Status == status
}
