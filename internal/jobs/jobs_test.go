package jobs_test

import (
	"errors"
	"testing"
	"time"

	"vidpipe/internal/jobs"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to jobs.Status
		want     bool
	}{
		{jobs.StatusCreated, jobs.StatusProcessing, true},
		{jobs.StatusProcessing, jobs.StatusDone, true},
		{jobs.StatusProcessing, jobs.StatusError, true},
		{jobs.StatusProcessing, jobs.StatusProcessing, true},
		{jobs.StatusCreated, jobs.StatusDone, false},
		{jobs.StatusCreated, jobs.StatusError, false},
		{jobs.StatusDone, jobs.StatusProcessing, false},
		{jobs.StatusError, jobs.StatusProcessing, false},
		{jobs.StatusDone, jobs.StatusError, false},
		{jobs.StatusProcessing, jobs.StatusCreated, false},
	}
	for _, tc := range cases {
		if got := jobs.CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if status, ok := jobs.ParseStatus(" Done "); !ok || status != jobs.StatusDone {
		t.Fatalf("unexpected parse result: %q %v", status, ok)
	}
	if _, ok := jobs.ParseStatus("finished"); ok {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestClaimConditionMatches(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	staleBefore := now.Add(-30 * time.Minute)
	_, cond := jobs.Claim("token-b", now, staleBefore)

	fresh := now.Add(-time.Minute)
	stale := now.Add(-time.Hour)
	cases := []struct {
		name string
		job  *jobs.Job
		want bool
	}{
		{"created", &jobs.Job{Status: jobs.StatusCreated}, true},
		{"processing fresh heartbeat", &jobs.Job{Status: jobs.StatusProcessing, HeartbeatAt: &fresh}, false},
		{"processing stale heartbeat", &jobs.Job{Status: jobs.StatusProcessing, HeartbeatAt: &stale}, true},
		{"processing stale start without heartbeat", &jobs.Job{Status: jobs.StatusProcessing, StartedAt: &stale}, true},
		{"done", &jobs.Job{Status: jobs.StatusDone}, false},
		{"error", &jobs.Job{Status: jobs.StatusError}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cond.Matches(tc.job); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOwnedConditionRequiresToken(t *testing.T) {
	now := time.Now()
	_, cond := jobs.Complete("token-a", "outputs/j/480p.mp4", now)
	if cond.Matches(&jobs.Job{Status: jobs.StatusProcessing, WorkerToken: "token-b"}) {
		t.Fatal("expected foreign token to be rejected")
	}
	if !cond.Matches(&jobs.Job{Status: jobs.StatusProcessing, WorkerToken: "token-a"}) {
		t.Fatal("expected own token to match")
	}
	if cond.Matches(&jobs.Job{Status: jobs.StatusDone, WorkerToken: "token-a"}) {
		t.Fatal("expected terminal record to be rejected")
	}
}

func TestValidateUpdate(t *testing.T) {
	now := time.Now()
	for name, build := range map[string]func() (jobs.Patch, jobs.Condition){
		"claim":     func() (jobs.Patch, jobs.Condition) { return jobs.Claim("t", now, now) },
		"heartbeat": func() (jobs.Patch, jobs.Condition) { return jobs.Heartbeat("t", now) },
		"progress":  func() (jobs.Patch, jobs.Condition) { return jobs.ReportProgress("t", 140, now) },
		"complete":  func() (jobs.Patch, jobs.Condition) { return jobs.Complete("t", "outputs/x/480p.mp4", now) },
		"fail":      func() (jobs.Patch, jobs.Condition) { return jobs.Fail("t", "", "", now) },
		"prepare":   func() (jobs.Patch, jobs.Condition) { return jobs.Prepare("uploads/x/a.mp4", "720p", now) },
	} {
		patch, cond := build()
		if err := jobs.ValidateUpdate(patch, cond); err != nil {
			t.Fatalf("%s: unexpected validation error: %v", name, err)
		}
	}

	done := jobs.StatusDone
	key := "outputs/x/480p.mp4"
	if err := jobs.ValidateUpdate(jobs.Patch{Status: &done, OutputKey: &key}, jobs.Condition{Statuses: []jobs.Status{jobs.StatusCreated}}); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected created -> done to be rejected, got %v", err)
	}
	if err := jobs.ValidateUpdate(jobs.Patch{Status: &done}, jobs.Condition{}); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected unconditioned status change to be rejected, got %v", err)
	}
	processing := jobs.StatusProcessing
	if err := jobs.ValidateUpdate(jobs.Patch{Status: &processing, OutputKey: &key}, jobs.Condition{Statuses: []jobs.Status{jobs.StatusCreated}}); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected output key outside done to be rejected, got %v", err)
	}
}

func TestFailDefaultsMessage(t *testing.T) {
	patch, _ := jobs.Fail("t", "", "", time.Now())
	if patch.ErrorMessage == nil || *patch.ErrorMessage == "" {
		t.Fatal("expected default error message")
	}
}

func TestJobValidate(t *testing.T) {
	if err := (&jobs.Job{ID: "a", Status: jobs.StatusCreated}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (&jobs.Job{Status: jobs.StatusCreated}).Validate(); err == nil {
		t.Fatal("expected missing id to fail")
	}
	if err := (&jobs.Job{ID: "a", Status: jobs.StatusDone}).Validate(); err == nil {
		t.Fatal("expected non-created status to fail")
	}
}

func TestSameTerminal(t *testing.T) {
	done := &jobs.Job{Status: jobs.StatusDone}
	cases := []struct {
		name    string
		current *jobs.Job
		status  jobs.Status
		want    bool
	}{
		{"nil record", nil, jobs.StatusDone, false},
		{"matching terminal", done, jobs.StatusDone, true},
		{"different terminal", done, jobs.StatusError, false},
		{"still processing", &jobs.Job{Status: jobs.StatusProcessing}, jobs.StatusProcessing, false},
	}
	for _, tc := range cases {
		if got := jobs.SameTerminal(tc.current, tc.status); got != tc.want {
			t.Fatalf("%s: SameTerminal = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAllStatusesParse(t *testing.T) {
	statuses := jobs.AllStatuses()
	if len(statuses) != 4 || statuses[0] != jobs.StatusCreated {
		t.Fatalf("unexpected statuses %v", statuses)
	}
	statuses[0] = "mutated"
	if jobs.AllStatuses()[0] != jobs.StatusCreated {
		t.Fatal("AllStatuses must return a copy")
	}
	for _, status := range jobs.AllStatuses() {
		if got, ok := jobs.ParseStatus(string(status)); !ok || got != status {
			t.Fatalf("ParseStatus(%q) = %q %v", status, got, ok)
		}
	}
}
