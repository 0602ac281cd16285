package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"vidpipe/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "transcode", "ffmpeg", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"transcode", "ffmpeg", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected placeholder detail, got %q", err.Error())
	}
}

func TestIsJobFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"executor", services.Wrap(services.ErrExternalTool, "transcode", "run", "exit 1", nil), true},
		{"validation", services.Wrap(services.ErrValidation, "claim", "input", "missing input key", nil), true},
		{"storage", services.Wrap(services.ErrStorage, "download", "get", "retries exhausted", nil), true},
		{"timeout", services.Wrap(services.ErrTimeout, "transcode", "run", "deadline", nil), true},
		{"infrastructure", services.Wrap(services.ErrInfrastructure, "commit", "update", "db down", nil), false},
		{"configuration", services.Wrap(services.ErrConfiguration, "transcode", "start", "binary missing", nil), false},
		{"infrastructure wins", fmt.Errorf("%w: %w", services.ErrInfrastructure, services.ErrStorage), false},
		{"transient", services.Wrap(services.ErrTransient, "receive", "", "", nil), false},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.IsJobFailure(tc.err); got != tc.want {
				t.Fatalf("IsJobFailure(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
