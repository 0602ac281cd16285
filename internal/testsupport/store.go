package testsupport

import (
	"testing"

	"vidpipe/internal/blob"
	"vidpipe/internal/config"
	"vidpipe/internal/jobs"
	"vidpipe/internal/jobstore"
)

// MustOpenJobStore opens the SQLite job store for tests and registers cleanup.
func MustOpenJobStore(t testing.TB, cfg *config.Config) *jobstore.Store {
	t.Helper()

	store, err := jobstore.Open(cfg)
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustOpenBlobStore opens the filesystem blob store rooted at the config.
func MustOpenBlobStore(t testing.TB, cfg *config.Config) *blob.FS {
	t.Helper()

	store, err := blob.NewFS(cfg.BlobStore.Root)
	if err != nil {
		t.Fatalf("blob.NewFS: %v", err)
	}
	return store
}

// NewJob returns a created job. CreatedAt is left zero so the store stamps it.
func NewJob(id, inputKey, preset string) *jobs.Job {
	return &jobs.Job{
		ID:         id,
		Status:     jobs.StatusCreated,
		Owner:      "tester",
		SourceName: "clip.mp4",
		InputKey:   inputKey,
		Preset:     preset,
	}
}
