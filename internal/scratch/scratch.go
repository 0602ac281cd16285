// Package scratch hands out private per-job working directories and sweeps
// ones abandoned by crashed workers.
package scratch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"vidpipe/internal/logging"
)

const (
	lockFileName = ".lock"
	dirPrefix    = "job-"
)

// Manager creates workspaces under a root directory.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager returns a manager rooted at root, creating it if needed.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("scratch root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{root: root, logger: logger}, nil
}

// Root returns the scratch base directory.
func (m *Manager) Root() string {
	return m.root
}

// Workspace is a locked directory owned by one job attempt.
type Workspace struct {
	Dir string

	once sync.Once
	lock *flock.Flock
	err  error
}

// Acquire creates a fresh workspace for jobID. Two attempts on the same job
// never share a directory.
func (m *Manager) Acquire(jobID string) (*Workspace, error) {
	dir, err := os.MkdirTemp(m.root, dirPrefix+safeName(jobID)+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil || !ok {
		_ = os.RemoveAll(dir)
		if err == nil {
			err = errors.New("workspace lock held")
		}
		return nil, fmt.Errorf("lock workspace: %w", err)
	}
	return &Workspace{Dir: dir, lock: lock}, nil
}

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, filepath.Base(name))
}

// Release unlocks and removes the workspace. It is safe to call repeatedly.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		unlockErr := w.lock.Unlock()
		removeErr := os.RemoveAll(w.Dir)
		w.err = errors.Join(unlockErr, removeErr)
	})
	return w.err
}

// SweepResult reports what Sweep did.
type SweepResult struct {
	Removed []string
	Skipped []string
	Errors  []SweepError
}

// SweepError pairs a directory with its cleanup error.
type SweepError struct {
	Path  string
	Error error
}

// Sweep removes workspaces older than maxAge whose lock is not held. Locked
// directories belong to a live attempt and are skipped.
func (m *Manager) Sweep(ctx context.Context, maxAge time.Duration) SweepResult {
	result := SweepResult{}
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, SweepError{Path: m.root, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		dirPath := filepath.Join(m.root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, SweepError{Path: dirPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		lock := flock.New(filepath.Join(dirPath, lockFileName))
		ok, err := lock.TryLock()
		if err != nil || !ok {
			result.Skipped = append(result.Skipped, dirPath)
			continue
		}
		removeErr := os.RemoveAll(dirPath)
		_ = lock.Unlock()
		if removeErr != nil {
			result.Errors = append(result.Errors, SweepError{Path: dirPath, Error: removeErr})
			m.logger.Warn("failed to remove stale scratch workspace",
				logging.String("path", dirPath),
				logging.Error(removeErr),
				logging.String(logging.FieldEventType, "scratch_cleanup_failed"),
				logging.String(logging.FieldErrorHint, "check scratch_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		m.logger.Info("removed stale scratch workspace",
			logging.String("path", dirPath),
			logging.Duration("age", time.Since(info.ModTime())),
			logging.String(logging.FieldEventType, "scratch_cleanup"),
		)
	}
	return result
}

// safeName keeps job ids readable in directory names without allowing
// separators.
func safeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= 40 {
			break
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}
