package fileutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAtomicCreatesFile(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "nested", "out.bin")
	n, err := WriteAtomic(dst, strings.NewReader("payload"), 0o600)
	if err != nil {
		t.Fatalf("WriteAtomic returned error: %v", err)
	}
	if n != int64(len("payload")) {
		t.Fatalf("unexpected byte count %d", n)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "payload" {
		t.Fatalf("unexpected content %q (%v)", data, err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("connection reset")
}

func TestWriteAtomicLeavesNothingOnFailure(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.bin")
	if _, err := WriteAtomic(dst, &failingReader{}, 0o644); err == nil {
		t.Fatal("expected error from failing reader")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files after failed write, found %d", len(entries))
	}
}

func TestWriteAtomicReplacesExisting(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out.bin")
	if err := os.WriteFile(dst, []byte("old contents"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := WriteAtomic(dst, io.LimitReader(strings.NewReader("new"), 3), 0o644); err != nil {
		t.Fatalf("WriteAtomic returned error: %v", err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "new" {
		t.Fatalf("expected replacement, got %q", data)
	}
}

func TestNonEmptyFile(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NonEmptyFile(empty); err == nil {
		t.Fatal("expected empty file to be rejected")
	}
	if _, err := NonEmptyFile(filepath.Join(dir, "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if _, err := NonEmptyFile(dir); err == nil {
		t.Fatal("expected directory to be rejected")
	}
	full := filepath.Join(dir, "full")
	if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if size, err := NonEmptyFile(full); err != nil || size != 1 {
		t.Fatalf("unexpected result %d %v", size, err)
	}
}
