package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"vidpipe/internal/fileutil"
)

// FS stores objects as files below a root directory. Keys map to relative
// paths; writes land through a temporary file and a rename.
type FS struct {
	root string
}

var _ Store = (*FS)(nil)

// NewFS returns a filesystem store rooted at root, creating it if needed.
func NewFS(root string) (*FS, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blob root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FS{root: root}, nil
}

// Root returns the base directory.
func (s *FS) Root() string {
	return s.root
}

func (s *FS) pathFor(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Get opens the file for key.
func (s *FS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// Put writes r to the file for key.
func (s *FS) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	written, err := fileutil.WriteAtomic(p, contextReader{ctx: ctx, r: r}, 0o644)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if size >= 0 && written != size {
		_ = os.Remove(p)
		return fmt.Errorf("write %s: short write (%d of %d bytes)", key, written, size)
	}
	return nil
}

// Stat describes the file for key.
func (s *FS) Stat(ctx context.Context, key string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	p, err := s.pathFor(key)
	if err != nil {
		return Info{}, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Info{}, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		return Info{}, fmt.Errorf("%w: %s is a prefix", ErrNotFound, key)
	}
	return Info{
		Key:         key,
		Size:        info.Size(),
		ContentType: ContentType(key),
		ModTime:     info.ModTime().UTC(),
	}, nil
}
