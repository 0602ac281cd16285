package testsupport

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"vidpipe/internal/blob"
	"vidpipe/internal/executor"
)

// FakeExecutor records transcodes and writes a fixed output instead of
// running ffmpeg.
type FakeExecutor struct {
	mu    sync.Mutex
	calls []executor.Request

	// Output is written to the request output path on success.
	Output []byte
	// Fail, when set, is returned instead of writing output.
	Fail error
	// Block, when set, makes Transcode wait for ctx to end or the channel to close.
	Block chan struct{}
	// Started, when set, receives one value per Transcode call.
	Started chan string
}

var _ executor.Executor = (*FakeExecutor)(nil)

// Transcode implements executor.Executor.
func (f *FakeExecutor) Transcode(ctx context.Context, req executor.Request) (executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.Started != nil {
		f.Started <- req.InputPath
	}
	if f.Block != nil {
		select {
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		case <-f.Block:
		}
	}
	if f.Fail != nil {
		return executor.Result{}, f.Fail
	}
	if req.Progress != nil {
		req.Progress(50)
	}
	out := f.Output
	if out == nil {
		out = []byte("transcoded")
	}
	if err := os.WriteFile(req.OutputPath, out, 0o644); err != nil {
		return executor.Result{}, err
	}
	if req.Progress != nil {
		req.Progress(100)
	}
	return executor.Result{
		OutputPath: req.OutputPath,
		Preset:     executor.ResolvePreset(req.Preset, "").Name,
		Size:       int64(len(out)),
	}, nil
}

// Calls returns the recorded requests.
func (f *FakeExecutor) Calls() []executor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Request(nil), f.calls...)
}

// ErrInjected is the failure FlakyBlobs returns.
var ErrInjected = errors.New("injected blob failure")

// FlakyBlobs wraps a blob.Store and fails the first GetFailures gets and
// PutFailures puts.
type FlakyBlobs struct {
	blob.Store
	GetFailures int32
	PutFailures int32

	gets atomic.Int32
	puts atomic.Int32
}

// Get implements blob.Store.
func (f *FlakyBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if f.gets.Add(1) <= f.GetFailures {
		return nil, ErrInjected
	}
	return f.Store.Get(ctx, key)
}

// Put implements blob.Store.
func (f *FlakyBlobs) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if f.puts.Add(1) <= f.PutFailures {
		return ErrInjected
	}
	return f.Store.Put(ctx, key, r, size)
}

// Gets reports how many Get calls were made.
func (f *FlakyBlobs) Gets() int {
	return int(f.gets.Load())
}

// Puts reports how many Put calls were made.
func (f *FlakyBlobs) Puts() int {
	return int(f.puts.Load())
}
