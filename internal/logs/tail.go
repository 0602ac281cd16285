package logs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"vidpipe/internal/logging"
)

const defaultPoll = 250 * time.Millisecond

// Options controls Tail.
type Options struct {
	// Lines is how many trailing lines to print first. Zero prints none.
	Lines int
	// Follow keeps reading appended lines until ctx ends.
	Follow bool
	// JobID, when set, keeps only lines attributed to that job.
	JobID string
	Poll  time.Duration
}

// Tail writes the selected lines of the log at path to emit. A missing file
// yields nothing unless Follow is set, in which case Tail waits for it.
func Tail(ctx context.Context, path string, opts Options, emit func(string) error) error {
	if opts.Poll <= 0 {
		opts.Poll = defaultPoll
	}
	match := matcher(opts.JobID)

	offset, err := emitLast(path, opts.Lines, opts.Follow, match, emit)
	if err != nil {
		return err
	}
	if !opts.Follow {
		return nil
	}

	ticker := time.NewTicker(opts.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		offset, err = emitFrom(path, offset, match, emit)
		if err != nil {
			return err
		}
	}
}

func matcher(jobID string) func(string) bool {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return func(string) bool { return true }
	}
	consoleTag := "[job " + logging.ShortJobID(jobID) + "]"
	return func(line string) bool {
		if strings.HasPrefix(line, "{") {
			var entry map[string]any
			if err := json.Unmarshal([]byte(line), &entry); err == nil {
				id, _ := entry[logging.FieldJobID].(string)
				return id == jobID
			}
		}
		return strings.Contains(line, consoleTag)
	}
}

// emitLast prints the last limit matching lines and returns the offset just
// past the final newline. An unterminated last line is printed only when
// holdPartial is false; otherwise it is left for emitFrom to pick up whole.
func emitLast(path string, limit int, holdPartial bool, match func(string) bool, emit func(string) error) (int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	var ring []string
	if limit > 0 {
		ring = make([]string, 0, limit)
	}
	keep := func(line string) {
		if limit <= 0 || !match(line) {
			return
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, line)
	}

	var offset int64
	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			if line != "" && !holdPartial {
				keep(strings.TrimRight(line, "\r"))
			}
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read log file: %w", err)
		}
		offset += int64(len(line))
		keep(strings.TrimRight(line, "\r\n"))
	}
	for _, line := range ring {
		if err := emit(line); err != nil {
			return 0, err
		}
	}
	return offset, nil
}

// emitFrom prints complete lines after offset. A file that shrank is read from
// the start again.
func emitFrom(path string, offset int64, match func(string) bool, emit func(string) error) (int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return offset, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return offset, fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("seek log file: %w", err)
	}

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// Partial line; wait for the writer to finish it.
			return offset, nil
		}
		if err != nil {
			return offset, fmt.Errorf("read log file: %w", err)
		}
		offset += int64(len(line))
		line = strings.TrimRight(line, "\r\n")
		if match(line) {
			if err := emit(line); err != nil {
				return offset, err
			}
		}
	}
}
