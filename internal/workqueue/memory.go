package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	id           string
	body         []byte
	sentAt       time.Time
	visibleAt    time.Time
	token        string
	receiveCount int
}

// Memory is an in-process queue with visibility leases. Messages are lost when
// the process exits.
type Memory struct {
	mu      sync.Mutex
	entries []*memoryEntry
	notify  chan struct{}
	closed  bool
	now     func() time.Time
}

var _ Queue = (*Memory)(nil)

// NewMemory returns an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{}), now: time.Now}
}

// wake releases every Receive blocked on the current notify channel.
func (m *Memory) wake() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// Send enqueues d for immediate delivery.
func (m *Memory) Send(_ context.Context, d Dispatch) error {
	body, err := d.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := m.now()
	m.entries = append(m.entries, &memoryEntry{
		id:        uuid.NewString(),
		body:      body,
		sentAt:    now,
		visibleAt: now,
	})
	m.wake()
	return nil
}

// Receive leases up to opts.MaxMessages visible messages, waiting up to
// opts.Wait for the first one.
func (m *Memory) Receive(ctx context.Context, opts ReceiveOptions) ([]Message, error) {
	opts = opts.Normalize()
	deadline := m.now().Add(opts.Wait)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		now := m.now()
		msgs, nextVisible := m.claimLocked(now, opts)
		notify := m.notify
		m.mu.Unlock()
		if len(msgs) > 0 {
			return msgs, nil
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return nil, nil
		}
		if !nextVisible.IsZero() {
			if until := nextVisible.Sub(now); until < remaining {
				remaining = until
			}
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Memory) claimLocked(now time.Time, opts ReceiveOptions) ([]Message, time.Time) {
	var msgs []Message
	var nextVisible time.Time
	for _, e := range m.entries {
		if e.visibleAt.After(now) {
			if nextVisible.IsZero() || e.visibleAt.Before(nextVisible) {
				nextVisible = e.visibleAt
			}
			continue
		}
		if len(msgs) >= opts.MaxMessages {
			break
		}
		e.token = e.id + "." + uuid.NewString()
		e.receiveCount++
		e.visibleAt = now.Add(opts.Lease)
		msgs = append(msgs, Message{
			ID:           e.id,
			Body:         append([]byte(nil), e.body...),
			Token:        e.token,
			ReceiveCount: e.receiveCount,
			LeaseUntil:   e.visibleAt,
			SentAt:       e.sentAt,
		})
	}
	return msgs, nextVisible
}

// ownerLocked finds the entry token owns, or nil once the lease has lapsed.
func (m *Memory) ownerLocked(token string, now time.Time) (int, *memoryEntry) {
	for i, e := range m.entries {
		if e.token == token && token != "" {
			if !e.visibleAt.After(now) {
				return -1, nil
			}
			return i, e
		}
	}
	return -1, nil
}

// Delete removes the message leased under token.
func (m *Memory) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	idx, _ := m.ownerLocked(token, m.now())
	if idx < 0 {
		return ErrLeaseLost
	}
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	return nil
}

// Extend renews the lease held by token.
func (m *Memory) Extend(_ context.Context, token string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := m.now()
	_, e := m.ownerLocked(token, now)
	if e == nil {
		return ErrLeaseLost
	}
	e.visibleAt = now.Add(lease)
	return nil
}

// Len reports the number of undeleted messages.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close wakes blocked receivers and rejects further use.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.wake()
	}
	return nil
}
