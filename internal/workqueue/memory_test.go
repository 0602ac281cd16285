package workqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemory() (*Memory, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	q := NewMemory()
	q.now = clock.Now
	return q, clock
}

func TestDispatchRoundTrip(t *testing.T) {
	body, err := Dispatch{JobID: "J1", InputKey: "uploads/J1/a.mp4", Preset: "720p"}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(body) != `{"job_id":"J1","input_key":"uploads/J1/a.mp4","preset":"720p"}` {
		t.Fatalf("unexpected wire form %s", body)
	}
	d, err := DecodeDispatch(body)
	if err != nil || d.JobID != "J1" || d.Preset != "720p" {
		t.Fatalf("DecodeDispatch = %+v, %v", d, err)
	}
	if _, err := DecodeDispatch([]byte(`{"input_key":"x"}`)); err == nil {
		t.Fatal("expected missing job_id to fail")
	}
	if _, err := DecodeDispatch([]byte(`not json`)); err == nil {
		t.Fatal("expected invalid json to fail")
	}
	if _, err := (Dispatch{}).Encode(); err == nil {
		t.Fatal("expected empty dispatch to fail encode")
	}
}

func TestMemoryReceiveLeasesMessage(t *testing.T) {
	q, clock := newTestMemory()
	ctx := context.Background()
	if err := q.Send(ctx, Dispatch{JobID: "J1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs, err := q.Receive(ctx, ReceiveOptions{MaxMessages: 5, Lease: time.Minute})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Receive = %d msgs, %v", len(msgs), err)
	}
	if msgs[0].ReceiveCount != 1 || msgs[0].Token == "" {
		t.Fatalf("unexpected message %+v", msgs[0])
	}

	again, err := q.Receive(ctx, ReceiveOptions{Lease: time.Minute})
	if err != nil || len(again) != 0 {
		t.Fatalf("leased message must be hidden, got %d (%v)", len(again), err)
	}

	clock.Advance(2 * time.Minute)
	redelivered, err := q.Receive(ctx, ReceiveOptions{Lease: time.Minute})
	if err != nil || len(redelivered) != 1 {
		t.Fatalf("expected redelivery after lease expiry, got %d (%v)", len(redelivered), err)
	}
	if redelivered[0].ReceiveCount != 2 {
		t.Fatalf("expected receive count 2, got %d", redelivered[0].ReceiveCount)
	}
	if err := q.Delete(ctx, msgs[0].Token); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale token delete should report ErrLeaseLost, got %v", err)
	}
	if err := q.Delete(ctx, redelivered[0].Token); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, have %d", q.Len())
	}
	if err := q.Delete(ctx, redelivered[0].Token); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("second delete should report ErrLeaseLost, got %v", err)
	}
}

func TestMemoryExtend(t *testing.T) {
	q, clock := newTestMemory()
	ctx := context.Background()
	_ = q.Send(ctx, Dispatch{JobID: "J1"})
	msgs, _ := q.Receive(ctx, ReceiveOptions{Lease: time.Minute})
	if len(msgs) != 1 {
		t.Fatalf("expected one message")
	}
	clock.Advance(50 * time.Second)
	if err := q.Extend(ctx, msgs[0].Token, time.Minute); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	clock.Advance(50 * time.Second)
	if got, _ := q.Receive(ctx, ReceiveOptions{Lease: time.Minute}); len(got) != 0 {
		t.Fatal("extended lease must keep message hidden")
	}
	clock.Advance(20 * time.Second)
	if err := q.Extend(ctx, msgs[0].Token, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost after expiry, got %v", err)
	}
}

func TestMemoryReceiveBatchLimit(t *testing.T) {
	q, _ := newTestMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = q.Send(ctx, Dispatch{JobID: id})
	}
	msgs, _ := q.Receive(ctx, ReceiveOptions{MaxMessages: 2, Lease: time.Minute})
	if len(msgs) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(msgs))
	}
	rest, _ := q.Receive(ctx, ReceiveOptions{MaxMessages: 2, Lease: time.Minute})
	if len(rest) != 1 {
		t.Fatalf("expected remaining 1, got %d", len(rest))
	}
}

func TestMemoryLongPollWakesOnSend(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	done := make(chan []Message, 1)
	go func() {
		msgs, _ := q.Receive(ctx, ReceiveOptions{Wait: 5 * time.Second, Lease: time.Minute})
		done <- msgs
	}()
	time.Sleep(20 * time.Millisecond)
	if err := q.Send(ctx, Dispatch{JobID: "late"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msgs := <-done:
		if len(msgs) != 1 {
			t.Fatalf("expected woken receive to return the message, got %d", len(msgs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not wake on send")
	}
}

func TestMemoryReceiveHonoursContextAndClose(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Receive(ctx, ReceiveOptions{Wait: time.Minute}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := q.Receive(context.Background(), ReceiveOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := q.Send(context.Background(), Dispatch{JobID: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Send, got %v", err)
	}
}

func TestMemoryEmptyReceiveReturnsAfterWait(t *testing.T) {
	q := NewMemory()
	start := time.Now()
	msgs, err := q.Receive(context.Background(), ReceiveOptions{Wait: 30 * time.Millisecond})
	if err != nil || len(msgs) != 0 {
		t.Fatalf("Receive = %d, %v", len(msgs), err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("receive returned before wait elapsed")
	}
}
