package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/carpool/internal/events"
)

// flakyHandler fails the first n calls.
type flakyHandler struct {
	fail  int
	calls int
}

func (f *flakyHandler) Handle(ctx context.Context, e events.Event) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("downstream unavailable")
	}
	return nil
}

func TestHandleWithRetry_SucceedsAfterRetries(t *testing.T) {
	h := &flakyHandler{fail: 2}
	e := events.New(events.RideCompleted, "trip-1", "req-1")
	start := time.Now()
	if err := handleWithRetry(context.Background(), h, e, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if h.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", h.calls)
	}
	// 10ms then 20ms of backoff
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestHandleWithRetry_FailsWhenExhausted(t *testing.T) {
	h := &flakyHandler{fail: 5}
	if err := handleWithRetry(context.Background(), h, events.Event{Kind: events.JoinRequested}, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if h.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", h.calls)
	}
}

func TestHandleWithRetry_StopsOnCancel(t *testing.T) {
	h := &flakyHandler{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := handleWithRetry(ctx, h, events.Event{Kind: events.JoinRequested}, 5, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.calls != 1 {
		t.Fatalf("expected 1 call before cancel, got %d", h.calls)
	}
}
