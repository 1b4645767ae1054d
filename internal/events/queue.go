package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/carpool/internal/observability"
)

var ErrQueueFull = errors.New("event queue full")

// Queue is an in-process outbox. Publish never blocks; workers started by Run
// deliver each event to every handler, and a failing or panicking handler
// affects neither the publisher nor the other handlers.
type Queue struct {
	ch       chan Event
	handlers []Handler
	workers  int
	logger   *slog.Logger
}

func NewQueue(buffer, workers int, logger *slog.Logger, handlers ...Handler) *Queue {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{ch: make(chan Event, buffer), handlers: handlers, workers: workers, logger: logger}
}

func (q *Queue) Publish(_ context.Context, e Event) error {
	select {
	case q.ch <- e:
		observability.EventsPublished.WithLabelValues(string(e.Kind)).Inc()
		return nil
	default:
		observability.EventsDropped.Inc()
		return fmt.Errorf("%s for request %s: %w", e.Kind, e.RequestID, ErrQueueFull)
	}
}

// Run blocks until ctx is cancelled. Events still buffered at that point are dropped.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-q.ch:
					q.deliver(ctx, e)
				}
			}
		}()
	}
	wg.Wait()
	if n := len(q.ch); n > 0 {
		q.logger.Warn("event queue stopped with undelivered events", "count", n)
	}
}

func (q *Queue) deliver(ctx context.Context, e Event) {
	for _, h := range q.handlers {
		if err := q.safeHandle(ctx, h, e); err != nil {
			observability.EventsFailed.WithLabelValues(string(e.Kind)).Inc()
			q.logger.Warn("event handler failed", "kind", e.Kind, "request_id", e.RequestID, "error", err)
		}
	}
}

func (q *Queue) safeHandle(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Handle(ctx, e)
}
