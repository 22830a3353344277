package queue

import (
	"context"
	"errors"
	"log"
	"sync"

	"smolclaw/internal/domain"
)

// ErrClosed is returned by Next once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

const defaultCapacity = 256

// Queue is a bounded FIFO buffer between many producers and one consumer.
// Publish never blocks: when the buffer is full the oldest event is dropped
// and counted, so a stalled consumer slows nothing upstream.
type Queue struct {
	mu      sync.Mutex
	ch      chan domain.Event
	closed  bool
	dropped int
	logger  *log.Logger
}

// New builds a queue with the given capacity; capacity <= 0 uses the default.
func New(capacity int, logger *log.Logger) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{ch: make(chan domain.Event, capacity), logger: logger}
}

// Publish enqueues an event without blocking. Returns ErrClosed after Close.
func (q *Queue) Publish(evt domain.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for {
		select {
		case q.ch <- evt:
			return nil
		default:
		}
		select {
		case old := <-q.ch:
			q.dropped++
			q.logger.Printf("queue full, dropping oldest event kind=%s received_at=%s (dropped=%d)",
				old.Kind, old.ReceivedAt.Format("15:04:05"), q.dropped)
		default:
		}
	}
}

// Next blocks until an event is available, the context is canceled, or the
// queue is closed and drained.
func (q *Queue) Next(ctx context.Context) (domain.Event, error) {
	select {
	case evt, ok := <-q.ch:
		if !ok {
			return domain.Event{}, ErrClosed
		}
		return evt, nil
	case <-ctx.Done():
		return domain.Event{}, ctx.Err()
	}
}

// Dropped reports how many events have been discarded under overflow.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting events. Buffered events remain readable. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
