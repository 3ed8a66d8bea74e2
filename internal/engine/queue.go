package engine

import (
	"context"
	"sync"
)

// Queue is a thread-safe unbounded FIFO.
//
// It backs the engine's dispatch queue and the per-subscriber mailboxes of
// state streams and effect runners. Producers never block, which keeps the
// drainer from waiting on a slow consumer.
//
// Consumers wait with Next, which is context-aware:
//
//	for {
//	    v, ok := q.Next(ctx)
//	    if !ok {
//	        return
//	    }
//	    handle(v)
//	}
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // buffered, size 1
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends v. Returns false if the queue is closed.
func (q *Queue[T]) Enqueue(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, v)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front item without blocking.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	v := q.items[0]
	// Clear the slot so the backing array does not retain the item.
	q.items[0] = zero
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return v, true
}

// Next blocks until an item is available, ctx is done, or the queue is
// closed and empty. ok is false in the last two cases.
func (q *Queue[T]) Next(ctx context.Context) (v T, ok bool) {
	for {
		if v, ok = q.TryDequeue(); ok {
			return v, true
		}
		select {
		case <-ctx.Done():
			return v, false
		case _, open := <-q.signal:
			if !open && q.Len() == 0 {
				return v, false
			}
		}
	}
}

// Wait returns a channel that signals when items may be available. The
// channel is closed by Close.
func (q *Queue[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further Enqueue calls and wakes waiters. Items already
// queued can still be dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
