// Package queue provides the in-process FIFO of jobs waiting for a worker.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Item describes a pending job.
type Item struct {
	JobID      string
	Type       string
	EnqueuedAt time.Time
}

// Queue is an unbounded multi-producer, multi-consumer FIFO.
//
// Enqueue never blocks. Dequeue blocks until an item is available, the
// context ends, or the queue is closed. An item is handed to exactly one
// caller of Dequeue.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	closed bool
	signal chan struct{} // buffered, size 1
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		items:  make([]Item, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends an item. Returns ErrClosed after Close.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	q.items = append(q.items, item)
	q.notifyLocked()
	return nil
}

// Cancel removes the pending item for jobID. Returns false if the job is not
// in the backlog, either because it was never queued or a worker already
// took it.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.JobID != jobID {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = Item{}
		q.items = q.items[:len(q.items)-1]
		return true
	}
	return false
}

// TryDequeue removes and returns the oldest item without blocking.
func (q *Queue) TryDequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) == 0 {
		return Item{}, false
	}

	item := q.items[0]
	q.items[0] = Item{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
		// The signal coalesces; pass it on so another waiter wakes.
		q.notifyLocked()
	}
	return item, true
}

// Dequeue blocks until it can return the oldest item. Items still pending
// at Close are not handed out; they stay queued in the manifest.
func (q *Queue) Dequeue(ctx context.Context) (Item, error) {
	for {
		if item, ok := q.TryDequeue(); ok {
			return item, nil
		}

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Item{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the pending items in queue order.
func (q *Queue) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Close stops the queue and wakes all blocked Dequeue calls.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

func (q *Queue) notifyLocked() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
