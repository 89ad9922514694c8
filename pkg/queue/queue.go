// Package queue implements the in-process work queue behind /enqueue,
// /next, and /complete. Items are opaque JSON. At most one item is
// outstanding at a time: /next hands out the head and sets the working
// flag, /complete pops the head and clears it. Long-poll waiters are woken
// by a drain that runs on every enqueue and complete.
package queue

import (
	"context"
	"encoding/json"
	"sync"
)

// Queue is a FIFO of JSON work items with long-poll semantics.
type Queue struct {
	mu      sync.Mutex
	items   []json.RawMessage
	working bool
	waiters []chan json.RawMessage
}

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	Length  int  `json:"queueLength"`
	Working bool `json:"working"`
	Waiting int  `json:"waiting"`
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends an item and returns its 1-based position.
func (q *Queue) Enqueue(item json.RawMessage) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	pos := len(q.items)
	q.drainLocked()
	return pos
}

// Next returns the head item once it becomes available and no other item is
// outstanding. It blocks until then or until ctx expires; callers bound the
// wait with a deadline (the HTTP surface uses 30 seconds). The returned
// item stays at the head until Complete.
func (q *Queue) Next(ctx context.Context) (json.RawMessage, bool) {
	q.mu.Lock()
	if !q.working && len(q.items) > 0 {
		q.working = true
		item := q.items[0]
		q.mu.Unlock()
		return item, true
	}

	w := make(chan json.RawMessage, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case item := <-w:
		return item, true
	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, other := range q.waiters {
			if other == w {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				return nil, false
			}
		}
		// The drain already handed us the head. Give it back so the next
		// waiter (or a future /next) can take it.
		select {
		case <-w:
			q.working = false
			q.drainLocked()
		default:
		}
		return nil, false
	}
}

// Complete pops the head, clears the working flag, and returns how many
// items remain. Completing an empty queue is a no-op.
func (q *Queue) Complete() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
	q.working = false
	q.drainLocked()
	return len(q.items)
}

// Stats reports queue length, the working flag, and waiter count.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Length:  len(q.items),
		Working: q.working,
		Waiting: len(q.waiters),
	}
}

// drainLocked wakes the oldest waiter with the head item when nothing is
// outstanding. Waiter channels are buffered so the send never blocks.
func (q *Queue) drainLocked() {
	if q.working || len(q.items) == 0 || len(q.waiters) == 0 {
		return
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.working = true
	w <- q.items[0]
}
