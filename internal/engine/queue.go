package engine

import (
	"sync"

	"github.com/roach88/replica/internal/ir"
)

// eventQueue is a thread-safe FIFO of remote change events.
//
// The feed goroutine enqueues; the Run loop dequeues. The queue is unbounded
// so a burst of notifications never blocks the subscription.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []ir.ChangeEvent
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]ir.ChangeEvent, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue. Returns false if the
// queue is closed.
func (q *eventQueue) Enqueue(e ir.ChangeEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking; a buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (ir.ChangeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return ir.ChangeEvent{}, false
	}

	e := q.events[0]
	// Release payload references held by the backing array.
	q.events[0] = ir.ChangeEvent{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available. It is
// closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued and wakes waiters.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
