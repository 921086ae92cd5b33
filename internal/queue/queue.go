// Package queue provides the bounded frame buffer between the capture task
// and the detection workers.
//
// [Queue] favours freshness over completeness: Push never blocks, and when the
// buffer is full the oldest frame is evicted to make room. Pop blocks until a
// frame arrives or the queue is closed.
package queue

import (
	"errors"
	"sync"

	"github.com/MrWong99/terrarover/pkg/types"
)

// ErrClosed is returned by Pop once the queue has been closed. It is a
// shutdown signal rather than a failure.
var ErrClosed = errors.New("queue: closed")

// Queue is a fixed-capacity ring buffer of frames with drop-oldest semantics.
// It is safe for one producer and any number of consumers.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []types.Frame
	head   int // index of the oldest element
	size   int
	closed bool

	pushed  uint64
	dropped uint64
}

// New creates a Queue holding at most capacity frames. A capacity below 1 is
// treated as 1.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{buf: make([]types.Frame, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends f without blocking. When the queue is full the oldest frame is
// evicted first and evicted is true. Pushing to a closed queue discards f.
func (q *Queue) Push(f types.Frame) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if q.size == len(q.buf) {
		q.buf[q.head] = types.Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		evicted = true
	}

	q.buf[(q.head+q.size)%len(q.buf)] = f
	q.size++
	q.pushed++
	q.cond.Signal()
	return evicted
}

// Pop removes and returns the oldest frame, blocking while the queue is empty.
// After Close it always returns [ErrClosed], even if frames were still
// buffered.
func (q *Queue) Pop() (types.Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return types.Frame{}, ErrClosed
	}

	f := q.buf[q.head]
	q.buf[q.head] = types.Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return f, nil
}

// Close wakes every blocked consumer with [ErrClosed] and releases buffered
// frames. It is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for i := range q.buf {
		q.buf[i] = types.Frame{}
	}
	q.size = 0
	q.cond.Broadcast()
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns how many frames have been evicted since creation.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Pushed returns how many frames have been accepted since creation.
func (q *Queue) Pushed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
