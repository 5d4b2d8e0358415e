package collector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowlens/gateway/internal/core"
)

// Policy selects what happens when the collector queue is full.
type Policy string

const (
	DropNewest Policy = "drop-newest"
	DropOldest Policy = "drop-oldest"
	Block      Policy = "block"
)

// ParsePolicy maps a config string to a Policy, defaulting to drop-newest.
func ParsePolicy(s string) Policy {
	switch Policy(s) {
	case DropOldest:
		return DropOldest
	case Block:
		return Block
	default:
		return DropNewest
	}
}

// Queue is the bounded buffer between the UDP reader and the mapper. One
// producer, one consumer. Drop policies never block the reader; the block
// policy parks it until the mapper catches up.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf      []core.Record
	head, n  int
	capacity int
	policy   Policy
	closed   bool

	dropped atomic.Int64
}

// NewQueue builds a queue of the given capacity.
func NewQueue(capacity int, policy Policy) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	q := &Queue{
		buf:      make([]core.Record, capacity),
		capacity: capacity,
		policy:   policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push enqueues one record, applying the overflow policy. Returns false when
// the record (or, under drop-oldest, a predecessor) was shed.
func (q *Queue) Push(rec core.Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	for q.n == q.capacity {
		switch q.policy {
		case DropNewest:
			q.dropped.Add(1)
			return false
		case DropOldest:
			// Shed the head; global arrival order is preserved for what
			// remains.
			q.head = (q.head + 1) % q.capacity
			q.n--
			q.dropped.Add(1)
		case Block:
			q.notFull.Wait()
			if q.closed {
				return false
			}
		}
	}

	q.buf[(q.head+q.n)%q.capacity] = rec
	q.n++
	q.notEmpty.Signal()
	return true
}

// Pop dequeues one record, blocking until one is available or the queue is
// closed. The second return is false only after close with an empty buffer.
func (q *Queue) Pop() (core.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.n == 0 {
		if q.closed {
			return core.Record{}, false
		}
		q.notEmpty.Wait()
	}
	rec := q.buf[q.head]
	q.head = (q.head + 1) % q.capacity
	q.n--
	q.notFull.Signal()
	return rec, true
}

// PopBatch dequeues up to max records, waiting at most wait for the first
// one. The second return is false once the queue is closed and drained.
func (q *Queue) PopBatch(max int, wait time.Duration) ([]core.Record, bool) {
	deadline := time.Now().Add(wait)
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.n == 0 {
		if q.closed {
			return nil, false
		}
		if !q.waitUntilLocked(deadline) {
			return nil, true // timed out, still open
		}
	}

	n := q.n
	if n > max {
		n = max
	}
	out := make([]core.Record, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[q.head]
		q.head = (q.head + 1) % q.capacity
	}
	q.n -= n
	q.notFull.Broadcast()
	return out, true
}

// waitUntilLocked parks on notEmpty until signaled or the deadline passes.
// Returns false on deadline. Caller holds the lock.
func (q *Queue) waitUntilLocked(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	q.notEmpty.Wait()
	timer.Stop()
	return time.Now().Before(deadline) || q.n > 0 || q.closed
}

// Len reports the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Dropped reports how many records the policy shed.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close wakes all waiters; subsequent pushes are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}
