// Package startqueue bounds how long a stream may linger before delivering
// its first meaningful frame (spec.md §4.2). The accept path (possibly
// several goroutines at once) enqueues; a single heartbeat goroutine calls
// Tick, which snapshots the queue length at entry and processes exactly
// that many entries rather than racing a lock-free sentinel re-queue.
package startqueue

import (
	"sync"
	"time"
)

// Stream is the subset of stream state the queue needs to enforce the
// startup deadline.
type Stream interface {
	// HasStarted reports whether the stream has received enough bytes to
	// be classified (HEADERS for a request stream, the stream-type varint
	// for a control stream).
	HasStarted() bool
	// Expiration returns the currently recorded deadline, or the zero
	// Time if unset.
	Expiration() time.Time
	// SetExpiration records the deadline the first time the stream is
	// observed in the queue.
	SetExpiration(time.Time)
	// Expire is called once, when the deadline has passed without the
	// stream starting.
	Expire()
}

// Queue is a multi-producer, single-consumer FIFO of streams that have not
// yet started. It is guarded by a mutex rather than a true lock-free MPSC
// ring: Enqueue is O(1)-amortized, Tick is linear in the queue length and
// holds the lock only to take and return the slice, and contention is limited
// to brief accept-time and heartbeat-time critical sections, so a mutex is
// the idiomatic Go choice here (see DESIGN.md).
type Queue struct {
	mu    sync.Mutex
	items []Stream
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue adds a stream exactly once, when it is created.
func (q *Queue) Enqueue(s Stream) {
	q.mu.Lock()
	q.items = append(q.items, s)
	q.mu.Unlock()
}

// Tick drains up to the queue's length as observed at entry, dropping
// started streams, recording first-seen deadlines, expiring overdue
// streams, and re-enqueueing everything else, so a stream added mid-tick
// is examined on a later tick, not this one.
func (q *Queue) Tick(now time.Time, requestHeadersTimeout time.Duration) {
	q.mu.Lock()
	n := len(q.items)
	pending := q.items[:n:n]
	q.items = q.items[n:]
	q.mu.Unlock()

	var keep []Stream
	for _, s := range pending {
		switch {
		case s.HasStarted():
			// drop: the stream delivered its first frame in time.
		case s.Expiration().IsZero():
			s.SetExpiration(saturatingAdd(now, requestHeadersTimeout))
			keep = append(keep, s)
		case s.Expiration().Before(now):
			s.Expire()
		default:
			keep = append(keep, s)
		}
	}

	if len(keep) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(keep, q.items...)
	q.mu.Unlock()
}

// Len reports the current queue length; used only by tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

var maxTime = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

func saturatingAdd(now time.Time, d time.Duration) time.Time {
	t := now.Add(d)
	if t.Before(now) {
		// overflowed
		return maxTime
	}
	return t
}
