// =============================================================================
// DELAY QUEUE - PENDING REQUESTS OF ONE TARGET
// =============================================================================
//
// The queue is a plain insertion-ordered list. Expiry is monotonic with
// admission order for a fixed delay, but a delay change while requests are
// in flight breaks that, so drain scans the whole list instead of stopping at
// the first unexpired entry:
//
//   head                                              tail
//   ┌──────────┐  ┌──────────┐  ┌──────────┐  ┌──────────┐
//   │ R1 t=500 │─►│ W1 t=900 │─►│ R2 t=120 │─►│ R3 t=510 │
//   └──────────┘  └──────────┘  └──────────┘  └──────────┘
//        drain(now=510): R1, R2, R3 released in list order
//                        W1 stays, next wake = 900
//
// Ordering inside one direction is preserved because released entries keep
// their list order. No priority queue is needed: drain is already O(n).
//
// LOCKING: every method runs under the registry's shared queue lock.
//
// =============================================================================

package delay

import (
	"container/list"
	"sync"
	"time"
)

type delayQueue struct {
	mu      *sync.Mutex
	entries list.List

	// in-flight counters by direction, guarded by mu
	reads  int
	writes int
}

func newDelayQueue(mu *sync.Mutex) *delayQueue {
	q := &delayQueue{mu: mu}
	q.entries.Init()
	return q
}

// enqueue appends req with the given expiry.
//
// admit is evaluated under the lock; when it reports false nothing is queued
// and enqueue returns false. This closes the window between a caller seeing
// the may-delay flag set and a concurrent drain clearing it.
func (q *delayQueue) enqueue(req *Request, expires time.Time, admit func() bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if admit != nil && !admit() {
		return false
	}

	req.expires = expires
	req.elem = q.entries.PushBack(req)
	if req.Op == OpWrite {
		q.writes++
	} else {
		q.reads++
	}
	return true
}

// drainExpired removes every entry with expiry <= now (every entry when
// force is set) in one pass.
//
// Returns the removed requests in insertion order, and the earliest expiry
// among entries left behind (ok=false when nothing is left).
func (q *delayQueue) drainExpired(now time.Time, force bool) (released []*Request, next time.Time, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.entries.Front(); e != nil; {
		req := e.Value.(*Request)
		following := e.Next()

		if force || !now.Before(req.expires) {
			q.entries.Remove(e)
			req.elem = nil
			if req.Op == OpWrite {
				q.writes--
			} else {
				q.reads--
			}
			released = append(released, req)
			e = following
			continue
		}

		if !ok || req.expires.Before(next) {
			next = req.expires
			ok = true
		}
		e = following
	}

	return released, next, ok
}

// counts returns the in-flight reads and writes.
func (q *delayQueue) counts() (reads, writes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reads, q.writes
}

// len returns the number of queued requests.
func (q *delayQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}
