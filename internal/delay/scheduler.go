// =============================================================================
// EXPIRY SCHEDULER - ONE COALESCED TIMER PER TARGET
// =============================================================================
//
// A target never holds more than one pending timer, however many requests are
// queued. arm() only ever moves the wake time earlier:
//
//   armed: 900ms
//   arm(1200) ──► untouched   (the 900ms wake will re-arm for 1200 later)
//   arm(300)  ──► reprogrammed to 300
//
// so the armed wake time is always <= the earliest queued expiry.
//
// On fire the scheduler only kicks the flush worker. Re-arming is the
// worker's job once it knows what is left in the queue.
//
// GENERATIONS:
// Every reprogram starts a fresh time.AfterFunc and bumps a generation
// number. A callback whose generation is stale was superseded by an earlier
// deadline and returns without doing anything, so a reprogram racing with a
// firing timer can never leave the scheduler believing nothing is pending
// while a deadline is still outstanding.
//
// SYNCHRONOUS CANCEL:
// cancel() waits for any callback that already passed the generation check,
// so nothing touches the target after a drain has begun.
//
// =============================================================================

package delay

import (
	"sync"
	"time"
)

type expiryScheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	timer   *time.Timer
	when    time.Time
	pending bool
	gen     uint64
	running int
	stopped bool

	// onExpire hands off to the flush worker; must not block
	onExpire func()

	// enabled gates arm (optional). It is read under mu, so once it reports
	// false a following cancel leaves nothing armed.
	enabled func() bool

	// onReprogram observes timer reprogramming (optional)
	onReprogram func(reprogrammed bool)
}

func newExpiryScheduler(onExpire func()) *expiryScheduler {
	s := &expiryScheduler{onExpire: onExpire}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// arm makes sure the timer fires no later than expires.
func (s *expiryScheduler) arm(expires time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || (s.enabled != nil && !s.enabled()) {
		return
	}

	if s.pending && !expires.Before(s.when) {
		if s.onReprogram != nil {
			s.onReprogram(false)
		}
		return
	}

	if s.timer != nil {
		s.timer.Stop()
	}

	s.gen++
	gen := s.gen
	s.when = expires
	s.pending = true
	s.timer = time.AfterFunc(time.Until(expires), func() { s.fire(gen) })

	if s.onReprogram != nil {
		s.onReprogram(true)
	}
}

// fire runs on the timer goroutine.
func (s *expiryScheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.running++
	s.mu.Unlock()

	s.onExpire()

	s.mu.Lock()
	s.running--
	s.cond.Broadcast()
	s.mu.Unlock()
}

// armedAt returns the pending wake time, if any.
func (s *expiryScheduler) armedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.when, s.pending
}

// cancel stops the pending timer and waits for an in-flight callback.
// The scheduler can be armed again afterwards.
func (s *expiryScheduler) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// stop cancels and refuses any further arming.
func (s *expiryScheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.stopped = true
}

func (s *expiryScheduler) cancelLocked() {
	s.gen++
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for s.running > 0 {
		s.cond.Wait()
	}
}
