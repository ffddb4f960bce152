package delay

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDelayQueue_DrainExpired(t *testing.T) {
	var mu sync.Mutex
	q := newDelayQueue(&mu)
	base := time.Now()

	at := func(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

	// expiry not monotonic in insertion order, as after a delay change
	r1, w1, r2, r3 := readReq(1), writeReq(1), readReq(2), readReq(3)
	q.enqueue(r1, at(500), nil)
	q.enqueue(w1, at(900), nil)
	q.enqueue(r2, at(120), nil)
	q.enqueue(r3, at(510), nil)

	if reads, writes := q.counts(); reads != 3 || writes != 1 {
		t.Fatalf("counts = %d/%d, want 3/1", reads, writes)
	}

	out, next, ok := q.drainExpired(at(510), false)
	if len(out) != 3 || out[0] != r1 || out[1] != r2 || out[2] != r3 {
		t.Fatalf("drained %v, want r1 r2 r3 in insertion order", out)
	}
	if !ok || !next.Equal(at(900)) {
		t.Errorf("next = %v/%v, want 900ms", next, ok)
	}
	if reads, writes := q.counts(); reads != 0 || writes != 1 {
		t.Errorf("counts after drain = %d/%d, want 0/1", reads, writes)
	}

	out, _, ok = q.drainExpired(at(0), true)
	if len(out) != 1 || out[0] != w1 {
		t.Errorf("forced drain = %v, want w1", out)
	}
	if ok {
		t.Error("empty queue reported a pending expiry")
	}
	if q.len() != 0 {
		t.Errorf("len = %d after forced drain", q.len())
	}
}

func TestDelayQueue_AdmitCheckedUnderLock(t *testing.T) {
	var mu sync.Mutex
	q := newDelayQueue(&mu)

	if q.enqueue(readReq(0), time.Now(), func() bool { return false }) {
		t.Error("enqueue succeeded with admit=false")
	}
	if q.len() != 0 {
		t.Error("rejected request was queued")
	}
}

func TestExpiryScheduler_Coalesces(t *testing.T) {
	var fired atomic.Int32
	s := newExpiryScheduler(func() { fired.Add(1) })
	defer s.stop()

	var reprogrammed, kept int
	s.onReprogram = func(r bool) {
		if r {
			reprogrammed++
		} else {
			kept++
		}
	}

	now := time.Now()
	s.arm(now.Add(300 * time.Millisecond))
	s.arm(now.Add(500 * time.Millisecond)) // later: kept
	s.arm(now.Add(40 * time.Millisecond))  // earlier: reprogrammed

	if reprogrammed != 2 || kept != 1 {
		t.Errorf("reprogrammed=%d kept=%d, want 2/1", reprogrammed, kept)
	}
	if when, ok := s.armedAt(); !ok || !when.Equal(now.Add(40*time.Millisecond)) {
		t.Errorf("armed at %v/%v, want +40ms", when, ok)
	}

	time.Sleep(400 * time.Millisecond)

	// WHAT: superseded deadlines never fire
	// WHY: one timer per target; the worker re-arms for later expiries
	if got := fired.Load(); got != 1 {
		t.Errorf("fired %d times, want 1", got)
	}
	if _, ok := s.armedAt(); ok {
		t.Error("still pending after fire")
	}
}

func TestExpiryScheduler_CancelWaitsForCallback(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	s := newExpiryScheduler(func() {
		close(entered)
		<-release
		finished.Store(true)
	})

	s.arm(time.Now())
	<-entered

	done := make(chan struct{})
	go func() {
		s.cancel()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("cancel returned while callback was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	if !finished.Load() {
		t.Error("cancel returned before callback finished")
	}
}

func TestExpiryScheduler_StopRefusesArm(t *testing.T) {
	var fired atomic.Int32
	s := newExpiryScheduler(func() { fired.Add(1) })

	s.stop()
	s.arm(time.Now())

	time.Sleep(30 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("stopped scheduler fired")
	}
}

func TestExpiryScheduler_DisabledRefusesArm(t *testing.T) {
	var fired atomic.Int32
	var enabled atomic.Bool
	s := newExpiryScheduler(func() { fired.Add(1) })
	s.enabled = enabled.Load

	// WHAT: arming while disabled leaves nothing pending
	// WHY: a flush pass finishing after presuspend must not leave a stale
	// wake time behind
	s.arm(time.Now().Add(10 * time.Millisecond))
	if _, ok := s.armedAt(); ok {
		t.Error("disabled scheduler armed")
	}

	enabled.Store(true)
	s.arm(time.Now().Add(10 * time.Millisecond))
	if _, ok := s.armedAt(); !ok {
		t.Fatal("enabled scheduler did not arm")
	}

	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 1 {
		t.Errorf("fired %d times, want 1", fired.Load())
	}
}
