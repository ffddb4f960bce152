package delay

import (
	"sync"
	"time"
)

// flushWorker releases expired requests off the admission path.
//
// One goroutine per target waits for kicks from the expiry scheduler. A kick
// arriving while a pass is already queued is folded into it (kick channel has
// capacity 1), which is all the coalescing needed: a pass always drains
// everything expired at the time it runs.
//
//	timer fires ──► kick ──► run(): drainExpired(now) ──► sink.Submit (in order)
//	                                  │
//	                                  └─► next pending expiry? ──► scheduler.arm
type flushWorker struct {
	t    *Target
	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newFlushWorker(t *Target) *flushWorker {
	return &flushWorker{
		t:    t,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (w *flushWorker) start() {
	w.wg.Add(1)
	go w.loop()
}

// notify schedules a pass. Never blocks.
func (w *flushWorker) notify() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// stop ends the loop after any pass in progress. Idempotent.
func (w *flushWorker) stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *flushWorker) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case <-w.kick:
			w.run()
		}
	}
}

// run is one flush pass: drain what has expired, hand it to the sink in
// queue order, then re-arm for whatever is left.
func (w *flushWorker) run() {
	t := w.t

	t.flushMu.Lock()
	released, next, pending := t.queue.drainExpired(time.Now(), false)
	t.submitAll(released, drainExpiry)
	t.flushMu.Unlock()

	// a no-op once the target is draining
	if pending {
		t.scheduler.arm(next)
	}
}
