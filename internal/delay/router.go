package delay

import (
	"time"
)

// MapResult tells the caller who owns the request after Map returns.
type MapResult int

const (
	// MapRemapped means the request was redirected and submitted at once
	MapRemapped MapResult = iota

	// MapSubmitted means the request was deferred; the flush worker
	// submits it once its delay has elapsed
	MapSubmitted

	// MapKilled means the target was already destroyed; the request has
	// been completed with ErrTargetDestroyed
	MapKilled
)

func (r MapResult) String() string {
	switch r {
	case MapSubmitted:
		return "submitted"
	case MapKilled:
		return "killed"
	default:
		return "remapped"
	}
}

// Map is the entry point for a new request.
//
// The request is redirected to the write endpoint when it is a write and one
// is configured, otherwise to the read endpoint. With a zero effective delay,
// or while the target is suspended, it goes straight to the sink on the
// caller's goroutine. Otherwise it is queued and the scheduler is armed for
// its expiry.
//
// Map never fails on a live target and never blocks on I/O.
func (t *Target) Map(req *Request) MapResult {
	if t.State() == StateDestroyed {
		req.Complete(ErrTargetDestroyed)
		return MapKilled
	}

	var delayMs uint32
	if req.Op == OpWrite && t.write != nil {
		req.Endpoint = t.write
		if len(req.Data) > 0 {
			req.DeviceSector = t.write.translate(req.Sector)
		} else {
			req.DeviceSector = req.Sector
		}
		delayMs = t.writeDelay.Load()
	} else {
		req.Endpoint = t.read
		req.DeviceSector = t.read.translate(req.Sector)
		delayMs = t.readDelay.Load()
	}

	req.target = t
	req.admitted = time.Now()

	return t.admit(req, delayMs)
}

// admit queues req for delayMs or hands it straight to the sink.
func (t *Target) admit(req *Request, delayMs uint32) MapResult {
	op := req.Op.String()

	if delayMs == 0 || !t.mayDelay.Load() {
		t.metrics.RecordAdmission(t.name, op, false)
		t.submit(req)
		return MapRemapped
	}

	expires := req.admitted.Add(time.Duration(delayMs) * time.Millisecond)

	// may-delay is re-checked under the queue lock so a concurrent drain
	// either sees this request in the queue or this request sees the flag
	// cleared
	if !t.queue.enqueue(req, expires, t.mayDelay.Load) {
		t.metrics.RecordAdmission(t.name, op, false)
		t.submit(req)
		return MapRemapped
	}

	t.metrics.RecordAdmission(t.name, op, true)
	t.updateDepth()
	t.scheduler.arm(expires)
	return MapSubmitted
}
