package delay

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/xid"
)

// SectorSize is the unit of every offset and length handled by a target.
const SectorSize = 512

// Op is the data direction of a request.
type Op uint8

const (
	// OpRead reads from the backing device
	OpRead Op = iota

	// OpWrite writes to the backing device
	OpWrite
)

// String returns the lower-case name used in logs and metric labels.
func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// =============================================================================
// REQUEST
// =============================================================================

// Request is one block I/O travelling through a target.
//
// The caller fills Op, Sector, Data and Done. The router fills Endpoint and
// DeviceSector before the request is forwarded or deferred.
type Request struct {
	// ID identifies the request in logs
	ID string

	// Op is the data direction
	Op Op

	// Sector is the starting position relative to the start of the mapping
	Sector uint64

	// Data is the I/O buffer. Its length is a multiple of SectorSize.
	// Zero-length requests carry no position (flush-like).
	Data []byte

	// Endpoint is the backing device the request was redirected to
	Endpoint *Endpoint

	// DeviceSector is the device-relative starting position
	DeviceSector uint64

	// Done is invoked by the transport once the I/O has finished
	Done func(req *Request, err error)

	target   *Target
	tracker  *inflight
	admitted time.Time
	expires  time.Time
	elem     *list.Element
}

// NewRequest builds a request with a fresh ID.
func NewRequest(op Op, sector uint64, data []byte, done func(*Request, error)) *Request {
	return &Request{
		ID:     xid.New().String(),
		Op:     op,
		Sector: sector,
		Data:   data,
		Done:   done,
	}
}

// Sectors returns the request length in sectors.
func (r *Request) Sectors() uint64 {
	return uint64(len(r.Data)) / SectorSize
}

// Expires returns the absolute release time assigned at admission.
// Zero for requests that were never deferred.
func (r *Request) Expires() time.Time {
	return r.expires
}

// Complete reports the I/O outcome to the submitter of the request. It must
// be called exactly once per submitted request.
func (r *Request) Complete(err error) {
	tr := r.tracker
	r.tracker = nil
	if r.Done != nil {
		r.Done(r, err)
	}
	if tr != nil {
		tr.done()
	}
}

// inflight counts submitted requests; wait blocks until none remain.
// The zero value is ready to use.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (c *inflight) add() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *inflight) done() {
	c.mu.Lock()
	c.n--
	if c.n == 0 && c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
	c.mu.Unlock()
}

func (c *inflight) wait() {
	c.mu.Lock()
	if c.n == 0 {
		c.mu.Unlock()
		return
	}
	if c.idle == nil {
		c.idle = make(chan struct{})
	}
	idle := c.idle
	c.mu.Unlock()
	<-idle
}

// =============================================================================
// COMPLETION SINK
// =============================================================================

// Submitter issues a redirected request against its backing device.
//
// Submit is called from the caller's goroutine for undelayed requests and
// from the flush worker for delayed ones, in release order. It must not wait
// for the device: implementations queue req and complete it later.
type Submitter interface {
	Submit(req *Request)
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(req *Request)

// Submit calls f(req).
func (f SubmitFunc) Submit(req *Request) {
	f(req)
}
