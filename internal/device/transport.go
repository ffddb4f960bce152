package device

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kawamuray/ddi/internal/delay"
	"github.com/kawamuray/ddi/internal/metrics"
)

// =============================================================================
// TRANSPORT - ASYNCHRONOUS DEVICE I/O FOR RELEASED REQUESTS
// =============================================================================
//
// Submit is called on the admission path (passthrough requests) and by each
// target's flush worker (expired requests). Neither may wait for a device,
// so Submit only appends to a FIFO and returns. A fixed pool of I/O workers
// takes requests off the FIFO in submission order and completes them.
//
//   Map / flush worker ──► Submit ──► pending FIFO ──► worker 1 ──► pread/pwrite ──► req.Complete
//                                                 ├──► worker 2
//                                                 └──► worker N
//
// Requests start in submission order; with more than one worker they may
// complete out of order, as on a real block queue. A zero-length write is a
// cache flush and covers writes completed before it starts.
//
// =============================================================================

var (
	// ErrUnsupported means the endpoint device cannot serve the request's op.
	ErrUnsupported = errors.New("device does not support operation")

	// ErrTransportClosed completes requests submitted after Close.
	ErrTransportClosed = errors.New("transport closed")
)

// syncer is implemented by devices that can flush their write cache.
type syncer interface {
	Sync() error
}

// TransportConfig configures the I/O worker pool.
type TransportConfig struct {
	// Workers is the number of concurrent device operations (default: 16)
	Workers int

	Metrics *metrics.DeviceMetrics
	Logger  *slog.Logger
}

// DefaultTransportConfig returns a pool of 16 workers.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{Workers: 16}
}

// Transport issues redirected requests against their backing device and
// completes them. It implements delay.Submitter.
type Transport struct {
	metrics *metrics.DeviceMetrics
	logger  *slog.Logger

	// mu guards pending and closed; cond wakes idle workers
	mu      sync.Mutex
	cond    *sync.Cond
	pending []*delay.Request
	closed  bool

	wg sync.WaitGroup
}

var _ delay.Submitter = (*Transport)(nil)

// NewTransport starts the worker pool. Close stops it.
func NewTransport(config TransportConfig) *Transport {
	if config.Workers <= 0 {
		config.Workers = DefaultTransportConfig().Workers
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Transport{
		metrics: config.Metrics,
		logger:  logger.With("component", "transport"),
	}
	t.cond = sync.NewCond(&t.mu)

	for i := 0; i < config.Workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	return t
}

// Submit queues req and returns without waiting for the device. req is
// completed from an I/O worker.
func (t *Transport) Submit(req *delay.Request) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		req.Complete(ErrTransportClosed)
		return
	}
	t.pending = append(t.pending, req)
	t.mu.Unlock()
	t.cond.Signal()
}

// Pending returns the number of requests waiting for a worker.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close finishes every queued request, then stops the workers. Requests
// submitted afterwards fail with ErrTransportClosed. Idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()
	t.wg.Wait()
}

func (t *Transport) worker() {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		for len(t.pending) == 0 && !t.closed {
			t.cond.Wait()
		}
		if len(t.pending) == 0 {
			t.mu.Unlock()
			return
		}
		req := t.pending[0]
		t.pending[0] = nil
		t.pending = t.pending[1:]
		t.mu.Unlock()

		t.perform(req)
	}
}

// perform runs req against its device and completes it.
func (t *Transport) perform(req *delay.Request) {
	start := time.Now()
	err := t.do(req)

	name := req.Endpoint.Name()
	t.metrics.RecordIO(name, req.Op.String(), len(req.Data), time.Since(start), err)

	if err != nil {
		t.logger.Error("device I/O failed",
			"request", req.ID,
			"device", name,
			"op", req.Op.String(),
			"sector", req.DeviceSector,
			"sectors", req.Sectors(),
			"error", err)
	}
	req.Complete(err)
}

func (t *Transport) do(req *delay.Request) error {
	dev := req.Endpoint.Device
	off := int64(req.DeviceSector) * delay.SectorSize

	if req.Op == delay.OpWrite {
		if len(req.Data) == 0 {
			if s, ok := dev.(syncer); ok {
				return s.Sync()
			}
			return nil
		}
		w, ok := dev.(io.WriterAt)
		if !ok {
			return fmt.Errorf("%w: write on %s", ErrUnsupported, dev.Name())
		}
		_, err := w.WriteAt(req.Data, off)
		return err
	}

	if len(req.Data) == 0 {
		return nil
	}
	r, ok := dev.(io.ReaderAt)
	if !ok {
		return fmt.Errorf("%w: read on %s", ErrUnsupported, dev.Name())
	}
	_, err := r.ReadAt(req.Data, off)
	return err
}
