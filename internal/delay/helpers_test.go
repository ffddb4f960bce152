package delay

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type fakeDevice struct {
	name   string
	closed bool
	mu     *sync.Mutex
	held   map[string]bool
}

func (d *fakeDevice) Name() string { return d.name }
func (d *fakeDevice) ID() string   { return "id-" + d.name }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	delete(d.held, d.name)
	return nil
}

// fakeResolver knows a fixed set of device names. A name opened twice is
// reported busy until closed.
type fakeResolver struct {
	mu      sync.Mutex
	known   map[string]bool
	held    map[string]bool
	opened  []*fakeDevice
	sharing bool
}

func newFakeResolver(names ...string) *fakeResolver {
	r := &fakeResolver{known: make(map[string]bool), held: make(map[string]bool)}
	for _, n := range names {
		r.known[n] = true
	}
	return r
}

func (r *fakeResolver) Open(name string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.known[name] {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	if r.held[name] && !r.sharing {
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, name)
	}
	r.held[name] = true
	d := &fakeDevice{name: name, mu: &r.mu, held: r.held}
	r.opened = append(r.opened, d)
	return d, nil
}

func (r *fakeResolver) allClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.opened {
		if !d.closed {
			return false
		}
	}
	return true
}

// released is one request seen by the sink.
type released struct {
	req *Request
	at  time.Time
}

// recordingSink records submissions in order and completes them.
type recordingSink struct {
	mu   sync.Mutex
	got  []released
	seen chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{seen: make(chan struct{}, 1)}
}

func (s *recordingSink) Submit(req *Request) {
	s.mu.Lock()
	s.got = append(s.got, released{req: req, at: time.Now()})
	s.mu.Unlock()
	req.Complete(nil)

	// waitFor re-reads the count, so a dropped wakeup is harmless
	select {
	case s.seen <- struct{}{}:
	default:
	}
}

func (s *recordingSink) snapshot() []released {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]released, len(s.got))
	copy(out, s.got)
	return out
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

// waitFor blocks until n requests have been submitted in total.
func (s *recordingSink) waitFor(t *testing.T, n int, timeout time.Duration) []released {
	t.Helper()
	deadline := time.After(timeout)
	for s.count() < n {
		select {
		case <-s.seen:
		case <-deadline:
			t.Fatalf("timed out waiting for %d releases, have %d", n, s.count())
		}
	}
	return s.snapshot()
}

// memSink serves requests from in-memory devices keyed by device name.
type memSink struct {
	mu    sync.Mutex
	disks map[string][]byte
}

func (s *memSink) Submit(req *Request) {
	s.mu.Lock()
	disk := s.disks[req.Endpoint.Name()]
	off := int64(req.DeviceSector) * SectorSize
	var err error
	switch {
	case len(req.Data) == 0:
	case off+int64(len(req.Data)) > int64(len(disk)):
		err = io.ErrUnexpectedEOF
	case req.Op == OpWrite:
		copy(disk[off:], req.Data)
	default:
		copy(req.Data, disk[off:])
	}
	s.mu.Unlock()
	req.Complete(err)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry() *Registry {
	return NewRegistry(RegistryConfig{Logger: quietLogger()})
}

// newTestTarget builds a target over fake devices "a" and "b".
func newTestTarget(t *testing.T, reg *Registry, args string) (*Target, *recordingSink, *fakeResolver) {
	t.Helper()
	sink := newRecordingSink()
	res := newFakeResolver("a", "b")
	tgt, err := NewTarget(reg, Config{
		Length:   2048,
		Args:     SplitArgs(args),
		Resolver: res,
		Sink:     sink,
	})
	if err != nil {
		t.Fatalf("NewTarget(%q): %v", args, err)
	}
	t.Cleanup(func() { tgt.Destroy() })
	return tgt, sink, res
}

func readReq(sector uint64) *Request {
	return NewRequest(OpRead, sector, make([]byte, SectorSize), nil)
}

func writeReq(sector uint64) *Request {
	return NewRequest(OpWrite, sector, make([]byte, SectorSize), nil)
}
