package device

import (
	"bytes"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kawamuray/ddi/internal/delay"
)

// slowDevice serves reads after a fixed service time.
type slowDevice struct {
	name    string
	service time.Duration
	closed  atomic.Bool

	// readAfterClose is set when a read finished on a closed device
	readAfterClose atomic.Bool
}

func (d *slowDevice) Name() string { return d.name }
func (d *slowDevice) ID() string   { return d.name }

func (d *slowDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func (d *slowDevice) ReadAt(p []byte, off int64) (int, error) {
	time.Sleep(d.service)
	if d.closed.Load() {
		d.readAfterClose.Store(true)
		return 0, ErrClosed
	}
	return len(p), nil
}

type staticResolver map[string]delay.Device

func (r staticResolver) Open(name string) (delay.Device, error) {
	if d, ok := r[name]; ok {
		return d, nil
	}
	return nil, delay.ErrDeviceNotFound
}

// completion is one finished request.
type completion struct {
	at  time.Time
	err error
}

func collect(n int) (chan completion, func(*delay.Request, error)) {
	ch := make(chan completion, n)
	return ch, func(_ *delay.Request, err error) {
		ch <- completion{at: time.Now(), err: err}
	}
}

func newSlowTarget(t *testing.T, service time.Duration, readDelay string) (*delay.Target, *slowDevice) {
	t.Helper()
	dev := &slowDevice{name: "slow0", service: service}

	sink := NewTransport(DefaultTransportConfig())
	t.Cleanup(sink.Close)

	tgt, err := delay.NewTarget(delay.NewRegistry(delay.RegistryConfig{}), delay.Config{
		Length:   64,
		Args:     []string{"slow0", "0", readDelay},
		Resolver: staticResolver{"slow0": dev},
		Sink:     sink,
	})
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	t.Cleanup(func() { tgt.Destroy() })
	return tgt, dev
}

func TestTransport_SubmitRoundTrip(t *testing.T) {
	path := newImage(t, 8)
	r := NewResolver(ResolverConfig{})
	dev, err := r.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	tr := NewTransport(TransportConfig{Workers: 2})
	defer tr.Close()
	ep := &delay.Endpoint{Device: dev, Start: 2}

	results, done := collect(4)
	submit := func(req *delay.Request) error {
		tr.Submit(req)
		select {
		case c := <-results:
			return c.err
		case <-time.After(5 * time.Second):
			t.Fatal("request never completed")
			return nil
		}
	}

	payload := bytes.Repeat([]byte{0x5a}, delay.SectorSize)
	w := delay.NewRequest(delay.OpWrite, 1, payload, done)
	w.Endpoint, w.DeviceSector = ep, 3
	if err := submit(w); err != nil {
		t.Fatalf("write: %v", err)
	}

	raw, _ := os.ReadFile(path)
	if !bytes.Equal(raw[3*delay.SectorSize:4*delay.SectorSize], payload) {
		t.Error("payload not at device sector 3")
	}

	rd := delay.NewRequest(delay.OpRead, 1, make([]byte, delay.SectorSize), done)
	rd.Endpoint, rd.DeviceSector = ep, 3
	if err := submit(rd); err != nil || !bytes.Equal(rd.Data, payload) {
		t.Errorf("read back err=%v equal=%v", err, bytes.Equal(rd.Data, payload))
	}

	flush := delay.NewRequest(delay.OpWrite, 0, nil, done)
	flush.Endpoint = ep
	if err := submit(flush); err != nil {
		t.Errorf("flush: %v", err)
	}

	past := delay.NewRequest(delay.OpRead, 0, make([]byte, delay.SectorSize), done)
	past.Endpoint, past.DeviceSector = ep, 100
	if err := submit(past); err == nil {
		t.Error("read past end succeeded")
	}
}

func TestTransport_AdmissionDoesNotWaitForDevice(t *testing.T) {
	const service = 50 * time.Millisecond
	tgt, _ := newSlowTarget(t, service, "0")

	results, done := collect(1)
	start := time.Now()
	res := tgt.Map(delay.NewRequest(delay.OpRead, 0, make([]byte, delay.SectorSize), done))
	took := time.Since(start)

	if res != delay.MapRemapped {
		t.Fatalf("Map = %s, want remapped", res)
	}
	// WHAT: an undelayed Map returns before the device has served it
	// WHY: admission runs on the consumer's goroutine and must not block on I/O
	if took >= service/2 {
		t.Errorf("Map took %v with a %v device", took, service)
	}

	select {
	case c := <-results:
		if c.err != nil {
			t.Errorf("completion error: %v", c.err)
		}
		if c.at.Sub(start) < service {
			t.Errorf("completed after %v, before the device could serve it", c.at.Sub(start))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestTransport_ReleasesDoNotSerialize(t *testing.T) {
	const (
		service = 50 * time.Millisecond
		n       = 10
	)
	tgt, _ := newSlowTarget(t, service, "10")

	results, done := collect(n)
	start := time.Now()
	for i := 0; i < n; i++ {
		if res := tgt.Map(delay.NewRequest(delay.OpRead, uint64(i), make([]byte, delay.SectorSize), done)); res != delay.MapSubmitted {
			t.Fatalf("Map[%d] = %s, want submitted", i, res)
		}
	}
	if took := time.Since(start); took >= service/2 {
		t.Errorf("admitting %d requests took %v", n, took)
	}

	var last time.Duration
	for i := 0; i < n; i++ {
		select {
		case c := <-results:
			if c.err != nil {
				t.Errorf("completion error: %v", c.err)
			}
			if d := c.at.Sub(start); d > last {
				last = d
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d requests completed", i, n)
		}
	}

	// WHAT: 10 requests released together finish in about delay + service
	// WHY: the flush worker only hands them off, so one slow device
	// operation does not hold back the release of the next request
	if limit := 10*time.Millisecond + service + 100*time.Millisecond; last > limit {
		t.Errorf("last completion at %v, want under %v (serial would be %v)", last, limit, n*service)
	}
}

func TestTransport_DestroyWaitsForInflightIO(t *testing.T) {
	tgt, dev := newSlowTarget(t, 30*time.Millisecond, "0")

	results, done := collect(1)
	tgt.Map(delay.NewRequest(delay.OpRead, 0, make([]byte, delay.SectorSize), done))

	if err := tgt.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !dev.closed.Load() {
		t.Error("device not released")
	}
	if dev.readAfterClose.Load() {
		t.Error("device was closed while a read was in flight")
	}

	select {
	case c := <-results:
		if c.err != nil {
			t.Errorf("completion error: %v", c.err)
		}
	default:
		t.Error("Destroy returned before the request completed")
	}
}

func TestTransport_Close(t *testing.T) {
	dev := &slowDevice{name: "slow0", service: 5 * time.Millisecond}
	ep := &delay.Endpoint{Device: dev}
	tr := NewTransport(TransportConfig{Workers: 1})

	const n = 5
	results, done := collect(n + 1)
	for i := 0; i < n; i++ {
		req := delay.NewRequest(delay.OpRead, 0, make([]byte, delay.SectorSize), done)
		req.Endpoint = ep
		tr.Submit(req)
	}

	// WHAT: Close finishes what was queued before stopping
	tr.Close()
	if len(results) != n {
		t.Fatalf("completed %d of %d queued requests", len(results), n)
	}
	for i := 0; i < n; i++ {
		if c := <-results; c.err != nil {
			t.Errorf("queued request failed: %v", c.err)
		}
	}
	if tr.Pending() != 0 {
		t.Errorf("pending = %d after Close", tr.Pending())
	}

	late := delay.NewRequest(delay.OpRead, 0, make([]byte, delay.SectorSize), done)
	late.Endpoint = ep
	tr.Submit(late)
	if c := <-results; !errors.Is(c.err, ErrTransportClosed) {
		t.Errorf("submit after Close = %v, want ErrTransportClosed", c.err)
	}

	tr.Close() // idempotent
}
