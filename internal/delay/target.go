// =============================================================================
// TARGET - ONE DELAY-INJECTING MAPPING
// =============================================================================
//
// WHAT IS A TARGET?
// A target sits between a block consumer and one or two backing devices.
// Every request is redirected to a backing device and held back for the
// configured delay before it is submitted:
//
//   consumer ──► Map ──┬── delay 0 / suspended ─────────────► sink.Submit
//                      │
//                      └── queue(expiry) ──► timer ──► worker ──► sink.Submit
//
// LIFECYCLE:
//
//   ┌──────────────┐   NewTarget   ┌────────┐  Presuspend  ┌──────────┐
//   │ Constructing │──────────────►│ Active │─────────────►│ Draining │
//   └──────────────┘               └────────┘◄─────────────└──────────┘
//          │                           │         Resume          │
//          │ failure: unwind           │ Destroy                 │ Destroy
//          ▼                           ▼                         ▼
//        (gone)                  ┌───────────────────────────────────┐
//                                │ Destroyed (queue drained first)   │
//                                └───────────────────────────────────┘
//
// Draining clears the may-delay flag, so new requests pass straight
// through while the queue is force-flushed. Nothing admitted is ever
// dropped: every queued request reaches the sink exactly once.
//
// =============================================================================

package delay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kawamuray/ddi/internal/attr"
	"github.com/kawamuray/ddi/internal/metrics"
)

// State is a target's lifecycle state.
type State int32

const (
	StateConstructing State = iota
	StateActive
	StateDraining
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConstructing:
		return "constructing"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StatusType selects the shape of Status output.
type StatusType int

const (
	// StatusInfo renders "<queued reads> <queued writes>"
	StatusInfo StatusType = iota

	// StatusTable renders the construction parameters with live delays
	StatusTable
)

// drain kinds used for metrics
const (
	drainExpiry = "expiry"
	drainForced = "forced"
)

// Config holds target construction parameters.
type Config struct {
	// Name keys the target in the registry (default: read device ID)
	Name string

	// Length is the size of the mapping in sectors
	Length uint64

	// Args are the 3 or 6 construction tokens
	Args []string

	// Resolver opens backing devices
	Resolver Resolver

	// Sink submits redirected requests to the backing devices
	Sink Submitter

	// Logger (default: the registry's logger)
	Logger *slog.Logger
}

// Target is one live mapping.
//
// THREAD SAFETY: Map, the delay accessors and Status are safe for concurrent
// use with each other and with lifecycle calls. Lifecycle calls are
// serialized internally.
type Target struct {
	reg    *Registry
	name   string
	group  string
	length uint64

	read  *Endpoint
	write *Endpoint

	readDelay  atomic.Uint32
	writeDelay atomic.Uint32

	// mayDelay gates queueing; cleared while draining
	mayDelay atomic.Bool
	state    atomic.Int32

	queue     *delayQueue
	scheduler *expiryScheduler
	worker    *flushWorker

	// flushMu serializes release passes so queue order survives a worker
	// pass racing with a forced drain
	flushMu sync.Mutex

	// lifeMu serializes Presuspend, Resume and Destroy
	lifeMu sync.Mutex

	// inflight counts requests submitted to the sink and not yet completed
	inflight inflight

	sink    Submitter
	metrics *metrics.DelayMetrics
	logger  *slog.Logger
}

// NewTarget parses cfg.Args, binds the devices, starts the flush worker and
// publishes the control-plane attributes. On failure everything acquired so
// far is released in reverse order and a *ConfigError describes the cause.
func NewTarget(reg *Registry, cfg Config) (*Target, error) {
	if reg == nil {
		return nil, errors.New("delay: registry is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("delay: resolver is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("delay: sink is required")
	}

	args, err := ParseArgs(cfg.Args)
	if err != nil {
		return nil, err
	}

	t := &Target{
		reg:     reg,
		length:  cfg.Length,
		sink:    cfg.Sink,
		metrics: reg.metrics,
	}
	t.state.Store(int32(StateConstructing))

	// unwind stack, run in reverse on failure
	var undo []func()
	fail := func(err error) (*Target, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return nil, err
	}

	if t.read, err = bindEndpoint(cfg.Resolver, args.ReadDevice, args.ReadStart); err != nil {
		return fail(configErr("Device lookup failed", err))
	}
	undo = append(undo, func() { t.read.release() })
	t.readDelay.Store(args.ReadDelay)

	if args.HasWrite() {
		if t.write, err = bindEndpoint(cfg.Resolver, args.WriteDevice, args.WriteStart); err != nil {
			return fail(configErr("Write device lookup failed", err))
		}
		undo = append(undo, func() { t.write.release() })
		t.writeDelay.Store(args.WriteDelay)
	}

	t.group = t.read.Device.ID()
	t.name = cfg.Name
	if t.name == "" {
		t.name = t.group
	}

	logger := cfg.Logger
	if logger == nil {
		logger = reg.logger
	}
	t.logger = logger.With("target", t.name)

	t.queue = newDelayQueue(&reg.queueMu)
	t.worker = newFlushWorker(t)
	t.scheduler = newExpiryScheduler(t.worker.notify)
	t.scheduler.enabled = t.mayDelay.Load
	t.scheduler.onReprogram = func(reprogrammed bool) {
		t.metrics.RecordTimerArm(t.name, reprogrammed)
	}

	t.worker.start()
	undo = append(undo, func() {
		t.scheduler.stop()
		t.worker.stop()
	})

	t.mayDelay.Store(true)

	if err := reg.register(t, t.attributes()); err != nil {
		if errors.Is(err, attr.ErrGroupExists) {
			err = fmt.Errorf("%w: %v", ErrTargetExists, err)
		}
		return fail(configErr("Couldn't register control attributes", err))
	}

	t.metrics.SetDelay(t.name, OpRead.String(), args.ReadDelay)
	if t.write != nil {
		t.metrics.SetDelay(t.name, OpWrite.String(), args.WriteDelay)
	}
	t.state.Store(int32(StateActive))

	t.logger.Info("target created",
		"table", t.Table(),
		"length", t.length,
		"group", t.group)

	return t, nil
}

// Name returns the registry key of the target.
func (t *Target) Name() string { return t.name }

// Group returns the attribute namespace group (the read device ID).
func (t *Target) Group() string { return t.group }

// Length returns the mapping size in sectors.
func (t *Target) Length() uint64 { return t.length }

// HasWriteDevice reports whether writes go to a separate endpoint.
func (t *Target) HasWriteDevice() bool { return t.write != nil }

// State returns the lifecycle state.
func (t *Target) State() State {
	return State(t.state.Load())
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Presuspend moves an active target to Draining: new requests bypass the
// queue, the pending timer is cancelled and every queued request is
// submitted before Presuspend returns.
func (t *Target) Presuspend() {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if t.State() != StateActive {
		return
	}
	t.presuspendLocked()
}

func (t *Target) presuspendLocked() {
	t.state.Store(int32(StateDraining))
	t.mayDelay.Store(false)
	// arms racing with this cancel observe may-delay cleared and do nothing
	t.scheduler.cancel()

	n := t.forceDrain()
	t.logger.Info("target suspended", "flushed", n)
}

// forceDrain submits everything still queued and returns how many.
func (t *Target) forceDrain() int {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	released, _, _ := t.queue.drainExpired(time.Now(), true)
	t.submitAll(released, drainForced)
	return len(released)
}

// Resume returns a drained target to Active.
func (t *Target) Resume() {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if t.State() != StateDraining {
		return
	}
	t.mayDelay.Store(true)
	t.state.Store(int32(StateActive))
	t.logger.Info("target resumed")
}

// Destroy drains the target if still active, stops its timer and worker,
// waits for every submitted request to complete, unpublishes its attributes
// and releases its devices. Calling it again is a no-op.
func (t *Target) Destroy() error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if t.State() == StateDestroyed {
		return nil
	}
	if t.State() == StateActive {
		t.presuspendLocked()
	}

	t.scheduler.stop()
	t.worker.stop()

	// anything a racing Map queued before may-delay was observed cleared
	t.forceDrain()
	t.state.Store(int32(StateDestroyed))

	// devices stay bound until the sink has finished with them
	t.inflight.wait()

	var result *multierror.Error
	if err := t.reg.unregister(t); err != nil {
		result = multierror.Append(result, fmt.Errorf("unregister attributes: %w", err))
	}
	if err := t.write.release(); err != nil {
		result = multierror.Append(result, fmt.Errorf("release write device: %w", err))
	}
	if err := t.read.release(); err != nil {
		result = multierror.Append(result, fmt.Errorf("release read device: %w", err))
	}
	t.metrics.RemoveTarget(t.name)

	t.logger.Info("target destroyed")
	return result.ErrorOrNil()
}

// =============================================================================
// RELEASE
// =============================================================================

// submitAll hands released requests to the sink in queue order.
// Callers hold flushMu.
func (t *Target) submitAll(reqs []*Request, kind string) {
	if len(reqs) == 0 {
		return
	}

	now := time.Now()
	for _, req := range reqs {
		t.metrics.RecordRelease(t.name, req.Op.String(), now.Sub(req.admitted))
		t.submit(req)
	}
	t.metrics.RecordDrain(t.name, kind, len(reqs))
	t.updateDepth()
}

// submit hands req to the sink and counts it until it completes.
func (t *Target) submit(req *Request) {
	req.tracker = &t.inflight
	t.inflight.add()
	t.sink.Submit(req)
}

func (t *Target) updateDepth() {
	if t.metrics == nil {
		return
	}
	reads, writes := t.queue.counts()
	t.metrics.SetQueueDepth(t.name, OpRead.String(), reads)
	t.metrics.SetQueueDepth(t.name, OpWrite.String(), writes)
}

// =============================================================================
// INSPECTION
// =============================================================================

// Stats is a point-in-time view of a target.
type Stats struct {
	Name       string    `json:"name" yaml:"name"`
	Group      string    `json:"group" yaml:"group"`
	State      string    `json:"state" yaml:"state"`
	Length     uint64    `json:"length" yaml:"length"`
	ReadDelay  uint32    `json:"read_delay" yaml:"read_delay"`
	WriteDelay uint32    `json:"write_delay" yaml:"write_delay"`
	Reads      int       `json:"reads" yaml:"reads"`
	Writes     int       `json:"writes" yaml:"writes"`
	NextWake   time.Time `json:"next_wake,omitempty" yaml:"next_wake,omitempty"`
	Table      string    `json:"table" yaml:"table"`
}

// Stats returns current counters and settings.
func (t *Target) Stats() Stats {
	reads, writes := t.queue.counts()
	s := Stats{
		Name:       t.name,
		Group:      t.group,
		State:      t.State().String(),
		Length:     t.length,
		ReadDelay:  t.ReadDelay(),
		WriteDelay: t.WriteDelay(),
		Reads:      reads,
		Writes:     writes,
		Table:      t.Table(),
	}
	if when, ok := t.scheduler.armedAt(); ok {
		s.NextWake = when
	}
	return s
}

// Status renders the target in one of the two inspection shapes.
func (t *Target) Status(typ StatusType) string {
	if typ == StatusTable {
		return t.Table()
	}
	reads, writes := t.queue.counts()
	return fmt.Sprintf("%d %d", reads, writes)
}

// Table renders the parameters the target could be rebuilt from, with the
// delays as currently set.
func (t *Target) Table() string {
	s := fmt.Sprintf("%s %d %d", t.read.Name(), t.read.Start, t.ReadDelay())
	if t.write != nil {
		s += fmt.Sprintf(" %s %d %d", t.write.Name(), t.write.Start, t.WriteDelay())
	}
	return s
}

// IterateDevices calls fn for the read endpoint and then the write endpoint,
// if any, with the mapped length. The first error stops iteration and is
// returned.
func (t *Target) IterateDevices(fn func(dev Device, start, length uint64) error) error {
	if err := fn(t.read.Device, t.read.Start, t.length); err != nil {
		return err
	}
	if t.write != nil {
		return fn(t.write.Device, t.write.Start, t.length)
	}
	return nil
}
