// =============================================================================
// CONTROL PLANE - LIVE DELAY TUNING
// =============================================================================
//
// Each target publishes four attributes under its device identity:
//
//   <group>/read_delay    rw   milliseconds, decimal text + "\n"
//   <group>/write_delay   rw   only settable with a separate write device
//   <group>/reads         ro   deferred reads currently queued
//   <group>/writes        ro   deferred writes currently queued
//
// A new delay applies to requests admitted after the write returns. Queued
// requests keep the expiry they were given. The scheduler is armed for
// now+new so a shortened delay is served without waiting for an older, later
// wake time.
//
// Text writes that do not parse as a non-negative integer are logged and
// dropped: the write itself still succeeds and the old value stays.
//
// =============================================================================

package delay

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kawamuray/ddi/internal/attr"
)

// Attribute names.
const (
	AttrReadDelay  = "read_delay"
	AttrWriteDelay = "write_delay"
	AttrReads      = "reads"
	AttrWrites     = "writes"
)

// ReadDelay returns the current read delay in milliseconds.
func (t *Target) ReadDelay() uint32 {
	return t.readDelay.Load()
}

// WriteDelay returns the current write delay in milliseconds. Without a
// write device this is always zero and writes follow the read delay.
func (t *Target) WriteDelay() uint32 {
	return t.writeDelay.Load()
}

// SetReadDelay replaces the read delay.
func (t *Target) SetReadDelay(ms uint32) error {
	if t.State() == StateDestroyed {
		return ErrTargetDestroyed
	}
	t.setDelay(AttrReadDelay, &t.readDelay, ms)
	return nil
}

// SetWriteDelay replaces the write delay. Fails with ErrNoWriteDevice when
// the target has no separate write endpoint.
func (t *Target) SetWriteDelay(ms uint32) error {
	if t.State() == StateDestroyed {
		return ErrTargetDestroyed
	}
	if t.write == nil {
		return configErr("No write device configured", ErrNoWriteDevice)
	}
	t.setDelay(AttrWriteDelay, &t.writeDelay, ms)
	return nil
}

func (t *Target) setDelay(name string, v *atomic.Uint32, ms uint32) {
	old := v.Swap(ms)
	t.logger.Debug("updating delay", "attr", name, "old", old, "new", ms)

	op := OpRead
	if name == AttrWriteDelay {
		op = OpWrite
	}
	t.metrics.SetDelay(t.name, op.String(), ms)

	t.scheduler.arm(time.Now().Add(time.Duration(ms) * time.Millisecond))
}

// storeDelay is the text entry point behind read_delay and write_delay.
func (t *Target) storeDelay(name string, set func(uint32) error) func(string) error {
	return func(text string) error {
		v, err := strconv.ParseUint(strings.TrimSpace(text), 10, 32)
		if err != nil {
			t.logger.Warn("ignoring invalid delay",
				"attr", name,
				"value", strings.TrimSpace(text),
				"current", t.currentDelay(name))
			t.metrics.RecordControlReject(t.name, name)
			return nil
		}
		return set(uint32(v))
	}
}

func (t *Target) currentDelay(name string) uint32 {
	if name == AttrWriteDelay {
		return t.WriteDelay()
	}
	return t.ReadDelay()
}

func showUint[T ~uint32 | ~int](v T) string {
	return fmt.Sprintf("%d\n", v)
}

// attributes builds the control-plane attribute set of t.
func (t *Target) attributes() []attr.Attribute {
	return []attr.Attribute{
		{
			Name:  AttrReadDelay,
			Show:  func() string { return showUint(t.ReadDelay()) },
			Store: t.storeDelay(AttrReadDelay, t.SetReadDelay),
		},
		{
			Name:  AttrWriteDelay,
			Show:  func() string { return showUint(t.WriteDelay()) },
			Store: t.storeDelay(AttrWriteDelay, t.SetWriteDelay),
		},
		{
			Name: AttrReads,
			Show: func() string {
				reads, _ := t.queue.counts()
				return showUint(reads)
			},
		},
		{
			Name: AttrWrites,
			Show: func() string {
				_, writes := t.queue.counts()
				return showUint(writes)
			},
		},
	}
}
