// =============================================================================
// DELAY METRICS - ENGINE INSTRUMENTATION
// =============================================================================
//
// WHAT IS TRACKED?
//
//   admission ──► deferred? ──yes──► queue ──► timer ──► drain ──► release
//       │            │                 │         │         │          │
//       │            no                │         │         │          │
//       ▼            ▼                 ▼         ▼         ▼          ▼
//   admissions_total{result}     queue_depth  timer_arms  drains   hold_seconds
//                                             _total      _total
//
// USEFUL QUERIES:
//
//   # share of requests actually delayed
//   sum(rate(ddi_delay_admissions_total{result="deferred"}[1m]))
//     / sum(rate(ddi_delay_admissions_total[1m]))
//
//   # observed p99 hold per target, compare with configured delay
//   histogram_quantile(0.99, sum by (le, target)
//     (rate(ddi_delay_hold_seconds_bucket[5m])))
//
//   # timer coalescing effectiveness (high "kept" ratio is good)
//   rate(ddi_delay_timer_arms_total{action="kept"}[5m])
//
// =============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DelayMetrics contains all per-target engine metrics.
type DelayMetrics struct {
	// AdmissionsTotal counts requests entering a target.
	// Labels: target, op, result (deferred|passthrough)
	AdmissionsTotal *prometheus.CounterVec

	// ReleasesTotal counts deferred requests handed to the backing device.
	// Labels: target, op
	ReleasesTotal *prometheus.CounterVec

	// HoldSeconds is the time a deferred request spent queued.
	// Labels: target, op
	HoldSeconds *prometheus.HistogramVec

	// QueueDepth is the number of queued requests.
	// Labels: target, op
	QueueDepth *prometheus.GaugeVec

	// ConfiguredDelay is the current delay setting in milliseconds.
	// Labels: target, op
	ConfiguredDelay *prometheus.GaugeVec

	// TimerArmsTotal counts scheduler arm calls.
	// Labels: target, action (reprogrammed|kept)
	TimerArmsTotal *prometheus.CounterVec

	// DrainsTotal counts non-empty drain passes.
	// Labels: target, kind (expiry|forced)
	DrainsTotal *prometheus.CounterVec

	// ControlRejectsTotal counts malformed control-plane writes.
	// Labels: target, attr
	ControlRejectsTotal *prometheus.CounterVec

	registry *Registry
}

func newDelayMetrics(r *Registry) *DelayMetrics {
	m := &DelayMetrics{registry: r}

	m.AdmissionsTotal = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "delay",
			Name:      "admissions_total",
			Help:      "Requests admitted by a target, by outcome",
		},
		[]string{"target", "op", "result"},
	)

	m.ReleasesTotal = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "delay",
			Name:      "releases_total",
			Help:      "Deferred requests released to the backing device",
		},
		[]string{"target", "op"},
	)

	m.HoldSeconds = r.newHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "delay",
			Name:      "hold_seconds",
			Help:      "Time deferred requests spent queued",
		},
		[]string{"target", "op"},
		r.config.HoldBuckets,
	)

	m.QueueDepth = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "delay",
			Name:      "queue_depth",
			Help:      "Requests currently queued",
		},
		[]string{"target", "op"},
	)

	m.ConfiguredDelay = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "delay",
			Name:      "configured_milliseconds",
			Help:      "Current delay setting",
		},
		[]string{"target", "op"},
	)

	m.TimerArmsTotal = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "delay",
			Name:      "timer_arms_total",
			Help:      "Expiry timer arm calls, by whether the timer was reprogrammed",
		},
		[]string{"target", "action"},
	)

	m.DrainsTotal = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "delay",
			Name:      "drains_total",
			Help:      "Drain passes that released at least one request",
		},
		[]string{"target", "kind"},
	)

	m.ControlRejectsTotal = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "delay",
			Name:      "control_rejects_total",
			Help:      "Malformed control-plane writes that were ignored",
		},
		[]string{"target", "attr"},
	)

	return m
}

// =============================================================================
// CONVENIENCE METHODS
// =============================================================================

// RecordAdmission records one request entering a target.
func (m *DelayMetrics) RecordAdmission(target, op string, deferred bool) {
	if m == nil || !m.registry.enabled {
		return
	}
	result := "passthrough"
	if deferred {
		result = "deferred"
	}
	m.AdmissionsTotal.WithLabelValues(target, op, result).Inc()
}

// RecordRelease records a deferred request leaving the queue.
func (m *DelayMetrics) RecordRelease(target, op string, held time.Duration) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.ReleasesTotal.WithLabelValues(target, op).Inc()
	m.HoldSeconds.WithLabelValues(target, op).Observe(held.Seconds())
}

// SetQueueDepth sets the queued request count for one direction.
func (m *DelayMetrics) SetQueueDepth(target, op string, n int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.QueueDepth.WithLabelValues(target, op).Set(float64(n))
}

// SetDelay records the current delay for one direction.
func (m *DelayMetrics) SetDelay(target, op string, ms uint32) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.ConfiguredDelay.WithLabelValues(target, op).Set(float64(ms))
}

// RecordTimerArm records an arm call on a target's expiry timer.
func (m *DelayMetrics) RecordTimerArm(target string, reprogrammed bool) {
	if m == nil || !m.registry.enabled {
		return
	}
	action := "kept"
	if reprogrammed {
		action = "reprogrammed"
	}
	m.TimerArmsTotal.WithLabelValues(target, action).Inc()
}

// RecordDrain records a drain pass that released n requests.
func (m *DelayMetrics) RecordDrain(target, kind string, n int) {
	if m == nil || !m.registry.enabled || n == 0 {
		return
	}
	m.DrainsTotal.WithLabelValues(target, kind).Inc()
}

// RecordControlReject records an ignored control-plane write.
func (m *DelayMetrics) RecordControlReject(target, attr string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.ControlRejectsTotal.WithLabelValues(target, attr).Inc()
}

// RemoveTarget drops every series labelled with target.
func (m *DelayMetrics) RemoveTarget(target string) {
	if m == nil || !m.registry.enabled {
		return
	}
	labels := prometheus.Labels{"target": target}
	m.AdmissionsTotal.DeletePartialMatch(labels)
	m.ReleasesTotal.DeletePartialMatch(labels)
	m.HoldSeconds.DeletePartialMatch(labels)
	m.QueueDepth.DeletePartialMatch(labels)
	m.ConfiguredDelay.DeletePartialMatch(labels)
	m.TimerArmsTotal.DeletePartialMatch(labels)
	m.DrainsTotal.DeletePartialMatch(labels)
	m.ControlRejectsTotal.DeletePartialMatch(labels)
}
