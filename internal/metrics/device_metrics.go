// =============================================================================
// DEVICE METRICS - BACKING DEVICE I/O
// =============================================================================
//
// The transport submits redirected requests with pread/pwrite. These metrics
// show what the backing device itself costs, independent of injected delay:
//
//   end-to-end latency  =  delay_hold_seconds  +  device_io_seconds
//
// A device_io_seconds p99 close to the configured delay means the real disk
// is already as slow as the one being simulated.
//
// =============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeviceMetrics contains backing device I/O metrics.
type DeviceMetrics struct {
	// BytesTotal counts bytes transferred.
	// Labels: device, op
	BytesTotal *prometheus.CounterVec

	// IOTotal counts submitted requests.
	// Labels: device, op
	IOTotal *prometheus.CounterVec

	// IOErrors counts failed requests.
	// Labels: device, op
	IOErrors *prometheus.CounterVec

	// IOSeconds is the time spent in the device call.
	// Labels: device, op
	IOSeconds *prometheus.HistogramVec

	// OpenDevices is the number of devices held open.
	OpenDevices *prometheus.GaugeVec

	registry *Registry
}

func newDeviceMetrics(r *Registry) *DeviceMetrics {
	m := &DeviceMetrics{registry: r}

	m.BytesTotal = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "device",
			Name:      "bytes_total",
			Help:      "Bytes transferred to or from backing devices",
		},
		[]string{"device", "op"},
	)

	m.IOTotal = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "device",
			Name:      "io_total",
			Help:      "Requests submitted to backing devices",
		},
		[]string{"device", "op"},
	)

	m.IOErrors = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "device",
			Name:      "io_errors_total",
			Help:      "Requests that failed on the backing device",
		},
		[]string{"device", "op"},
	)

	m.IOSeconds = r.newHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "device",
			Name:      "io_seconds",
			Help:      "Backing device call latency",
		},
		[]string{"device", "op"},
		r.config.IOBuckets,
	)

	m.OpenDevices = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "device",
			Name:      "open",
			Help:      "Backing devices currently held open, by kind",
		},
		[]string{"kind"},
	)

	return m
}

// RecordIO records one completed device call.
func (m *DeviceMetrics) RecordIO(device, op string, bytes int, latency time.Duration, err error) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.IOTotal.WithLabelValues(device, op).Inc()
	m.IOSeconds.WithLabelValues(device, op).Observe(latency.Seconds())
	if err != nil {
		m.IOErrors.WithLabelValues(device, op).Inc()
		return
	}
	m.BytesTotal.WithLabelValues(device, op).Add(float64(bytes))
}

// DeviceOpened increments the open device gauge.
func (m *DeviceMetrics) DeviceOpened(kind string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.OpenDevices.WithLabelValues(kind).Inc()
}

// DeviceClosed decrements the open device gauge.
func (m *DeviceMetrics) DeviceClosed(kind string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.OpenDevices.WithLabelValues(kind).Dec()
}
