// =============================================================================
// METRICS - PROMETHEUS REGISTRY FOR THE DELAY ENGINE
// =============================================================================
//
// WHAT DO WE MEASURE?
// A delay target is only useful if operators can see that the delay they
// asked for is the delay requests actually experience. Two subsystems:
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │                                                                         │
//   │   delay_*    engine side (delay_metrics.go)                             │
//   │              admissions, queue depth, hold time, timer arming, drains   │
//   │                                                                         │
//   │   device_*   transport side (device_metrics.go)                         │
//   │              bytes, I/O latency and errors against backing devices      │
//   │                                                                         │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// The interesting comparison is delay_hold_seconds (time spent queued)
// against delay_configured_milliseconds: the gap is scheduler resolution.
//
// NAMING:
//
//   {namespace}_{subsystem}_{name}_{unit}
//
//   ddi_delay_admissions_total{target="loop0",op="read",result="deferred"}
//   ddi_delay_hold_seconds_bucket{target="loop0",op="write",le="0.25"}
//   ddi_device_bytes_total{device="/dev/loop1",op="write"}
//
// CARDINALITY:
// Labels are target, op, device and a handful of fixed enums. Request IDs
// never become labels.
//
// =============================================================================

package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all ddi metrics and the Prometheus registry.
//
// Each process builds its own registry and passes it down explicitly; there
// is no global instance. A nil *Registry, or nil subsystem pointers taken
// from one, are valid and record nothing.
type Registry struct {
	promRegistry *prometheus.Registry
	config       Config
	logger       *slog.Logger
	enabled      bool

	Delay  *DelayMetrics
	Device *DeviceMetrics
}

// Config holds metrics configuration.
type Config struct {
	// Enabled turns metrics collection on/off.
	// When disabled, all metric operations are no-ops.
	Enabled bool `yaml:"enabled"`

	// Namespace is the prefix for all metrics (default: "ddi")
	Namespace string `yaml:"namespace" validate:"required_if=Enabled true"`

	// IncludeGoCollector adds Go runtime metrics (goroutines, GC, memory)
	IncludeGoCollector bool `yaml:"go_collector"`

	// IncludeProcessCollector adds process metrics (CPU, memory, fds)
	IncludeProcessCollector bool `yaml:"process_collector"`

	// HoldBuckets are the hold-time histogram buckets in seconds.
	// Delays are typically tens of milliseconds to a few seconds.
	HoldBuckets []float64 `yaml:"hold_buckets"`

	// IOBuckets are the device I/O latency buckets in seconds.
	IOBuckets []float64 `yaml:"io_buckets"`
}

// DefaultConfig returns sensible defaults for metrics configuration.
//
// HOLD BUCKETS:
//
//	0.001 0.005 0.01 0.025 0.05 0.1 0.25 0.5 1 2.5 5 10 30
//	  │                                          │
//	  └── immediate passthrough                  └── "disk stalled" scenarios
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Namespace:               "ddi",
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
		HoldBuckets: []float64{
			0.001, 0.005, 0.01, 0.025, 0.05, 0.1,
			0.25, 0.5, 1, 2.5, 5, 10, 30,
		},
		IOBuckets: []float64{
			0.00005, // 50us - page cache hit
			0.0001,
			0.0005,
			0.001,
			0.005,
			0.01,
			0.05,
			0.1,
			0.5,
			1,
		},
	}
}

// NewRegistry creates a new metrics registry.
func NewRegistry(config Config) *Registry {
	logger := slog.Default().With("component", "metrics")

	r := &Registry{
		promRegistry: prometheus.NewRegistry(),
		config:       config,
		logger:       logger,
		enabled:      config.Enabled,
	}

	if !config.Enabled {
		logger.Info("metrics collection disabled")
		return r
	}

	if config.IncludeGoCollector {
		r.promRegistry.MustRegister(collectors.NewGoCollector())
	}
	if config.IncludeProcessCollector {
		r.promRegistry.MustRegister(collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		))
	}

	r.Delay = newDelayMetrics(r)
	r.Device = newDeviceMetrics(r)

	logger.Info("metrics registry initialized", "namespace", config.Namespace)

	return r
}

// DelayMetrics returns the engine subsystem; nil-safe.
func (r *Registry) DelayMetrics() *DelayMetrics {
	if r == nil {
		return nil
	}
	return r.Delay
}

// DeviceMetrics returns the transport subsystem; nil-safe.
func (r *Registry) DeviceMetrics() *DeviceMetrics {
	if r == nil {
		return nil
	}
	return r.Device
}

// =============================================================================
// HTTP HANDLER
// =============================================================================

// Handler returns an HTTP handler for the /metrics endpoint.
//
//	router.Handle("/metrics", registry.Handler())
func (r *Registry) Handler() http.Handler {
	if r == nil || !r.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("# Metrics disabled\n"))
		})
	}

	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          &promLogger{logger: r.logger},
		Registry:          r.promRegistry,
	})
}

// promLogger adapts slog to Prometheus error logging interface.
type promLogger struct {
	logger *slog.Logger
}

func (l *promLogger) Println(v ...interface{}) {
	l.logger.Error("prometheus handler error", "error", v)
}

// Enabled returns true if metrics collection is enabled.
func (r *Registry) Enabled() bool {
	return r != nil && r.enabled
}

// Namespace returns the configured namespace.
func (r *Registry) Namespace() string {
	return r.config.Namespace
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

// =============================================================================
// METRIC REGISTRATION HELPERS
// =============================================================================

func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	counterVec := prometheus.NewCounterVec(opts, labelNames)
	r.promRegistry.MustRegister(counterVec)
	return counterVec
}

func (r *Registry) newGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	opts.Namespace = r.config.Namespace
	gaugeVec := prometheus.NewGaugeVec(opts, labelNames)
	r.promRegistry.MustRegister(gaugeVec)
	return gaugeVec
}

// newHistogramVec falls back to the given default buckets when opts has none.
func (r *Registry) newHistogramVec(opts prometheus.HistogramOpts, labelNames []string, buckets []float64) *prometheus.HistogramVec {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = buckets
	}
	if opts.Buckets == nil {
		opts.Buckets = prometheus.DefBuckets
	}
	histogramVec := prometheus.NewHistogramVec(opts, labelNames)
	r.promRegistry.MustRegister(histogramVec)
	return histogramVec
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures the duration of an operation.
//
//	timer := metrics.NewTimer(histogram.WithLabelValues("loop0", "read"))
//	defer timer.ObserveDuration()
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer that will observe the given histogram.
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: observer,
	}
}

// ObserveDuration records the elapsed time since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	elapsed := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(elapsed.Seconds())
	}
	return elapsed
}
