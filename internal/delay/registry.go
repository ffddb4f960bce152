// =============================================================================
// REGISTRY - PROCESS-WIDE STATE SHARED BY ALL TARGETS
// =============================================================================
//
// Two things are shared between every target in a process:
//
//   1. The delayed-request lock. All delay queues are guarded by this single
//      mutex. Critical sections are O(1) for enqueue and one linear scan for
//      drain, and nothing blocking ever runs under it.
//
//   2. The attribute namespace. Each target publishes its tunables under a
//      group named after its read device; the namespace root exists while
//      at least one target is registered.
//
// LIFECYCLE:
//
//   first target registers ──► store.Init()
//   ...
//   last target leaves     ──► store.Teardown()
//
// The registry is passed explicitly to every target; there is no package
// level state.
//
// =============================================================================

package delay

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kawamuray/ddi/internal/attr"
	"github.com/kawamuray/ddi/internal/metrics"
)

// Registry owns the shared queue lock and the attribute namespace.
//
// THREAD SAFETY: All methods are safe for concurrent use.
type Registry struct {
	// queueMu guards every target's delay queue and counters
	queueMu sync.Mutex

	// store publishes control-plane attributes
	store attr.Store

	// metrics is optional (nil disables instrumentation)
	metrics *metrics.DelayMetrics

	logger *slog.Logger

	// mu guards targets
	mu      sync.RWMutex
	targets map[string]*Target
}

// RegistryConfig holds registry configuration.
type RegistryConfig struct {
	// Store is the attribute namespace (default: in-memory)
	Store attr.Store

	// Metrics receives per-target instrumentation (optional)
	Metrics *metrics.DelayMetrics

	// Logger is the parent logger for all targets (default: slog.Default)
	Logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	store := config.Store
	if store == nil {
		store = attr.NewMemory()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		store:   store,
		metrics: config.Metrics,
		logger:  logger.With("component", "ddi"),
		targets: make(map[string]*Target),
	}
}

// Store returns the attribute namespace.
func (r *Registry) Store() attr.Store {
	return r.store
}

// Lookup returns a registered target by name.
func (r *Registry) Lookup(name string) (*Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[name]
	return t, ok
}

// Targets returns all registered targets sorted by name.
func (r *Registry) Targets() []*Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Len returns the number of registered targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

// register adds a target and publishes its attributes, initialising the
// namespace for the first target.
func (r *Registry) register(t *Target, attrs []attr.Attribute) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.targets[t.name]; exists {
		return fmt.Errorf("%w: %s", ErrTargetExists, t.name)
	}

	first := len(r.targets) == 0
	if first {
		if err := r.store.Init(); err != nil {
			return fmt.Errorf("init attribute namespace: %w", err)
		}
	}

	if err := r.store.Register(t.group, attrs); err != nil {
		if first {
			r.store.Teardown()
		}
		return err
	}

	r.targets[t.name] = t
	return nil
}

// unregister removes a target's attributes and tears the namespace down
// after the last target.
func (r *Registry) unregister(t *Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.targets[t.name] != t {
		return nil
	}
	delete(r.targets, t.name)

	err := r.store.Unregister(t.group)
	if len(r.targets) == 0 {
		if terr := r.store.Teardown(); terr != nil && err == nil {
			err = terr
		}
	}
	return err
}
