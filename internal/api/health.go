// =============================================================================
// HEALTH PROBES
// =============================================================================
//
// ENDPOINT OVERVIEW:
//
//   GET /health      - Always 200 while the process answers
//   GET /healthz     - Liveness: is the daemon wedged?
//   GET /readyz      - Readiness: are all targets built and delaying?
//   GET /livez       - Startup: has the table been loaded?
//
// READINESS AND TARGET STATE:
//
//   Active      pass   requests are being delayed
//   Draining    warn   suspended; requests bypass the queue
//   Destroyed   fail   torn down
//
//   /readyz passes only when the daemon has marked itself ready AND every
//   target is Active. A suspended target therefore takes the daemon out of
//   rotation until it is resumed, which is what a fault-injection harness
//   waiting on "delays in effect" wants.
//
// The same HealthState drives the gRPC health service, so both surfaces
// always agree.
//
// =============================================================================

package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kawamuray/ddi/internal/delay"
)

// =============================================================================
// HEALTH CHECK STATE
// =============================================================================

// HealthState tracks the daemon's health status for probes.
type HealthState struct {
	// ready is set once every configured target has been built
	ready atomic.Bool

	// live stays true unless something fatal happened
	live atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// HealthCheck is a function that checks a specific component's health.
type HealthCheck func(ctx context.Context) HealthCheckResult

// HealthCheckResult contains the result of a health check.
type HealthCheckResult struct {
	Status  string `json:"status"`            // "pass", "warn", "fail"
	Message string `json:"message,omitempty"` // Human-readable message
	Latency string `json:"latency,omitempty"` // Time taken for check
}

// NewHealthState creates a new health state tracker.
func NewHealthState() *HealthState {
	h := &HealthState{
		startTime: time.Now(),
		checks:    make(map[string]HealthCheck),
	}
	h.live.Store(true)
	return h
}

// SetReady marks the daemon as ready.
func (h *HealthState) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetLive marks the daemon as alive.
func (h *HealthState) SetLive(live bool) {
	h.live.Store(live)
}

// AddCheck registers a named health check.
func (h *HealthState) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// IsReady returns whether the daemon has finished starting.
func (h *HealthState) IsReady() bool {
	return h.ready.Load()
}

// IsLive returns whether the daemon is alive.
func (h *HealthState) IsLive() bool {
	return h.live.Load()
}

// Uptime returns how long the daemon has been running.
func (h *HealthState) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// Serving reports whether reg should receive traffic: the daemon is ready
// and every target is Active.
func (h *HealthState) Serving(reg *delay.Registry) bool {
	if !h.IsReady() || !h.IsLive() {
		return false
	}
	for _, t := range reg.Targets() {
		if t.State() != delay.StateActive {
			return false
		}
	}
	return true
}

// run executes registered checks.
func (h *HealthState) run(ctx context.Context, results map[string]HealthCheckResult) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for name, check := range h.checks {
		start := time.Now()
		result := check(ctx)
		result.Latency = time.Since(start).String()
		results[name] = result
	}
}

// =============================================================================
// HEALTH CHECK HANDLERS
// =============================================================================

// handleHealthz handles GET /healthz - liveness probe.
//
// Deliberately cheap: no target is inspected.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.health.IsLive() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "fail",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    s.health.Uptime().String(),
			"message":   "daemon is not alive",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "pass",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.health.Uptime().String(),
	})
}

// handleReadyz handles GET /readyz - readiness probe.
//
// ?verbose=true adds one check result per target.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.health.Uptime().String(),
	}
	if verbose {
		resp["checks"] = s.runHealthChecks(r.Context())
	}

	switch {
	case !s.health.IsReady():
		resp["status"] = "fail"
		resp["message"] = "daemon is not ready"
	case !s.health.Serving(s.reg):
		resp["status"] = "fail"
		resp["message"] = "one or more targets are not active"
	default:
		resp["status"] = "pass"
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	s.writeJSON(w, http.StatusServiceUnavailable, resp)
}

// handleLivez handles GET /livez - startup probe.
func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	if !s.health.IsReady() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "fail",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"message":   "targets not yet built",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "pass",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.health.Uptime().String(),
	})
}

// runHealthChecks reports every target plus the registered checks.
func (s *Server) runHealthChecks(ctx context.Context) map[string]HealthCheckResult {
	results := make(map[string]HealthCheckResult)

	for _, t := range s.reg.Targets() {
		results["target:"+t.Name()] = checkTarget(t)
	}
	s.health.run(ctx, results)

	return results
}

func checkTarget(t *delay.Target) HealthCheckResult {
	start := time.Now()
	st := t.State()

	res := HealthCheckResult{Message: st.String()}
	switch st {
	case delay.StateActive:
		res.Status = "pass"
	case delay.StateDraining:
		res.Status = "warn"
		res.Message = "suspended"
	default:
		res.Status = "fail"
	}
	res.Latency = time.Since(start).String()
	return res
}

// =============================================================================
// VERSION & INFO ENDPOINT
// =============================================================================

// Version information (set at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// handleVersion handles GET /version - Returns version information.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
	})
}
