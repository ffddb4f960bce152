// =============================================================================
// HEALTH SERVICE - TARGET LIFECYCLE AS gRPC HEALTH
// =============================================================================
//
// The protocol implementation is grpc-go's health.Server; this file only
// decides what each service name reports:
//
//   Target state   →  status
//   ─────────────────────────────
//   Active            SERVING
//   Draining          NOT_SERVING
//   Destroyed         NOT_SERVING
//   (no target)       SERVICE_UNKNOWN (never registered)
//
// KUBERNETES INTEGRATION:
//
//   readinessProbe:
//     grpc:
//       port: 7071
//       service: ""              # every target delaying
//
// =============================================================================

package grpc

import (
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kawamuray/ddi/internal/delay"
)

// TargetServicePrefix prefixes per-target health service names.
const TargetServicePrefix = "ddi.target."

// TargetService returns the health service name for a target.
func TargetService(name string) string {
	return TargetServicePrefix + name
}

type healthService struct {
	server *health.Server
	reg    *delay.Registry
	ready  func() bool
	logger *slog.Logger

	mu    sync.Mutex
	known map[string]healthpb.HealthCheckResponse_ServingStatus

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newHealthService(reg *delay.Registry, ready func() bool, logger *slog.Logger) *healthService {
	if ready == nil {
		ready = func() bool { return true }
	}
	h := &healthService{
		server: health.NewServer(),
		reg:    reg,
		ready:  ready,
		logger: logger,
		known:  make(map[string]healthpb.HealthCheckResponse_ServingStatus),
		done:   make(chan struct{}),
	}
	h.refresh()
	return h
}

// start launches the refresh ticker.
func (h *healthService) start(interval time.Duration) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				h.refresh()
			}
		}
	}()
}

// stop halts the ticker and reports NOT_SERVING for everything.
func (h *healthService) stop() {
	h.once.Do(func() {
		close(h.done)
		h.wg.Wait()
		h.server.Shutdown()
	})
}

// refresh recomputes every status and publishes the ones that changed.
func (h *healthService) refresh() {
	h.mu.Lock()
	defer h.mu.Unlock()

	overall := h.ready()
	seen := make(map[string]bool)

	for _, t := range h.reg.Targets() {
		svc := TargetService(t.Name())
		seen[svc] = true

		st := healthpb.HealthCheckResponse_NOT_SERVING
		if t.State() == delay.StateActive {
			st = healthpb.HealthCheckResponse_SERVING
		} else {
			overall = false
		}
		h.publish(svc, st)
	}

	// targets destroyed since the last pass
	for svc := range h.known {
		if svc != "" && !seen[svc] {
			h.publish(svc, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}

	st := healthpb.HealthCheckResponse_NOT_SERVING
	if overall {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.publish("", st)
}

// publish sets a status if it differs from the last one. Callers hold mu.
func (h *healthService) publish(svc string, st healthpb.HealthCheckResponse_ServingStatus) {
	if prev, ok := h.known[svc]; ok && prev == st {
		return
	}
	h.known[svc] = st
	h.server.SetServingStatus(svc, st)
	h.logger.Debug("health status changed", "service", svc, "status", st.String())
}
