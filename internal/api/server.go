// =============================================================================
// HTTP API SERVER - CONTROL INTERFACE FOR DELAY TARGETS
// =============================================================================
//
// WHAT IS THIS?
// The control plane of a running ddid, over plain HTTP. Anything an operator
// can do with `echo 50 > /run/ddi/loop0/read_delay` can be done here too,
// plus inspection that the attribute files cannot express:
//
//   - list targets and their counters
//   - read and write the delay attributes
//   - render the INFO / TABLE status lines
//   - list the backing devices of a target
//   - suspend (drain) and resume a target
//   - probe the observed latency of a target
//
// ENDPOINT OVERVIEW:
//
//   TARGETS
//   GET    /targets                              List targets
//   GET    /targets/{name}                       Target details
//   GET    /targets/{name}/status?type=info      "<reads> <writes>"
//   GET    /targets/{name}/status?type=table     "<dev> <off> <delay>[ ...]"
//   GET    /targets/{name}/devices               Backing devices
//   POST   /targets/{name}/suspend               Drain and bypass the queue
//   POST   /targets/{name}/resume                Delay again
//   POST   /targets/{name}/probe                 Timed reads through the target
//
//   ATTRIBUTES
//   GET    /targets/{name}/attrs                 List attributes
//   GET    /targets/{name}/attrs/{attr}          Read one ("50\n")
//   PUT    /targets/{name}/attrs/{attr}          Write one (body is the value)
//
//   ADMIN
//   GET    /health  /healthz  /readyz  /livez
//   GET    /metrics
//   GET    /version
//
// Attribute bodies are text/plain, exactly what the attribute file would
// hold. Everything else is JSON.
//
// =============================================================================

package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kawamuray/ddi/internal/attr"
	"github.com/kawamuray/ddi/internal/delay"
	"github.com/kawamuray/ddi/internal/metrics"
)

// maxAttrBody bounds an attribute write, like a sysfs page.
const maxAttrBody = 4096

// =============================================================================
// API SERVER
// =============================================================================

// Server is the HTTP control server for a set of delay targets.
type Server struct {
	reg        *delay.Registry
	metrics    *metrics.Registry
	health     *HealthState
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Metrics serves /metrics when set
	Metrics *metrics.Registry

	// Health is shared with the gRPC health service; nil creates one
	Health *HealthState

	// TLS serves HTTPS when set
	TLS *tls.Config

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":7070",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new API server over reg.
func NewServer(reg *delay.Registry, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	health := config.Health
	if health == nil {
		health = NewHealthState()
	}

	r := chi.NewRouter()

	s := &Server{
		reg:     reg,
		metrics: config.Metrics,
		health:  health,
		router:  r,
		logger:  logger.With("component", "api"),
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		TLSConfig:    config.TLS,
	}

	return s
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Health returns the probe state served by this server.
func (s *Server) Health() *HealthState {
	return s.health
}

// registerRoutes sets up all API endpoints using chi router.
func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/livez", s.handleLivez)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Route("/targets", func(r chi.Router) {
		r.Get("/", s.listTargets)

		r.Route("/{targetName}", func(r chi.Router) {
			r.Get("/", s.getTarget)
			r.Get("/status", s.getStatus)
			r.Get("/devices", s.listDevices)
			r.Post("/suspend", s.suspendTarget)
			r.Post("/resume", s.resumeTarget)
			r.Post("/probe", s.probeTarget)

			r.Get("/attrs", s.listAttrs)
			r.Get("/attrs/{attr}", s.readAttr)
			r.Put("/attrs/{attr}", s.writeAttr)
		})
	})
}

// loggingMiddleware logs all HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start binds the listen address and serves in the background. Bind errors
// are returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	if s.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, s.httpServer.TLSConfig)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting HTTP API server", "addr", ln.Addr().String(), "tls", s.httpServer.TLSConfig != nil)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	return s.httpServer.Shutdown(ctx)
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP API server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// =============================================================================
// TARGET HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"targets":   s.reg.Len(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets := s.reg.Targets()
	stats := make([]delay.Stats, 0, len(targets))
	for _, t := range targets {
		stats = append(stats, t.Stats())
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"targets": stats,
		"count":   len(stats),
	})
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, t.Stats())
}

// StatusResponse is the body of GET /targets/{name}/status.
type StatusResponse struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(w, r)
	if !ok {
		return
	}

	typ := strings.ToLower(r.URL.Query().Get("type"))
	var st delay.StatusType
	switch typ {
	case "", "info":
		typ, st = "info", delay.StatusInfo
	case "table":
		st = delay.StatusTable
	default:
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown status type %q (want info or table)", typ))
		return
	}

	s.writeJSON(w, http.StatusOK, StatusResponse{
		Name:   t.Name(),
		Type:   typ,
		Status: t.Status(st),
	})
}

// DeviceInfo describes one backing device of a target.
type DeviceInfo struct {
	Role   string `json:"role"`
	Name   string `json:"name"`
	ID     string `json:"id"`
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
	Size   int64  `json:"size,omitempty"`
}

// sizer is implemented by devices that know their capacity in bytes.
type sizer interface {
	Size() int64
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(w, r)
	if !ok {
		return
	}

	var devices []DeviceInfo
	err := t.IterateDevices(func(dev delay.Device, start, length uint64) error {
		role := "read"
		if len(devices) == 1 {
			role = "write"
		}
		info := DeviceInfo{Role: role, Name: dev.Name(), ID: dev.ID(), Start: start, Length: length}
		if sz, ok := dev.(sizer); ok {
			info.Size = sz.Size()
		}
		devices = append(devices, info)
		return nil
	})
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    t.Name(),
		"devices": devices,
	})
}

func (s *Server) suspendTarget(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(w, r)
	if !ok {
		return
	}
	if t.State() == delay.StateDestroyed {
		s.errorResponse(w, http.StatusConflict, delay.ErrTargetDestroyed.Error())
		return
	}
	t.Presuspend()
	s.writeJSON(w, http.StatusOK, t.Stats())
}

func (s *Server) resumeTarget(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(w, r)
	if !ok {
		return
	}
	if t.State() == delay.StateDestroyed {
		s.errorResponse(w, http.StatusConflict, delay.ErrTargetDestroyed.Error())
		return
	}
	t.Resume()
	s.writeJSON(w, http.StatusOK, t.Stats())
}

// MaxProbeCount bounds the reads one probe request may issue.
const MaxProbeCount = 100

// ProbeRequest is the body of POST /targets/{name}/probe.
type ProbeRequest struct {
	Count  int    `json:"count,omitempty"`
	Sector uint64 `json:"sector,omitempty"`
}

func (s *Server) probeTarget(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(w, r)
	if !ok {
		return
	}

	var req ProbeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	if req.Count < 0 || req.Count > MaxProbeCount {
		s.errorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("count must be between 1 and %d", MaxProbeCount))
		return
	}

	result, err := delay.Probe(r.Context(), t, delay.ProbeOptions{Count: req.Count, Sector: req.Sector})
	if err != nil {
		s.errorResponse(w, statusForError(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// ATTRIBUTE HANDLERS
// =============================================================================

// AttrInfo describes one control attribute.
type AttrInfo struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Writable bool   `json:"writable"`
}

func (s *Server) listAttrs(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(w, r)
	if !ok {
		return
	}

	attrs, err := s.reg.Store().Attributes(t.Group())
	if err != nil {
		s.errorResponse(w, statusForError(err), err.Error())
		return
	}

	out := make([]AttrInfo, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, AttrInfo{
			Name:     a.Name,
			Value:    strings.TrimSuffix(a.Show(), "\n"),
			Writable: a.Writable(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":  t.Name(),
		"group": t.Group(),
		"attrs": out,
	})
}

func (s *Server) readAttr(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(w, r)
	if !ok {
		return
	}

	value, err := s.reg.Store().Read(t.Group(), chi.URLParam(r, "attr"))
	if err != nil {
		s.errorResponse(w, statusForError(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, value)
}

func (s *Server) writeAttr(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxAttrBody+1))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxAttrBody {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "attribute value too large")
		return
	}

	name := chi.URLParam(r, "attr")
	store := s.reg.Store()
	if err := store.Write(t.Group(), name, string(body)); err != nil {
		s.errorResponse(w, statusForError(err), err.Error())
		return
	}

	// malformed values are accepted and ignored, so echo what is now in effect
	value, err := store.Read(t.Group(), name)
	if err != nil {
		s.errorResponse(w, statusForError(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, value)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// target resolves {targetName} or writes a 404.
func (s *Server) target(w http.ResponseWriter, r *http.Request) (*delay.Target, bool) {
	name := chi.URLParam(r, "targetName")
	t, ok := s.reg.Lookup(name)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("target %q not found", name))
		return nil, false
	}
	return t, true
}

// statusForError maps engine and attribute errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, attr.ErrGroupNotFound), errors.Is(err, attr.ErrAttrNotFound):
		return http.StatusNotFound
	case errors.Is(err, attr.ErrReadOnly):
		return http.StatusMethodNotAllowed
	case errors.Is(err, delay.ErrNoWriteDevice):
		return http.StatusBadRequest
	case errors.Is(err, delay.ErrTargetDestroyed):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}
