// =============================================================================
// gRPC SERVER - STANDARD HEALTH CHECKING FOR DELAY TARGETS
// =============================================================================
//
// WHAT IS THIS?
// ddid speaks the standard grpc.health.v1.Health protocol so that load
// balancers, Kubernetes gRPC probes and grpc-health-probe can tell whether
// delays are in effect without knowing anything about ddi:
//
//   ┌────────────────────────┬──────────────────────────────────────────────┐
//   │ Service name           │ SERVING when                                 │
//   ├────────────────────────┼──────────────────────────────────────────────┤
//   │ "" (empty)             │ daemon ready and every target Active         │
//   │ "ddi.target.<name>"    │ that target is Active                        │
//   └────────────────────────┴──────────────────────────────────────────────┘
//
// A suspended (Draining) target reports NOT_SERVING; a destroyed one keeps
// reporting NOT_SERVING until the process exits.
//
// Status is recomputed on a ticker and on demand (Refresh), so Watch
// streams see transitions within one interval.
//
// PORT CONFIGURATION:
//   - HTTP API: :7070 (control plane, metrics)
//   - gRPC:     :7071 (health only)
//
// =============================================================================

package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/kawamuray/ddi/internal/delay"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds gRPC server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":7071")
	Address string

	// MaxConcurrentStreams per connection (default: 100)
	MaxConcurrentStreams uint32

	// Keepalive settings
	KeepaliveTime    time.Duration // How often to ping if no activity
	KeepaliveTimeout time.Duration // How long to wait for ping response

	// EnableReflection enables gRPC reflection for grpcurl and friends
	EnableReflection bool

	// HealthInterval is how often target states are re-read (default: 1s)
	HealthInterval time.Duration

	// Ready gates the overall status; nil means always ready
	Ready func() bool

	// TLS serves over TLS when set
	TLS *tls.Config

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:              ":7071",
		MaxConcurrentStreams: 100,
		KeepaliveTime:        30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		EnableReflection:     true,
		HealthInterval:       time.Second,
	}
}

// =============================================================================
// SERVER STRUCT
// =============================================================================

// Server is the gRPC server for ddid.
type Server struct {
	config     ServerConfig
	grpcServer *grpc.Server
	health     *healthService
	logger     *slog.Logger

	// mu protects server state
	mu       sync.RWMutex
	running  bool
	stopped  bool
	listener net.Listener
}

// NewServer creates a new gRPC server reporting on reg.
func NewServer(reg *delay.Registry, config ServerConfig) *Server {
	if config.HealthInterval <= 0 {
		config.HealthInterval = time.Second
	}
	if config.MaxConcurrentStreams == 0 {
		config.MaxConcurrentStreams = 100
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	logger = logger.With("component", "grpc")

	opts := []grpc.ServerOption{
		grpc.MaxConcurrentStreams(config.MaxConcurrentStreams),

		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			PermitWithoutStream: true,
			MinTime:             10 * time.Second,
		}),

		grpc.ChainUnaryInterceptor(
			unaryLoggingInterceptor(logger),
			unaryRecoveryInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			streamLoggingInterceptor(logger),
			streamRecoveryInterceptor(logger),
		),
	}

	if config.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(config.TLS)))
	}

	grpcServer := grpc.NewServer(opts...)

	s := &Server{
		config:     config,
		grpcServer: grpcServer,
		health:     newHealthService(reg, config.Ready, logger),
		logger:     logger,
	}

	healthpb.RegisterHealthServer(grpcServer, s.health.server)

	if config.EnableReflection {
		reflection.Register(grpcServer)
	}

	return s
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start begins listening for gRPC connections and blocks until Stop.
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        log.Fatal(err)
//	    }
//	}()
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	// stopped before it started
	if s.stopped {
		s.mu.Unlock()
		return nil
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.health.start(s.config.HealthInterval)

	s.logger.Info("gRPC server starting",
		"address", listener.Addr().String(),
		"reflection", s.config.EnableReflection,
	)

	err = s.grpcServer.Serve(listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop marks every service NOT_SERVING, then waits for in-flight RPCs.
// Open Watch streams are ended by the stop.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("gRPC server stopping...")

	s.health.stop()
	s.grpcServer.Stop()

	s.logger.Info("gRPC server stopped")
}

// Refresh recomputes health status immediately.
func (s *Server) Refresh() {
	s.health.refresh()
}

// Address returns the address the server is listening on.
// Useful when using port 0 for dynamic port assignment.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// =============================================================================
// INTERCEPTORS
// =============================================================================
//
// EXECUTION ORDER (ChainUnaryInterceptor):
//   Request → Logging → Recovery → Handler
//   Response ← Logging ← Recovery ← Handler
//
// Probes call Check every few seconds, so successful calls log at Debug.
//
// =============================================================================

// unaryLoggingInterceptor logs unary RPC calls.
func unaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "gRPC unary",
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
			"code", status.Code(err).String(),
		)

		return resp, err
	}
}

// unaryRecoveryInterceptor catches panics and converts them to errors.
func unaryRecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC panic recovered",
					"method", info.FullMethod,
					"panic", r,
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()

		return handler(ctx, req)
	}
}

// streamLoggingInterceptor logs streaming RPC calls (health Watch).
func streamLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		err := handler(srv, ss)

		level := slog.LevelDebug
		if err != nil && status.Code(err) != codes.Canceled {
			level = slog.LevelWarn
		}
		logger.Log(ss.Context(), level, "gRPC stream",
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
			"code", status.Code(err).String(),
		)

		return err
	}
}

// streamRecoveryInterceptor catches panics in streaming RPCs.
func streamRecoveryInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC stream panic recovered",
					"method", info.FullMethod,
					"panic", r,
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()

		return handler(srv, ss)
	}
}
