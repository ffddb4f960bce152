package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/kawamuray/ddi/internal/api"
	"github.com/kawamuray/ddi/internal/attr"
	"github.com/kawamuray/ddi/internal/config"
	"github.com/kawamuray/ddi/internal/delay"
	"github.com/kawamuray/ddi/internal/device"
	ddigrpc "github.com/kawamuray/ddi/internal/grpc"
	"github.com/kawamuray/ddi/internal/metrics"
)

// =============================================================================
// DAEMON - WIRING AND LIFECYCLE
// =============================================================================
//
//   config ──► metrics ──► attr store ──► delay.Registry
//                                            │
//              device.Resolver ─────────────►├── target 1 ──► device.Transport
//                                            └── target N
//
//   HTTP API (chi) ─┐
//   gRPC health ────┼── read the registry
//   signals ────────┘
//
// SIGNALS:
//   SIGINT, SIGTERM   shut down: stop serving, destroy every target
//   SIGUSR1           suspend every target
//   SIGUSR2           resume every target
//
// =============================================================================

const shutdownTimeout = 10 * time.Second

type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics   *metrics.Registry
	store     attr.Store
	reg       *delay.Registry
	resolver  *device.Resolver
	transport *device.Transport
	health    *api.HealthState

	http *api.Server
	grpc *ddigrpc.Server
}

// newEngine builds everything below the serving surfaces and constructs the
// configured targets. On failure the targets already built are destroyed.
func newEngine(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewRegistry(cfg.Metrics),
		health:  api.NewHealthState(),
	}

	switch cfg.Attrs.Backend {
	case config.AttrBackendDir:
		d.store = attr.NewDir(attr.DirConfig{
			Root:            cfg.Attrs.Dir,
			Debounce:        cfg.Attrs.Debounce,
			RefreshInterval: cfg.Attrs.Refresh,
			Logger:          logger,
		})
	default:
		d.store = attr.NewMemory()
	}

	d.reg = delay.NewRegistry(delay.RegistryConfig{
		Store:   d.store,
		Metrics: d.metrics.DelayMetrics(),
		Logger:  logger,
	})
	d.resolver = device.NewResolver(device.ResolverConfig{
		DevDir:   cfg.Devices.DevDir,
		ReadOnly: cfg.Devices.ReadOnly,
		Metrics:  d.metrics.DeviceMetrics(),
		Logger:   logger,
	})
	d.transport = device.NewTransport(device.TransportConfig{
		Workers: cfg.Devices.Workers,
		Metrics: d.metrics.DeviceMetrics(),
		Logger:  logger,
	})

	for i, tc := range cfg.Targets {
		name, length, args, err := tc.Resolved()
		if err == nil {
			_, err = delay.NewTarget(d.reg, delay.Config{
				Name:     name,
				Length:   length,
				Args:     args,
				Resolver: d.resolver,
				Sink:     d.transport,
			})
		}
		if err != nil {
			if derr := d.destroyAll(); derr != nil {
				logger.Error("cleanup after failed construction", "error", derr)
			}
			return nil, fmt.Errorf("targets[%d]: %w", i, err)
		}
	}

	logger.Info("targets constructed", "count", d.reg.Len())
	return d, nil
}

// newDaemon adds the serving surfaces to an engine. An empty address
// disables that surface.
func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	tlsConfig, err := cfg.TLS.ServerConfig()
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}

	d, err := newEngine(cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.HTTP.Addr != "" {
		httpConfig := api.DefaultServerConfig()
		httpConfig.Addr = cfg.HTTP.Addr
		httpConfig.ReadTimeout = cfg.HTTP.ReadTimeout
		httpConfig.WriteTimeout = cfg.HTTP.WriteTimeout
		httpConfig.Metrics = d.metrics
		httpConfig.Health = d.health
		httpConfig.TLS = tlsConfig
		httpConfig.Logger = logger
		d.http = api.NewServer(d.reg, httpConfig)
	}

	if cfg.GRPC.Addr != "" {
		grpcConfig := ddigrpc.DefaultServerConfig()
		grpcConfig.Address = cfg.GRPC.Addr
		grpcConfig.EnableReflection = cfg.GRPC.Reflection
		grpcConfig.Ready = d.health.IsReady
		grpcConfig.TLS = tlsConfig
		grpcConfig.Logger = logger
		d.grpc = ddigrpc.NewServer(d.reg, grpcConfig)
	}

	return d, nil
}

// run serves until ctx is cancelled or a shutdown signal arrives, then
// tears everything down.
func (d *daemon) run(ctx context.Context, sigs <-chan os.Signal) error {
	if d.http != nil {
		if err := d.http.Start(); err != nil {
			return errors.Join(err, d.destroyAll())
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if d.grpc != nil {
		g.Go(d.grpc.Start)
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return d.shutdown()
			case sig := <-sigs:
				if d.handleSignal(sig) {
					return d.shutdown()
				}
			}
		}
	})

	d.health.SetReady(true)
	d.logger.Info("ddid ready", "targets", d.reg.Len())

	return g.Wait()
}

// handleSignal applies sig and reports whether it requests shutdown.
func (d *daemon) handleSignal(sig os.Signal) bool {
	switch sig {
	case syscall.SIGUSR1:
		d.logger.Info("suspending all targets", "signal", sig.String())
		d.suspendAll()
	case syscall.SIGUSR2:
		d.logger.Info("resuming all targets", "signal", sig.String())
		d.resumeAll()
	default:
		d.logger.Info("shutting down", "signal", sig.String())
		return true
	}
	if d.grpc != nil {
		d.grpc.Refresh()
	}
	return false
}

func (d *daemon) suspendAll() {
	for _, t := range d.reg.Targets() {
		t.Presuspend()
	}
}

func (d *daemon) resumeAll() {
	for _, t := range d.reg.Targets() {
		t.Resume()
	}
}

// shutdown stops serving before destroying targets, so no request is
// redirected to a released device.
func (d *daemon) shutdown() error {
	d.health.SetReady(false)

	var result *multierror.Error
	if d.grpc != nil {
		d.grpc.Stop()
	}
	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.http.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop HTTP: %w", err))
		}
		cancel()
	}
	if err := d.destroyAll(); err != nil {
		result = multierror.Append(result, err)
	}

	d.logger.Info("shutdown complete")
	return result.ErrorOrNil()
}

// destroyAll destroys every registered target, collecting the failures, and
// then stops the I/O workers.
func (d *daemon) destroyAll() error {
	var result *multierror.Error
	for _, t := range d.reg.Targets() {
		if err := t.Destroy(); err != nil {
			result = multierror.Append(result, fmt.Errorf("destroy %s: %w", t.Name(), err))
		}
	}
	d.transport.Close()
	return result.ErrorOrNil()
}
