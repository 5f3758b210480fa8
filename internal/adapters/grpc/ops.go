// Package grpc serves the operational gRPC surface: standard health checks
// per component and, outside production, server reflection.
package grpc

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Component health service names.
const (
	ServiceStorage    = "fulfillment.Storage"
	ServiceBus        = "fulfillment.Bus"
	ServiceIdempotent = "fulfillment.Idempotency"
)

// Check reports whether a component is usable.
type Check func(ctx context.Context) error

// OpsConfig wires an OpsServer.
type OpsConfig struct {
	Reflection bool
	Options    []grpcpkg.ServerOption
	// Checks maps a health service name to its probe.
	Checks   map[string]Check
	Interval time.Duration
	Timeout  time.Duration
	Logf     func(format string, args ...any)
}

// OpsServer is a gRPC server exposing grpc.health.v1 for the process and for
// each probed component.
type OpsServer struct {
	server *grpcpkg.Server
	health *health.Server
	cfg    OpsConfig

	mu     sync.Mutex
	status map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewOpsServer constructs an OpsServer. Components start NOT_SERVING until
// their first probe passes.
func NewOpsServer(cfg OpsConfig) *OpsServer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	s := &OpsServer{
		server: grpcpkg.NewServer(cfg.Options...),
		health: health.NewServer(),
		cfg:    cfg,
		status: make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	if cfg.Reflection {
		reflection.Register(s.server)
	}
	for name := range cfg.Checks {
		s.set(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	s.set("", healthpb.HealthCheckResponse_SERVING)
	return s
}

// Server returns the underlying gRPC server.
func (s *OpsServer) Server() *grpcpkg.Server { return s.server }

func (s *OpsServer) set(name string, st healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	prev, seen := s.status[name]
	s.status[name] = st
	s.mu.Unlock()
	if seen && prev == st {
		return
	}
	s.health.SetServingStatus(name, st)
	if name != "" && seen {
		s.cfg.Logf("grpc: health service=%q status=%s", name, st)
	}
}

// Probe runs every check once and updates the health statuses.
func (s *OpsServer) Probe(ctx context.Context) {
	for name, check := range s.cfg.Checks {
		checkCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		err := check(checkCtx)
		cancel()
		if err != nil {
			s.set(name, healthpb.HealthCheckResponse_NOT_SERVING)
			continue
		}
		s.set(name, healthpb.HealthCheckResponse_SERVING)
	}
}

// Serve probes components on an interval and serves lis until ctx is done,
// then reports NOT_SERVING everywhere and stops gracefully.
func (s *OpsServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(lis)
	}()

	s.Probe(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.server.GracefulStop()
			return nil
		case err := <-errCh:
			if errors.Is(err, grpcpkg.ErrServerStopped) {
				return nil
			}
			return err
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}
