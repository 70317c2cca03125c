package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported next to the overall "".
const ServiceName = "postpilot"

// Health is a gRPC server exposing grpc.health.v1.Health.
type Health struct {
	srv *grpc.Server
	hs  *health.Server
	log *slog.Logger
}

// NewHealth starts in NOT_SERVING until SetServing(true).
func NewHealth(logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Health{srv: grpc.NewServer(), hs: health.NewServer(), log: logger}
	healthpb.RegisterHealthServer(h.srv, h.hs)
	h.SetServing(false)
	return h
}

// SetServing flips the reported status for the whole server and ServiceName.
func (h *Health) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus("", status)
	h.hs.SetServingStatus(ServiceName, status)
}

// Serve listens on addr until ctx is cancelled.
func (h *Health) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return h.ServeListener(ctx, lis)
}

// ServeListener serves on an existing listener until ctx is cancelled.
func (h *Health) ServeListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.srv.Serve(lis) }()
	h.log.Info("grpc health server listening", "addr", lis.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		h.hs.Shutdown()
		h.srv.GracefulStop()
		return nil
	}
}
