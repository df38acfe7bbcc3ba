package server

import (
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported alongside the overall ("") status.
const HealthService = "policyfit"

// HealthServer exposes the standard gRPC health checking protocol.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewHealthServer creates a health server reporting SERVING.
func NewHealthServer() *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	// TODO: add TLS credentials before exposing the health port beyond localhost.
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &HealthServer{grpc: gs, health: hs}
}

// Serve accepts connections on lis until Stop is called.
func (h *HealthServer) Serve(lis net.Listener) error {
	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := h.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Stop reports NOT_SERVING to watchers and drains open RPCs.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
