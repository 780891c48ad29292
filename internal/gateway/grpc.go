// ABOUTME: Optional gRPC listener serving the standard grpc.health.v1 service
// ABOUTME: Reports overall status plus one service per provider, tracking circuit state

package gateway

import (
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/conclave/internal/health"
)

// newGRPCServer creates a gRPC server exposing the health service. The
// empty service name reports the gateway itself, which is always SERVING
// because the fallback responder can answer every phase.
func newGRPCServer(monitor *health.Monitor, providers []string) (*grpc.Server, *grpchealth.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range providers {
		hs.SetServingStatus(name, servingStatus(monitor.State(name)))
	}
	healthpb.RegisterHealthServer(server, hs)

	return server, hs
}

func servingStatus(s health.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == health.StateOpen {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// updateServingStatus is a health.StateListener keeping the per-provider
// gRPC status in step with the circuit.
func (g *Gateway) updateServingStatus(name string, _, to health.State) {
	g.healthServer.SetServingStatus(name, servingStatus(to))
}
