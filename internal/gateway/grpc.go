// ABOUTME: gRPC server exposing the standard health service
// ABOUTME: Adds JWT interceptors when auth is enabled

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/DeanSCND/kokino/internal/auth"
)

// brokerService is the health service name reported alongside "".
const brokerService = "kokino.Broker"

const healthServing = healthpb.HealthCheckResponse_SERVING

// newGRPCServer creates the gRPC server and registers the health service.
// Every call requires a bearer token when verifier is non-nil.
func newGRPCServer(hs *health.Server, verifier *auth.JWTVerifier, logger *slog.Logger) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if verifier != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(verifier, logger)),
			grpc.ChainStreamInterceptor(auth.StreamInterceptor(verifier, logger)),
		)
		logger.Info("gRPC auth interceptors enabled")
	}

	server := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(server, hs)
	return server
}
