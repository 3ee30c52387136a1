// ABOUTME: gRPC interceptors authenticating requests with JWT bearer metadata
// ABOUTME: Used on the broker's gRPC listener when a jwt secret is configured

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with the peer address.
func logAuthFailure(ctx context.Context, logger *slog.Logger, reason string, attrs ...any) {
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	logger.Warn("auth failure", append(baseAttrs, attrs...)...)
}

func authenticate(ctx context.Context, verifier TokenVerifier, logger *slog.Logger, method string) (*Identity, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(ctx, logger, "missing metadata", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		logAuthFailure(ctx, logger, "missing authorization", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing authorization")
	}

	token, found := strings.CutPrefix(values[0], "Bearer ")
	if !found || token == "" {
		logAuthFailure(ctx, logger, "invalid authorization format", "method", method)
		return nil, status.Error(codes.Unauthenticated, "invalid authorization format")
	}

	id, err := verifier.Verify(token)
	if err != nil {
		logAuthFailure(ctx, logger, err.Error(), "method", method)
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return id, nil
}

// UnaryInterceptor authenticates unary calls.
func UnaryInterceptor(verifier TokenVerifier, logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id, err := authenticate(ctx, verifier, logger, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(WithIdentity(ctx, id), req)
	}
}

// StreamInterceptor authenticates streaming calls.
func StreamInterceptor(verifier TokenVerifier, logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		id, err := authenticate(ss.Context(), verifier, logger, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: WithIdentity(ss.Context(), id)})
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
