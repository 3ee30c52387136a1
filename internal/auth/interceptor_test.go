// ABOUTME: Tests for the gRPC authentication interceptors
// ABOUTME: Calls the interceptors directly with synthetic metadata

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeServerStream) Context() context.Context { return f.ctx }

func TestUnaryInterceptor(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Generate("probe", RoleObserver, time.Hour)
	require.NoError(t, err)

	interceptor := UnaryInterceptor(v, nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	var got *Identity
	handler := func(ctx context.Context, req any) (any, error) {
		got = FromContext(ctx)
		return "ok", nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
	resp, err := interceptor(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	require.NotNil(t, got)
	assert.Equal(t, "probe", got.Subject)
}

func TestUnaryInterceptor_Rejections(t *testing.T) {
	v := newTestVerifier(t)
	interceptor := UnaryInterceptor(v, nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	handler := func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler must not be called")
		return nil, nil
	}

	tests := []struct {
		name string
		ctx  context.Context
	}{
		{"no metadata", context.Background()},
		{"no authorization", metadata.NewIncomingContext(context.Background(), metadata.Pairs("x", "y"))},
		{"not bearer", metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "token abc"))},
		{"bad token", metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := interceptor(tt.ctx, nil, info, handler)
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		})
	}
}

func TestStreamInterceptor(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Generate("probe", RoleAdmin, time.Hour)
	require.NoError(t, err)

	interceptor := StreamInterceptor(v, nil)
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}

	var got *Identity
	handler := func(srv any, ss grpc.ServerStream) error {
		got = FromContext(ss.Context())
		return nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
	require.NoError(t, interceptor(nil, &fakeServerStream{ctx: ctx}, info, handler))
	require.NotNil(t, got)
	assert.Equal(t, RoleAdmin, got.Role)

	err = interceptor(nil, &fakeServerStream{ctx: context.Background()}, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
