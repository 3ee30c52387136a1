// ABOUTME: Shared helpers and lifecycle tests for the Gateway
// ABOUTME: Covers Run/Shutdown, retention pruning and the gRPC health service

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/DeanSCND/kokino/internal/auth"
	"github.com/DeanSCND/kokino/internal/clock"
	"github.com/DeanSCND/kokino/internal/config"
)

const testSecret = "kokino-test-secret-0123456789abcdef"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "kokino.db")
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, opts ...Option) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

// testEnv serves a gateway's HTTP handler on an httptest server.
type testEnv struct {
	gw  *Gateway
	srv *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.Config), opts ...Option) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	gw := newTestGateway(t, cfg, opts...)
	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(srv.Close)
	return &testEnv{gw: gw, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header http.Header) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestNew_InvalidSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"
	_, err := New(cfg, testLogger())
	assert.ErrorIs(t, err, auth.ErrWeakSecret)
}

func TestNew_GRPCOnlyWhenConfigured(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	assert.Nil(t, gw.grpcServer)
	assert.Nil(t, gw.mirror)

	cfg := testConfig(t)
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	gw = newTestGateway(t, cfg)
	assert.NotNil(t, gw.grpcServer)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	gw := newTestGateway(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: brokerService})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: brokerService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	// second shutdown is a no-op
	assert.NoError(t, gw.Shutdown(context.Background()))
}

func TestRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = ln.Addr().String()
	gw := newTestGateway(t, cfg)

	err = gw.Run(context.Background())
	assert.ErrorContains(t, err, "listening on HTTP address")
}

func TestPruneOnce(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Messages.Retention = time.Hour
		cfg.Versions.Retention = time.Hour
	}, WithClock(fake))

	resp := env.do(t, http.MethodPost, "/api/agents",
		`{"agent_id":"B","type":"claude-code","metadata":{"cli_type":"claude-code","cli_version":"2.0.1"}}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/agents/B/messages", `{"from":"A","payload":"old"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	msgs, versions := env.gw.pruneOnce(context.Background())
	assert.Zero(t, msgs)
	assert.Zero(t, versions)

	fake.Advance(2 * time.Hour)
	resp = env.do(t, http.MethodPost, "/api/agents/B/messages", `{"from":"A","payload":"new"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	msgs, versions = env.gw.pruneOnce(context.Background())
	assert.Equal(t, int64(1), msgs)
	assert.Equal(t, int64(1), versions)

	inbox := decode[struct {
		Messages []MessageResponse `json:"messages"`
	}](t, env.do(t, http.MethodGet, "/api/agents/B/messages", "", nil))
	require.Len(t, inbox.Messages, 1)
	assert.JSONEq(t, `"new"`, string(inbox.Messages[0].Payload))
}

func TestPruneOnce_NoRetention(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	msgs, versions := gw.pruneOnce(context.Background())
	assert.Zero(t, msgs)
	assert.Zero(t, versions)
}

func startGRPC(t *testing.T, gw *Gateway) *grpc.ClientConn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = gw.grpcServer.Serve(ln) }()
	gw.health.SetServingStatus(brokerService, healthServing)

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	gw := newTestGateway(t, cfg)
	client := healthpb.NewHealthClient(startGRPC(t, gw))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: brokerService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGRPCHealth_RequiresToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Auth.JWTSecret = testSecret
	gw := newTestGateway(t, cfg)
	client := healthpb.NewHealthClient(startGRPC(t, gw))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: brokerService})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	token, err := gw.verifier.Generate("probe", auth.RoleObserver, time.Hour)
	require.NoError(t, err)
	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	resp, err := client.Check(authed, &healthpb.HealthCheckRequest{Service: brokerService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
