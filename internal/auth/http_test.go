// ABOUTME: Tests for the HTTP authentication middleware
// ABOUTME: Covers header and query tokens, rejection paths and read-only roles

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWithAuth(t *testing.T, v *JWTVerifier, req *http.Request) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var got *Identity
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	HTTPMiddleware(v, nil)(handler).ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPMiddleware_ValidBearer(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Generate("agent-1", RoleAgent, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, id := serveWithAuth(t, v, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, "agent-1", id.Subject)
}

func TestHTTPMiddleware_QueryToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Generate("dashboard", RoleObserver, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil)
	rec, id := serveWithAuth(t, v, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, RoleObserver, id.Role)
}

func TestHTTPMiddleware_Rejections(t *testing.T) {
	v := newTestVerifier(t)
	expired, _ := v.Generate("agent-1", RoleAgent, -time.Minute)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing header", "", "missing authorization header"},
		{"basic auth", "Basic dXNlcjpwYXNz", "invalid authorization header format"},
		{"empty bearer", "Bearer ", "empty token"},
		{"garbage", "Bearer nope", "invalid token"},
		{"expired", "Bearer " + expired, "token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec, id := serveWithAuth(t, v, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Nil(t, id)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestHTTPMiddleware_ObserverIsReadOnly(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Generate("dashboard", RoleObserver, time.Hour)
	require.NoError(t, err)

	get := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	get.Header.Set("Authorization", "Bearer "+token)
	rec, _ := serveWithAuth(t, v, get)
	assert.Equal(t, http.StatusOK, rec.Code)

	post := httptest.NewRequest(http.MethodPost, "/api/agents", nil)
	post.Header.Set("Authorization", "Bearer "+token)
	rec, id := serveWithAuth(t, v, post)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, id)
}
