package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiseki-ai/kiseki/internal/model"
	"github.com/kiseki-ai/kiseki/internal/testutil"
)

func TestAuthMiddleware_RequiresKeyOnV1Routes(t *testing.T) {
	srv, _, _ := newTestServer(t, "sk-secret")

	rec := postJSON(t, srv.Handler(), "/v1/traces", []model.CompletedTrace{serverSampleTrace("t1")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no token")

	req := httptest.NewRequest(http.MethodGet, "/v1/traces", nil)
	req.Header.Set("Authorization", "Token sk-secret")
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code, "wrong scheme")

	req = httptest.NewRequest(http.MethodGet, "/v1/traces", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec3 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec3, req)
	assert.Equal(t, http.StatusUnauthorized, rec3.Code, "wrong key")

	req = httptest.NewRequest(http.MethodGet, "/v1/traces", nil)
	req.Header.Set("Authorization", "Bearer sk-secret")
	rec4 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec4, req)
	assert.Equal(t, http.StatusOK, rec4.Code, "valid key")
}

func TestAuthMiddleware_HealthAlwaysOpen(t *testing.T) {
	srv, _, _ := newTestServer(t, "sk-secret")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"), "generated when absent")

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"), "caller-provided ID is kept")
}

func TestRecoveryMiddleware(t *testing.T) {
	panics := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	handler := recoveryMiddleware(testutil.TestLogger(), panics)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { handler.ServeHTTP(rec, req) })
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
