package ratelimit_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiseki-ai/kiseki/internal/ratelimit"
	"github.com/kiseki-ai/kiseki/internal/testutil"
)

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func (s *stubLimiter) Close() error { return nil }

func limitedHandler(limiter ratelimit.Limiter) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	return ratelimit.Middleware(limiter, testutil.TestLogger())(next)
}

func TestMiddleware_AllowsRequest(t *testing.T) {
	lim := &stubLimiter{allow: true}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", nil)
	req.RemoteAddr = "10.0.0.7:52111"

	limitedHandler(lim).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, lim.keys, 1)
	assert.Equal(t, "10.0.0.7", lim.keys[0], "keyed by client IP without port")
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	lim := &stubLimiter{allow: false}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", nil)

	limitedHandler(lim).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error": "rate limit exceeded"}`, rec.Body.String())
}

func TestMiddleware_FailsOpenOnLimiterError(t *testing.T) {
	lim := &stubLimiter{allow: false, err: errors.New("backend down")}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", nil)

	limitedHandler(lim).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code, "limiter failure must not block ingest")
}

func TestMiddleware_IgnoresForwardedFor(t *testing.T) {
	lim := &stubLimiter{allow: true}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", nil)
	req.RemoteAddr = "10.0.0.7:52111"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	limitedHandler(lim).ServeHTTP(rec, req)

	require.Len(t, lim.keys, 1)
	assert.Equal(t, "10.0.0.7", lim.keys[0], "spoofable header is not trusted")
}
