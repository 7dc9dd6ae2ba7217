package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiseki-ai/kiseki/internal/model"
	"github.com/kiseki-ai/kiseki/internal/ratelimit"
	"github.com/kiseki-ai/kiseki/internal/storage"
	"github.com/kiseki-ai/kiseki/internal/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	traces []model.CompletedTrace
	err    error
}

func (s *recordingSink) Enqueue(_ context.Context, ct model.CompletedTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.traces = append(s.traces, ct)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.traces)
}

func newTestServer(t *testing.T, apiKey string) (*Server, storage.Store, *recordingSink) {
	t.Helper()
	st, err := storage.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "kiseki.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	rs := &recordingSink{}
	srv := New(ServerConfig{
		Store:               st,
		Buffer:              rs,
		Logger:              testutil.TestLogger(),
		Port:                0,
		Version:             "test",
		APIKey:              apiKey,
		MaxRequestBodyBytes: 1 << 20,
	})
	return srv, st, rs
}

func serverSampleTrace(id string) model.CompletedTrace {
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Second)
	rootID := model.SpanID("root0001")
	return model.CompletedTrace{
		Trace: model.Trace{
			ID: model.TraceID(id), RootSpanID: rootID, Name: "pipeline",
			Status: model.TraceStatusOK, StartedAt: start, EndedAt: &end,
		},
		Spans: []model.Span{{
			ID: rootID, TraceID: model.TraceID(id), Name: "pipeline",
			Status: model.SpanStatusOK, StartedAt: start, EndedAt: &end,
		}},
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleIngest_AcceptsBatch(t *testing.T) {
	srv, _, rs := newTestServer(t, "")

	rec := postJSON(t, srv.Handler(), "/v1/traces",
		[]model.CompletedTrace{serverSampleTrace("t1"), serverSampleTrace("t2")})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp["accepted"])
	assert.Equal(t, 2, rs.count())
}

func TestHandleIngest_RejectsBadInput(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/traces", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, srv.Handler(), "/v1/traces", []model.CompletedTrace{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	noID := serverSampleTrace("t1")
	noID.Trace.ID = ""
	rec = postJSON(t, srv.Handler(), "/v1/traces", []model.CompletedTrace{noID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleIngest_BackpressureMapsTo503(t *testing.T) {
	srv, _, rs := newTestServer(t, "")
	rs.err = errors.New("buffer at capacity")

	rec := postJSON(t, srv.Handler(), "/v1/traces", []model.CompletedTrace{serverSampleTrace("t1")})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleIngest_BodyTooLarge(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	big := serverSampleTrace("t1")
	big.Trace.Inputs = map[string]any{"blob": strings.Repeat("x", 2<<20)}
	rec := postJSON(t, srv.Handler(), "/v1/traces", []model.CompletedTrace{big})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandleGetTrace(t *testing.T) {
	srv, st, _ := newTestServer(t, "")
	ctx := context.Background()

	want := serverSampleTrace("stored-1")
	require.NoError(t, st.Export(ctx, []model.CompletedTrace{want}))

	req := httptest.NewRequest(http.MethodGet, "/v1/traces/stored-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got model.CompletedTrace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, want.Trace.ID, got.Trace.ID)
	require.Len(t, got.Spans, 1)

	req = httptest.NewRequest(http.MethodGet, "/v1/traces/ghost", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListTraces(t *testing.T) {
	srv, st, _ := newTestServer(t, "")
	ctx := context.Background()

	require.NoError(t, st.Export(ctx, []model.CompletedTrace{
		serverSampleTrace("list-1"), serverSampleTrace("list-2"),
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/traces", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Traces []model.TraceSummary `json:"traces"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Traces, 2)

	req = httptest.NewRequest(http.MethodGet, "/v1/traces?limit=0", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleOpenAPI(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret")

	// Served without auth, like /healthz.
	req := httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "openapi:")
	assert.Contains(t, rec.Body.String(), "/v1/traces")
}

func TestHandleIngest_RateLimited(t *testing.T) {
	st, err := storage.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "kiseki.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	lim := ratelimit.NewMemoryLimiter(1, 1)
	t.Cleanup(func() { _ = lim.Close() })

	srv := New(ServerConfig{
		Store:               st,
		Buffer:              &recordingSink{},
		Logger:              testutil.TestLogger(),
		Version:             "test",
		Limiter:             lim,
		MaxRequestBodyBytes: 1 << 20,
	})

	rec := postJSON(t, srv.Handler(), "/v1/traces", []model.CompletedTrace{serverSampleTrace("t1")})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = postJSON(t, srv.Handler(), "/v1/traces", []model.CompletedTrace{serverSampleTrace("t2")})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Reads are not rate limited.
	req := httptest.NewRequest(http.MethodGet, "/v1/traces", nil)
	r := httptest.NewRecorder()
	srv.Handler().ServeHTTP(r, req)
	assert.Equal(t, http.StatusOK, r.Code)
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "test", resp["version"])
}
