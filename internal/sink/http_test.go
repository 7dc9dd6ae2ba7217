package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiseki-ai/kiseki/internal/model"
)

func TestHTTPExporter_PostsBatch(t *testing.T) {
	var gotPath, gotAuth string
	var gotBatch []model.CompletedTrace

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBatch))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	exp, err := NewHTTPExporter(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "sk-test"})
	require.NoError(t, err)

	batch := []model.CompletedTrace{completedTrace("t1"), completedTrace("t2")}
	require.NoError(t, exp.Export(context.Background(), batch))

	assert.Equal(t, "/v1/traces", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	require.Len(t, gotBatch, 2)
	assert.Equal(t, model.TraceID("t1"), gotBatch[0].Trace.ID)
}

func TestHTTPExporter_EmptyBatchIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	exp, err := NewHTTPExporter(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, exp.Export(context.Background(), nil))
	assert.False(t, called)
}

func TestHTTPExporter_ParsesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"})
	}))
	defer srv.Close()

	exp, err := NewHTTPExporter(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	err = exp.Export(context.Background(), []model.CompletedTrace{completedTrace("t1")})
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestHTTPExporter_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPExporter(HTTPConfig{})
	require.Error(t, err)
}
