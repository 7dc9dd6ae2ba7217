package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiseki-ai/kiseki/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func sampleTrace(id string) model.CompletedTrace {
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	traceEnd := start.Add(500 * time.Millisecond)
	childEnd := start.Add(200 * time.Millisecond)
	rootID := model.SpanID("root0001")
	childID := model.SpanID("child001")

	return model.CompletedTrace{
		Trace: model.Trace{
			ID:         model.TraceID(id),
			RootSpanID: rootID,
			Name:       "pipeline",
			Status:     model.TraceStatusOK,
			Inputs:     map[string]any{"query": "hello"},
			Outputs:    map[string]any{"answer": "world"},
			Attributes: map[string]any{"env": "test"},
			TokenUsage: &model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
			Anomalies: []model.Anomaly{{
				Kind:   model.AnomalySpanForceClosed,
				SpanID: childID,
				Detail: `span "llm_call" still running at trace end`,
			}},
			StartedAt: start,
			EndedAt:   &traceEnd,
		},
		Spans: []model.Span{
			{
				ID: rootID, TraceID: model.TraceID(id), Name: "pipeline",
				Status: model.SpanStatusOK, StartedAt: start, EndedAt: &traceEnd,
			},
			{
				ID: childID, TraceID: model.TraceID(id), ParentID: &rootID, Name: "llm_call",
				Status: model.SpanStatusError, StartedAt: start.Add(50 * time.Millisecond), EndedAt: &childEnd,
				Attributes: map[string]any{model.AttrIncomplete: true},
			},
		},
	}
}

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	st, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "kiseki.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func TestSQLite_ExportAndGetTrace(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	want := sampleTrace("trace-1")
	require.NoError(t, st.Export(ctx, []model.CompletedTrace{want}))

	got, err := st.GetTrace(ctx, "trace-1")
	require.NoError(t, err)

	assert.Equal(t, want.Trace.ID, got.Trace.ID)
	assert.Equal(t, want.Trace.RootSpanID, got.Trace.RootSpanID)
	assert.Equal(t, want.Trace.Status, got.Trace.Status)
	assert.Equal(t, "hello", got.Trace.Inputs["query"])
	assert.Equal(t, "world", got.Trace.Outputs["answer"])
	require.NotNil(t, got.Trace.TokenUsage)
	assert.Equal(t, *want.Trace.TokenUsage, *got.Trace.TokenUsage)
	require.Len(t, got.Trace.Anomalies, 1)
	assert.Equal(t, model.AnomalySpanForceClosed, got.Trace.Anomalies[0].Kind)
	require.NotNil(t, got.Trace.EndedAt)
	assert.True(t, want.Trace.EndedAt.Equal(*got.Trace.EndedAt))

	require.Len(t, got.Spans, 2)
	assert.Equal(t, want.Spans[0].ID, got.Spans[0].ID, "spans come back in creation order")
	assert.Equal(t, want.Spans[1].ID, got.Spans[1].ID)
	require.NotNil(t, got.Spans[1].ParentID)
	assert.Equal(t, want.Spans[0].ID, *got.Spans[1].ParentID)
	assert.Equal(t, model.SpanStatusError, got.Spans[1].Status)
	assert.Equal(t, true, got.Spans[1].Attributes[model.AttrIncomplete])
}

func TestSQLite_GetTrace_NotFound(t *testing.T) {
	st := newTestSQLite(t)
	_, err := st.GetTrace(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Export_Idempotent(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	want := sampleTrace("trace-1")
	require.NoError(t, st.Export(ctx, []model.CompletedTrace{want}))
	require.NoError(t, st.Export(ctx, []model.CompletedTrace{want}), "retried batch must not fail")

	got, err := st.GetTrace(ctx, "trace-1")
	require.NoError(t, err)
	assert.Len(t, got.Spans, 2, "retried batch must not duplicate spans")
}

func TestSQLite_ListRecent(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	older := sampleTrace("trace-old")
	newer := sampleTrace("trace-new")
	newer.Trace.StartedAt = older.Trace.StartedAt.Add(time.Minute)
	require.NoError(t, st.Export(ctx, []model.CompletedTrace{older, newer}))

	sums, err := st.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, model.TraceID("trace-new"), sums[0].TraceID, "newest first")
	assert.Equal(t, 2, sums[0].SpanCount)
	require.NotNil(t, sums[1].TokenUsage)
	assert.Equal(t, int64(15), sums[1].TokenUsage.TotalTokens)

	limited, err := st.ListRecent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_TraceWithoutUsage(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	ct := sampleTrace("trace-1")
	ct.Trace.TokenUsage = nil
	require.NoError(t, st.Export(ctx, []model.CompletedTrace{ct}))

	got, err := st.GetTrace(ctx, "trace-1")
	require.NoError(t, err)
	assert.Nil(t, got.Trace.TokenUsage, "absent usage stays absent")
}

func TestOpen_DispatchesByScheme(t *testing.T) {
	ctx := context.Background()

	st, err := Open(ctx, filepath.Join(t.TempDir(), "kiseki.db"), testLogger())
	require.NoError(t, err)
	_, ok := st.(*SQLite)
	assert.True(t, ok)
	_ = st.Close(ctx)

	st, err = Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "kiseki.db"), testLogger())
	require.NoError(t, err)
	_, ok = st.(*SQLite)
	assert.True(t, ok)
	_ = st.Close(ctx)

	_, err = Open(ctx, "", testLogger())
	require.Error(t, err)
}
