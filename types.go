package kiseki

import (
	"context"
	"time"

	"github.com/kiseki-ai/kiseki/internal/model"
)

// TraceID identifies a trace.
type TraceID string

// SpanID identifies a span within a trace.
type SpanID string

// Status is the lifecycle state of a trace or span.
type Status string

const (
	// StatusRunning means the record is still open.
	StatusRunning Status = "running"
	// StatusOK is the successful terminal state.
	StatusOK Status = "ok"
	// StatusError is the failed terminal state.
	StatusError Status = "error"
)

// TokenUsage is token consumption reported by a span, or aggregated across a
// trace. A nil *TokenUsage means no usage was reported; a zero value means
// zero tokens were reported.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Anomaly is a lifecycle irregularity recorded on a trace, such as a span
// force-closed at trace end.
type Anomaly struct {
	Kind   string `json:"kind"`
	SpanID SpanID `json:"span_id"`
	Detail string `json:"detail,omitempty"`
}

// Span is a read-only copy of one span record.
type Span struct {
	ID         SpanID         `json:"id"`
	TraceID    TraceID        `json:"trace_id"`
	ParentID   *SpanID        `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	Status     Status         `json:"status"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
}

// Duration returns the span's elapsed time, or zero while it is running.
func (s Span) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Trace is a read-only copy of a trace record with all its spans in creation
// order.
type Trace struct {
	ID         TraceID        `json:"id"`
	RootSpanID SpanID         `json:"root_span_id"`
	Name       string         `json:"name"`
	Status     Status         `json:"status"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	TokenUsage *TokenUsage    `json:"token_usage,omitempty"`
	Anomalies  []Anomaly      `json:"anomalies,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Spans      []Span         `json:"spans,omitempty"`
}

// Duration returns the trace's elapsed time, or zero while it is running.
func (t Trace) Duration() time.Duration {
	if t.EndedAt == nil {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

// Summary is what EndTrace returns: the frozen trace's headline facts.
type Summary struct {
	TraceID    TraceID       `json:"trace_id"`
	RootSpanID SpanID        `json:"root_span_id"`
	Status     Status        `json:"status"`
	Duration   time.Duration `json:"duration"`
	SpanCount  int           `json:"span_count"`
	TokenUsage *TokenUsage   `json:"token_usage,omitempty"`
	Anomalies  []Anomaly     `json:"anomalies,omitempty"`
}

// Exporter receives batches of finalized traces. Implement it to ship traces
// to a custom backend; wire it in with WithExporter.
type Exporter interface {
	Export(ctx context.Context, traces []Trace) error
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicSpan converts an internal model.Span to the public kiseki.Span.
// Converters live here because this is the only package that sees both sides
// of the internal boundary.
func toPublicSpan(s model.Span) Span {
	out := Span{
		ID:         SpanID(s.ID),
		TraceID:    TraceID(s.TraceID),
		Name:       s.Name,
		Status:     Status(s.Status),
		Inputs:     s.Inputs,
		Outputs:    s.Outputs,
		Attributes: s.Attributes,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
	}
	if s.ParentID != nil {
		pid := SpanID(*s.ParentID)
		out.ParentID = &pid
	}
	return out
}

func toPublicTrace(t model.Trace, spans []model.Span) Trace {
	out := Trace{
		ID:         TraceID(t.ID),
		RootSpanID: SpanID(t.RootSpanID),
		Name:       t.Name,
		Status:     Status(t.Status),
		Inputs:     t.Inputs,
		Outputs:    t.Outputs,
		Attributes: t.Attributes,
		TokenUsage: toPublicUsage(t.TokenUsage),
		Anomalies:  toPublicAnomalies(t.Anomalies),
		StartedAt:  t.StartedAt,
		EndedAt:    t.EndedAt,
	}
	for _, s := range spans {
		out.Spans = append(out.Spans, toPublicSpan(s))
	}
	return out
}

func toPublicUsage(u *model.TokenUsage) *TokenUsage {
	if u == nil {
		return nil
	}
	return &TokenUsage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
}

func toPublicAnomalies(as []model.Anomaly) []Anomaly {
	if len(as) == 0 {
		return nil
	}
	out := make([]Anomaly, len(as))
	for i, a := range as {
		out[i] = Anomaly{Kind: string(a.Kind), SpanID: SpanID(a.SpanID), Detail: a.Detail}
	}
	return out
}

func toPublicSummary(s model.TraceSummary) Summary {
	return Summary{
		TraceID:    TraceID(s.TraceID),
		RootSpanID: SpanID(s.RootSpanID),
		Status:     Status(s.Status),
		Duration:   s.Duration,
		SpanCount:  s.SpanCount,
		TokenUsage: toPublicUsage(s.TokenUsage),
		Anomalies:  toPublicAnomalies(s.Anomalies),
	}
}

// exporterAdapter wraps a public Exporter to satisfy sink.Exporter, converting
// internal records to public types at the boundary.
type exporterAdapter struct {
	exp Exporter
}

func (a *exporterAdapter) Export(ctx context.Context, cts []model.CompletedTrace) error {
	out := make([]Trace, len(cts))
	for i, ct := range cts {
		out[i] = toPublicTrace(ct.Trace, ct.Spans)
	}
	return a.exp.Export(ctx, out)
}
