// Package model defines the core domain types for kiseki traces and spans.
//
// Types use strong typing (typed string IDs, time.Time, enums) and opaque
// map[string]any payloads for inputs, outputs, and attributes. A Trace and
// its Spans live in the in-process registry until the trace is finalized and
// handed to an exporter.
package model

import "time"

// TraceID is an opaque unique identifier for a trace.
type TraceID string

// SpanID is an opaque identifier for a span, unique within its trace.
type SpanID string

// TraceStatus represents the lifecycle state of a trace.
type TraceStatus string

const (
	TraceStatusRunning TraceStatus = "running"
	TraceStatusOK      TraceStatus = "ok"
	TraceStatusError   TraceStatus = "error"
)

// Terminal reports whether the status is a terminal state.
func (s TraceStatus) Terminal() bool {
	return s == TraceStatusOK || s == TraceStatusError
}

// Trace is the complete record of one logical operation, rooted at one span.
// Mutable while running; frozen once ended.
type Trace struct {
	ID         TraceID        `json:"id"`
	RootSpanID SpanID         `json:"root_span_id"`
	Name       string         `json:"name"`
	Status     TraceStatus    `json:"status"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	TokenUsage *TokenUsage    `json:"token_usage,omitempty"`
	Anomalies  []Anomaly      `json:"anomalies,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
}

// Ended reports whether the trace has reached a terminal state.
func (t Trace) Ended() bool {
	return t.EndedAt != nil
}

// Duration returns the trace duration, or zero while still running.
func (t Trace) Duration() time.Duration {
	if t.EndedAt == nil {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

// Clone returns a deep-enough copy: payload maps and the anomaly slice are
// copied so callers cannot mutate a record owned by the registry. Values
// inside the payload maps remain shared.
func (t Trace) Clone() Trace {
	out := t
	out.Inputs = cloneMap(t.Inputs)
	out.Outputs = cloneMap(t.Outputs)
	out.Attributes = cloneMap(t.Attributes)
	if t.TokenUsage != nil {
		u := *t.TokenUsage
		out.TokenUsage = &u
	}
	if t.Anomalies != nil {
		out.Anomalies = append([]Anomaly(nil), t.Anomalies...)
	}
	return out
}

// AnomalyKind categorizes a detected, non-fatal trace inconsistency.
type AnomalyKind string

const (
	// AnomalySpanForceClosed marks a span that was still running when its
	// trace ended and was force-closed with an error status.
	AnomalySpanForceClosed AnomalyKind = "span_force_closed"

	// AnomalyLateSpanStart marks a span started after its trace ended.
	AnomalyLateSpanStart AnomalyKind = "late_span_start"

	// AnomalyParentClosed marks a span started after its parent span ended.
	AnomalyParentClosed AnomalyKind = "parent_closed"
)

// Anomaly records one detected inconsistency. Anomalies are force-resolved
// and reported, never fatal — partial observability beats none.
type Anomaly struct {
	Kind   AnomalyKind `json:"kind"`
	SpanID SpanID      `json:"span_id"`
	Detail string      `json:"detail,omitempty"`
}

// CompletedTrace is a finalized trace with all of its spans, as handed to an
// exporter. It is immutable once built.
type CompletedTrace struct {
	Trace Trace  `json:"trace"`
	Spans []Span `json:"spans"`
}

// TraceSummary is the caller-facing result of ending a trace.
type TraceSummary struct {
	TraceID    TraceID       `json:"trace_id"`
	RootSpanID SpanID        `json:"root_span_id"`
	Status     TraceStatus   `json:"status"`
	Duration   time.Duration `json:"duration"`
	SpanCount  int           `json:"span_count"`
	TokenUsage *TokenUsage   `json:"token_usage,omitempty"`
	Anomalies  []Anomaly     `json:"anomalies,omitempty"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MergeAttrs merges src into dst, allocating dst if needed. Keys in src win
// on conflict (end-time attributes merge over start-time ones).
func MergeAttrs(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
