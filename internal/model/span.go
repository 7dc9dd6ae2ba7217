package model

import "time"

// SpanStatus represents the lifecycle state of a span.
type SpanStatus string

const (
	SpanStatusRunning SpanStatus = "running"
	SpanStatusOK      SpanStatus = "ok"
	SpanStatusError   SpanStatus = "error"
)

// Terminal reports whether the status is a terminal state.
func (s SpanStatus) Terminal() bool {
	return s == SpanStatusOK || s == SpanStatusError
}

// Span is one timed unit of work within a trace, optionally nested under a
// parent span. A nil ParentID marks the trace's root span. A span is mutated
// only by its own end call (or forced closure at trace end); after that it is
// immutable except for aggregation reads.
type Span struct {
	ID         SpanID         `json:"id"`
	TraceID    TraceID        `json:"trace_id"`
	ParentID   *SpanID        `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	Status     SpanStatus     `json:"status"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
}

// Ended reports whether the span has reached a terminal state.
func (s Span) Ended() bool {
	return s.EndedAt != nil
}

// Duration returns the span duration, or zero while still running.
func (s Span) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Clone returns a copy with the payload maps copied, so registry-owned
// records cannot be mutated through a returned span.
func (s Span) Clone() Span {
	out := s
	out.Inputs = cloneMap(s.Inputs)
	out.Outputs = cloneMap(s.Outputs)
	out.Attributes = cloneMap(s.Attributes)
	if s.ParentID != nil {
		p := *s.ParentID
		out.ParentID = &p
	}
	return out
}
