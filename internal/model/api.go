package model

import "fmt"

// MaxNameLen bounds trace and span names. Names are human-readable labels,
// not payloads; anything longer is almost certainly caller error.
const MaxNameLen = 500

// StartTraceRequest creates a trace and its root span.
type StartTraceRequest struct {
	Name       string         `json:"name"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Validate checks the request before any state is created.
func (r StartTraceRequest) Validate() error {
	return validateName("trace", r.Name)
}

// StartSpanRequest creates a span under an existing trace. A nil ParentID
// parents the span under the trace's root span.
type StartSpanRequest struct {
	TraceID    TraceID        `json:"trace_id"`
	ParentID   *SpanID        `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Validate checks the request before any state is created.
func (r StartSpanRequest) Validate() error {
	if r.TraceID == "" {
		return fmt.Errorf("model: trace_id is required")
	}
	return validateName("span", r.Name)
}

// EndSpanRequest closes a span. A zero Status defaults to ok; end-time
// outputs and attributes merge over start-time values on the same key.
type EndSpanRequest struct {
	TraceID    TraceID        `json:"trace_id"`
	SpanID     SpanID         `json:"span_id"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Status     SpanStatus     `json:"status,omitempty"`
	TokenUsage *TokenUsage    `json:"token_usage,omitempty"`
}

// Validate checks identifiers and normalizes the status default.
func (r *EndSpanRequest) Validate() error {
	if r.TraceID == "" {
		return fmt.Errorf("model: trace_id is required")
	}
	if r.SpanID == "" {
		return fmt.Errorf("model: span_id is required")
	}
	if r.Status == "" {
		r.Status = SpanStatusOK
	}
	if !r.Status.Terminal() {
		return fmt.Errorf("model: end status must be terminal, got %q", r.Status)
	}
	return nil
}

// EndTraceRequest finalizes a trace. A zero Status defaults to ok. The
// final trace status is exactly what the caller passes, independent of any
// descendant anomalies.
type EndTraceRequest struct {
	TraceID    TraceID        `json:"trace_id"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Status     TraceStatus    `json:"status,omitempty"`
}

// Validate checks identifiers and normalizes the status default.
func (r *EndTraceRequest) Validate() error {
	if r.TraceID == "" {
		return fmt.Errorf("model: trace_id is required")
	}
	if r.Status == "" {
		r.Status = TraceStatusOK
	}
	if !r.Status.Terminal() {
		return fmt.Errorf("model: end status must be terminal, got %q", r.Status)
	}
	return nil
}

func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("model: %s name is required", kind)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("model: %s name exceeds %d bytes", kind, MaxNameLen)
	}
	return nil
}
