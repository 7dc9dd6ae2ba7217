// Package lifecycle implements the trace/span lifecycle state machine:
// start and end operations, hierarchy and status rules, dangling-span
// detection, and token-usage aggregation at trace end.
//
// Every operation is a fast in-memory mutation; delivery to a tracking
// backend happens through the configured sink, never inline network I/O.
// Operations on the same trace are linearized by the registry's per-trace
// lock; identifiers are plain values and may be handed freely across
// goroutines.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zoobzio/clockz"

	"github.com/kiseki-ai/kiseki/internal/ids"
	"github.com/kiseki-ai/kiseki/internal/model"
	"github.com/kiseki-ai/kiseki/internal/sink"
	"github.com/kiseki-ai/kiseki/internal/store"
)

// Controller exposes the trace lifecycle operations over a registry.
type Controller struct {
	reg    *store.Registry
	sink   sink.Sink
	logger *slog.Logger
	clock  clockz.Clock
}

// New creates a Controller. A nil sink disables export (registry-only); a
// nil clock uses the real clock.
func New(reg *store.Registry, s sink.Sink, logger *slog.Logger, clock clockz.Clock) *Controller {
	if s == nil {
		s = sink.Nop{}
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{reg: reg, sink: s, logger: logger, clock: clock}
}

// StartTrace allocates identifiers, creates the trace record and its root
// span (both running), and returns the pair. The root span carries the
// trace's inputs and attributes.
func (c *Controller) StartTrace(_ context.Context, req model.StartTraceRequest) (model.TraceID, model.SpanID, error) {
	if err := req.Validate(); err != nil {
		return "", "", err
	}

	traceID := ids.NewTraceID()
	rootID := ids.NewSpanID()
	now := c.clock.Now().UTC()

	trace := model.Trace{
		ID:         traceID,
		RootSpanID: rootID,
		Name:       req.Name,
		Status:     model.TraceStatusRunning,
		Inputs:     model.MergeAttrs(nil, req.Inputs),
		Attributes: model.MergeAttrs(nil, req.Attributes),
		StartedAt:  now,
	}
	if err := c.reg.InsertTrace(trace); err != nil {
		return "", "", fmt.Errorf("lifecycle: start trace: %w", err)
	}

	root := model.Span{
		ID:         rootID,
		TraceID:    traceID,
		Name:       req.Name,
		Status:     model.SpanStatusRunning,
		Inputs:     model.MergeAttrs(nil, req.Inputs),
		Attributes: model.MergeAttrs(nil, req.Attributes),
		StartedAt:  now,
	}
	if err := c.reg.InsertSpan(root); err != nil {
		// Unreachable with a fresh trace entry; surface it rather than guess.
		return "", "", fmt.Errorf("lifecycle: insert root span: %w", err)
	}

	return traceID, rootID, nil
}

// StartSpan creates a span under an existing trace. A nil parent ID parents
// the span under the trace's root span.
//
/// Two conditions are tolerated as anomalies rather than rejected: starting a
// span after the trace ended (flagged late_start, logged, never exported),
// and starting a child after its parent closed (flagged on the trace).
// Late-arriving spans are a real pattern in batch callers; losing them
// entirely would be worse than recording them flagged.
func (c *Controller) StartSpan(_ context.Context, req model.StartSpanRequest) (model.SpanID, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	trace, err := c.reg.GetTrace(req.TraceID)
	if err != nil {
		return "", fmt.Errorf("lifecycle: start span: %w", store.ErrUnknownTrace)
	}

	parentID := req.ParentID
	if parentID == nil {
		root := trace.RootSpanID
		parentID = &root
	}

	span := model.Span{
		ID:         ids.NewSpanID(),
		TraceID:    req.TraceID,
		ParentID:   parentID,
		Name:       req.Name,
		Status:     model.SpanStatusRunning,
		Inputs:     model.MergeAttrs(nil, req.Inputs),
		Attributes: model.MergeAttrs(nil, req.Attributes),
		StartedAt:  c.clock.Now().UTC(),
	}

	if trace.Ended() {
		span.Attributes = model.MergeAttrs(span.Attributes, map[string]any{model.AttrLateStart: true})
	}

	if err := c.reg.InsertSpan(span); err != nil {
		return "", fmt.Errorf("lifecycle: start span: %w", err)
	}

	if trace.Ended() {
		c.logger.Warn("span started after trace ended",
			"trace_id", req.TraceID, "span_id", span.ID, "name", req.Name)
		c.recordAnomaly(req.TraceID, model.Anomaly{
			Kind:   model.AnomalyLateSpanStart,
			SpanID: span.ID,
			Detail: "span started after trace ended",
		})
	} else if parent, perr := c.reg.GetSpan(req.TraceID, *parentID); perr == nil && parent.Ended() {
		c.logger.Warn("span started after parent closed",
			"trace_id", req.TraceID, "span_id", span.ID, "parent_id", *parentID)
		c.recordAnomaly(req.TraceID, model.Anomaly{
			Kind:   model.AnomalyParentClosed,
			SpanID: span.ID,
			Detail: fmt.Sprintf("parent %s ended before child started", *parentID),
		})
	}

	return span.ID, nil
}

// EndSpan closes a span: sets its end time, merges end-time outputs and
// attributes over start-time values, and applies the terminal status. The
// second end of a span fails with store.ErrAlreadyClosed and changes nothing.
func (c *Controller) EndSpan(_ context.Context, req model.EndSpanRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	now := c.clock.Now().UTC()
	err := c.reg.UpdateSpan(req.TraceID, req.SpanID, func(s *model.Span) error {
		s.EndedAt = &now
		s.Status = req.Status
		s.Outputs = model.MergeAttrs(s.Outputs, req.Outputs)
		s.Attributes = model.MergeAttrs(s.Attributes, req.Attributes)
		if req.TokenUsage != nil {
			u := *req.TokenUsage
			s.Attributes = model.MergeAttrs(s.Attributes, map[string]any{model.AttrTokenUsage: u})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lifecycle: end span: %w", err)
	}
	return nil
}

// EndTrace finalizes a trace: every descendant span still running is
// force-closed with an error status and an incomplete flag (best-effort,
// never waiting for stragglers), token usage is aggregated across all spans,
// the trace record is frozen, and the completed trace is handed to the sink.
//
// The final trace status is exactly the requested one, independent of
// descendant anomalies. Ending an already-ended trace fails with
// store.ErrAlreadyClosed.
func (c *Controller) EndTrace(ctx context.Context, req model.EndTraceRequest) (model.TraceSummary, error) {
	if err := req.Validate(); err != nil {
		return model.TraceSummary{}, err
	}

	now := c.clock.Now().UTC()
	var forced []model.Anomaly

	ct, err := c.reg.Finalize(req.TraceID, func(t *model.Trace, spans []*model.Span) error {
		for _, s := range spans {
			if s.Status.Terminal() {
				continue
			}
			s.Status = model.SpanStatusError
			s.EndedAt = &now
			s.Attributes = model.MergeAttrs(s.Attributes, map[string]any{model.AttrIncomplete: true})
			forced = append(forced, model.Anomaly{
				Kind:   model.AnomalySpanForceClosed,
				SpanID: s.ID,
				Detail: fmt.Sprintf("span %q still running at trace end", s.Name),
			})
		}

		t.Status = req.Status
		t.EndedAt = &now
		t.Outputs = model.MergeAttrs(t.Outputs, req.Outputs)
		t.Attributes = model.MergeAttrs(t.Attributes, req.Attributes)
		t.Anomalies = append(t.Anomalies, forced...)
		t.TokenUsage = AggregateTokenUsage(spans)
		return nil
	})
	if err != nil {
		return model.TraceSummary{}, fmt.Errorf("lifecycle: end trace: %w", err)
	}

	for _, a := range forced {
		c.logger.Warn("force-closed dangling span at trace end",
			"trace_id", req.TraceID, "span_id", a.SpanID, "detail", a.Detail)
	}

	// Delivery failure is the sink's concern: the trace stays readable in
	// the registry and the caller still gets its summary.
	if err := c.sink.Enqueue(ctx, ct); err != nil {
		c.logger.Warn("trace export enqueue failed", "trace_id", req.TraceID, "error", err)
	}

	return model.TraceSummary{
		TraceID:    ct.Trace.ID,
		RootSpanID: ct.Trace.RootSpanID,
		Status:     ct.Trace.Status,
		Duration:   ct.Trace.Duration(),
		SpanCount:  len(ct.Spans),
		TokenUsage: ct.Trace.TokenUsage,
		Anomalies:  ct.Trace.Anomalies,
	}, nil
}

// GetTrace returns a copy of the trace record, running or finalized.
func (c *Controller) GetTrace(traceID model.TraceID) (model.Trace, error) {
	return c.reg.GetTrace(traceID)
}

// GetSpan returns a copy of one span record.
func (c *Controller) GetSpan(traceID model.TraceID, spanID model.SpanID) (model.Span, error) {
	return c.reg.GetSpan(traceID, spanID)
}

// Spans returns copies of all spans of a trace in creation order.
func (c *Controller) Spans(traceID model.TraceID) ([]model.Span, error) {
	return c.reg.Spans(traceID)
}

// Drop releases a trace and its spans from the registry. The controller
// never evicts on its own; memory reclamation is the caller's call.
func (c *Controller) Drop(traceID model.TraceID) error {
	return c.reg.Delete(traceID)
}

// recordAnomaly appends an anomaly to a running trace. Anomalies on already
// frozen traces are logged only.
func (c *Controller) recordAnomaly(traceID model.TraceID, a model.Anomaly) {
	err := c.reg.UpdateTrace(traceID, func(t *model.Trace) error {
		t.Anomalies = append(t.Anomalies, a)
		return nil
	})
	if err != nil {
		c.logger.Debug("anomaly not recorded on frozen trace", "trace_id", traceID, "kind", a.Kind)
	}
}
