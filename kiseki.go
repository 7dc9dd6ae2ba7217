// Package kiseki is a client-side tracing library for AI and agent
// workloads: it tracks traces and their hierarchical spans through an
// explicit lifecycle (start, end, force-close at trace end), aggregates
// per-span token usage, and ships finalized traces to a collector, an OTLP
// backend, or a custom exporter.
//
//	client, err := kiseki.New(kiseki.WithCollector("http://localhost:8326", ""))
//	if err != nil { ... }
//	defer client.Close(ctx)
//
//	traceID, rootID, err := client.StartTrace(ctx, "pipeline",
//	    kiseki.WithInputs(map[string]any{"query": q}))
//	spanID, err := client.StartSpan(ctx, traceID, "llm_call", kiseki.WithParent(rootID))
//	err = client.EndSpan(ctx, traceID, spanID,
//	    kiseki.WithTokenUsage(kiseki.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}))
//	summary, err := client.EndTrace(ctx, traceID)
//
// All operations are in-memory and fast; export happens asynchronously
// through a batching buffer. Operations on the same trace are linearized;
// different traces never contend. The import graph enforces a strict no-cycle
// rule: kiseki (root) imports internal/*, but internal/* never imports the
// root.
package kiseki

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zoobzio/clockz"

	"github.com/kiseki-ai/kiseki/internal/lifecycle"
	"github.com/kiseki-ai/kiseki/internal/model"
	"github.com/kiseki-ai/kiseki/internal/sink"
	"github.com/kiseki-ai/kiseki/internal/store"
)

// Sentinel errors surfaced by Client operations. Match with errors.Is.
var (
	// ErrNotFound means the trace or span does not exist.
	ErrNotFound = store.ErrNotFound
	// ErrUnknownTrace means an operation referenced a trace that was never
	// started (or already dropped).
	ErrUnknownTrace = store.ErrUnknownTrace
	// ErrUnknownParent means StartSpan referenced a parent span that does
	// not exist in the trace.
	ErrUnknownParent = store.ErrUnknownParent
	// ErrAlreadyClosed means the trace or span was already ended; the first
	// end won and nothing changed.
	ErrAlreadyClosed = store.ErrAlreadyClosed
)

// Client tracks trace and span lifecycles in process. Construct with New.
// Safe for concurrent use.
type Client struct {
	ctrl   *lifecycle.Controller
	buf    *sink.Buffer // nil when no exporter is configured
	logger *slog.Logger
}

// New creates a Client. With no exporter options, traces live only in memory
// and are readable via GetTrace until dropped.
func New(opts ...Option) (*Client, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := o.clock
	if clock == nil {
		clock = clockz.RealClock
	}

	var exporters sink.Multi
	for _, spec := range o.exporters {
		switch {
		case spec.custom != nil:
			exporters = append(exporters, &exporterAdapter{exp: spec.custom})
		case spec.collectorURL != "":
			exp, err := sink.NewHTTPExporter(sink.HTTPConfig{
				BaseURL:    spec.collectorURL,
				APIKey:     spec.apiKey,
				HTTPClient: spec.httpClient,
			})
			if err != nil {
				return nil, fmt.Errorf("kiseki: collector exporter: %w", err)
			}
			exporters = append(exporters, exp)
		case spec.otelProvider != nil:
			exporters = append(exporters, sink.NewOTLPExporter(spec.otelProvider))
		}
	}

	var s sink.Sink = sink.Nop{}
	var buf *sink.Buffer
	if len(exporters) > 0 {
		buf = sink.NewBuffer(exporters, logger, o.bufferSize, o.flushInterval)
		buf.Start(context.Background())
		s = buf
	}

	return &Client{
		ctrl:   lifecycle.New(store.NewRegistry(), s, logger, clock),
		buf:    buf,
		logger: logger,
	}, nil
}

// StartTrace begins a new trace and its root span, both running. Returns the
// trace ID and the root span ID; further spans parent under the root unless
// WithParent says otherwise.
func (c *Client) StartTrace(ctx context.Context, name string, opts ...CallOption) (TraceID, SpanID, error) {
	o := applyCallOptions(opts)
	traceID, rootID, err := c.ctrl.StartTrace(ctx, model.StartTraceRequest{
		Name:       name,
		Inputs:     o.inputs,
		Attributes: o.attributes,
	})
	if err != nil {
		return "", "", err
	}
	return TraceID(traceID), SpanID(rootID), nil
}

// StartSpan begins a span under an existing trace.
func (c *Client) StartSpan(ctx context.Context, traceID TraceID, name string, opts ...CallOption) (SpanID, error) {
	o := applyCallOptions(opts)
	req := model.StartSpanRequest{
		TraceID:    model.TraceID(traceID),
		Name:       name,
		Inputs:     o.inputs,
		Attributes: o.attributes,
	}
	if o.parent != nil {
		pid := model.SpanID(*o.parent)
		req.ParentID = &pid
	}
	spanID, err := c.ctrl.StartSpan(ctx, req)
	if err != nil {
		return "", err
	}
	return SpanID(spanID), nil
}

// EndSpan closes a span. The first end wins: a second call fails with
// ErrAlreadyClosed and changes nothing, timestamps included.
func (c *Client) EndSpan(ctx context.Context, traceID TraceID, spanID SpanID, opts ...CallOption) error {
	o := applyCallOptions(opts)
	req := model.EndSpanRequest{
		TraceID:    model.TraceID(traceID),
		SpanID:     model.SpanID(spanID),
		Outputs:    o.outputs,
		Attributes: o.attributes,
		Status:     model.SpanStatus(o.status),
	}
	if o.usage != nil {
		req.TokenUsage = &model.TokenUsage{
			InputTokens:  o.usage.InputTokens,
			OutputTokens: o.usage.OutputTokens,
			TotalTokens:  o.usage.TotalTokens,
		}
	}
	return c.ctrl.EndSpan(ctx, req)
}

// EndTrace finalizes a trace: spans still running are force-closed with
// StatusError and flagged incomplete, token usage is aggregated, the record
// freezes, and the trace is queued for export. The trace's final status is
// the requested one (StatusOK by default), regardless of span anomalies.
func (c *Client) EndTrace(ctx context.Context, traceID TraceID, opts ...CallOption) (Summary, error) {
	o := applyCallOptions(opts)
	sum, err := c.ctrl.EndTrace(ctx, model.EndTraceRequest{
		TraceID:    model.TraceID(traceID),
		Outputs:    o.outputs,
		Attributes: o.attributes,
		Status:     model.TraceStatus(o.status),
	})
	if err != nil {
		return Summary{}, err
	}
	return toPublicSummary(sum), nil
}

// WithSpan runs fn inside a span: the span starts before fn and always ends
// after it, with StatusError when fn returns an error or panics (the panic is
// re-raised).
func (c *Client) WithSpan(ctx context.Context, traceID TraceID, name string, fn func(ctx context.Context, spanID SpanID) error, opts ...CallOption) error {
	spanID, err := c.StartSpan(ctx, traceID, name, opts...)
	if err != nil {
		return err
	}

	done := false
	end := func(status Status, extra ...CallOption) {
		if done {
			return
		}
		done = true
		endOpts := append([]CallOption{WithStatus(status)}, extra...)
		if err := c.EndSpan(ctx, traceID, spanID, endOpts...); err != nil {
			c.logger.Warn("scoped span end failed",
				"trace_id", traceID, "span_id", spanID, "error", err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			end(StatusError, WithAttributes(map[string]any{"panic": fmt.Sprintf("%v", r)}))
			panic(r)
		}
	}()

	if err := fn(ctx, spanID); err != nil {
		end(StatusError, WithAttributes(map[string]any{"error": err.Error()}))
		return err
	}
	end(StatusOK)
	return nil
}

// GetTrace returns a copy of a trace with all its spans, running or ended.
func (c *Client) GetTrace(traceID TraceID) (Trace, error) {
	t, err := c.ctrl.GetTrace(model.TraceID(traceID))
	if err != nil {
		return Trace{}, err
	}
	spans, err := c.ctrl.Spans(model.TraceID(traceID))
	if err != nil {
		return Trace{}, err
	}
	return toPublicTrace(t, spans), nil
}

// GetSpan returns a copy of one span.
func (c *Client) GetSpan(traceID TraceID, spanID SpanID) (Span, error) {
	s, err := c.ctrl.GetSpan(model.TraceID(traceID), model.SpanID(spanID))
	if err != nil {
		return Span{}, err
	}
	return toPublicSpan(s), nil
}

// Drop releases a trace from client memory. Ended traces already queued for
// export are unaffected; dropping a running trace discards it.
func (c *Client) Drop(traceID TraceID) error {
	return c.ctrl.Drop(model.TraceID(traceID))
}

// Close flushes the export buffer, bounded by ctx. Call it before process
// exit when an exporter is configured; a Client without exporters has
// nothing to flush.
func (c *Client) Close(ctx context.Context) error {
	if c.buf == nil {
		return nil
	}
	c.buf.Drain(ctx)
	if dropped := c.buf.DroppedTraces(); dropped > 0 {
		return fmt.Errorf("kiseki: %d traces dropped before export", dropped)
	}
	return nil
}
