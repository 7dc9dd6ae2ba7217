package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiseki-ai/kiseki/internal/model"
)

const otelScope = "github.com/kiseki-ai/kiseki"

// OTLPExporter replays finalized kiseki traces through an OpenTelemetry
// tracer provider, so any OTLP-capable backend can ingest them. Spans are
// re-created with their original timestamps; the kiseki identifiers travel
// as attributes because the OTEL SDK allocates its own span IDs.
type OTLPExporter struct {
	tracer trace.Tracer
}

// NewOTLPExporter creates an exporter replaying into tp. Pass the provider
// configured by telemetry.Init (or any provider in tests).
func NewOTLPExporter(tp trace.TracerProvider) *OTLPExporter {
	return &OTLPExporter{tracer: tp.Tracer(otelScope)}
}

// Export implements Exporter.
func (e *OTLPExporter) Export(ctx context.Context, cts []model.CompletedTrace) error {
	for _, ct := range cts {
		if err := e.replay(ctx, ct); err != nil {
			return err
		}
	}
	return nil
}

func (e *OTLPExporter) replay(ctx context.Context, ct model.CompletedTrace) error {
	// Spans arrive in insertion order, so parents always precede children
	// and a single pass can thread contexts down the tree.
	ctxByID := make(map[model.SpanID]context.Context, len(ct.Spans))

	for _, s := range ct.Spans {
		parentCtx := ctx
		if s.ParentID != nil {
			if pc, ok := ctxByID[*s.ParentID]; ok {
				parentCtx = pc
			}
		}

		spanCtx, span := e.tracer.Start(parentCtx, s.Name,
			trace.WithTimestamp(s.StartedAt),
			trace.WithAttributes(spanAttrs(ct.Trace, s)...),
		)
		ctxByID[s.ID] = spanCtx

		switch s.Status {
		case model.SpanStatusError:
			span.SetStatus(codes.Error, anomalyDetail(ct.Trace, s.ID))
		default:
			span.SetStatus(codes.Ok, "")
		}

		end := s.StartedAt
		if s.EndedAt != nil {
			end = *s.EndedAt
		}
		span.End(trace.WithTimestamp(end))
	}
	return nil
}

func spanAttrs(t model.Trace, s model.Span) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("kiseki.trace_id", string(t.ID)),
		attribute.String("kiseki.span_id", string(s.ID)),
	}
	if s.ParentID != nil {
		attrs = append(attrs, attribute.String("kiseki.parent_id", string(*s.ParentID)))
	}
	if s.ID == t.RootSpanID {
		attrs = append(attrs, attribute.String("kiseki.trace_name", t.Name))
		if t.TokenUsage != nil {
			attrs = append(attrs,
				attribute.Int64("kiseki.usage.input_tokens", t.TokenUsage.InputTokens),
				attribute.Int64("kiseki.usage.output_tokens", t.TokenUsage.OutputTokens),
				attribute.Int64("kiseki.usage.total_tokens", t.TokenUsage.TotalTokens),
			)
		}
	}
	if u, ok := model.TokenUsageFromAttr(s.Attributes[model.AttrTokenUsage]); ok {
		attrs = append(attrs,
			attribute.Int64("kiseki.usage.input_tokens", u.InputTokens),
			attribute.Int64("kiseki.usage.output_tokens", u.OutputTokens),
			attribute.Int64("kiseki.usage.total_tokens", u.TotalTokens),
		)
	}
	for k, v := range s.Attributes {
		if k == model.AttrTokenUsage {
			continue
		}
		attrs = append(attrs, anyAttr(k, v))
	}
	if len(s.Inputs) > 0 {
		attrs = append(attrs, jsonAttr("kiseki.inputs", s.Inputs))
	}
	if len(s.Outputs) > 0 {
		attrs = append(attrs, jsonAttr("kiseki.outputs", s.Outputs))
	}
	return attrs
}

func anyAttr(k string, v any) attribute.KeyValue {
	switch t := v.(type) {
	case string:
		return attribute.String(k, t)
	case bool:
		return attribute.Bool(k, t)
	case int:
		return attribute.Int(k, t)
	case int64:
		return attribute.Int64(k, t)
	case float64:
		return attribute.Float64(k, t)
	default:
		return attribute.String(k, fmt.Sprintf("%v", t))
	}
}

func jsonAttr(k string, v any) attribute.KeyValue {
	data, err := json.Marshal(v)
	if err != nil {
		return attribute.String(k, fmt.Sprintf("%v", v))
	}
	return attribute.String(k, string(data))
}

func anomalyDetail(t model.Trace, id model.SpanID) string {
	for _, a := range t.Anomalies {
		if a.SpanID == id {
			return a.Detail
		}
	}
	return ""
}
