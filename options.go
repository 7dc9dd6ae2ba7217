package kiseki

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Client.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported, callers use the With* functions.
type resolvedOptions struct {
	logger        *slog.Logger
	clock         clockz.Clock
	exporters     []exporterSpec
	bufferSize    int
	flushInterval time.Duration
}

// exporterSpec defers exporter construction to New so option order does not
// matter and construction errors surface from New.
type exporterSpec struct {
	custom       Exporter
	collectorURL string
	apiKey       string
	httpClient   *http.Client
	otelProvider trace.TracerProvider
}

// WithLogger sets the structured logger for the Client.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithClock overrides the clock used for all timestamps. Intended for tests;
// production clients use the real clock.
func WithClock(clock clockz.Clock) Option {
	return func(o *resolvedOptions) { o.clock = clock }
}

// WithExporter registers a custom exporter for finalized traces.
// Multiple exporters may be registered; every finalized trace goes to all of
// them.
func WithExporter(exp Exporter) Option {
	return func(o *resolvedOptions) {
		o.exporters = append(o.exporters, exporterSpec{custom: exp})
	}
}

// WithCollector ships finalized traces to a kiseki collector (kisekid) over
// HTTP. apiKey may be empty when the collector runs without auth.
func WithCollector(baseURL, apiKey string) Option {
	return func(o *resolvedOptions) {
		o.exporters = append(o.exporters, exporterSpec{collectorURL: baseURL, apiKey: apiKey})
	}
}

// WithCollectorClient is WithCollector with a caller-supplied http.Client,
// for custom TLS or proxy setups.
func WithCollectorClient(baseURL, apiKey string, client *http.Client) Option {
	return func(o *resolvedOptions) {
		o.exporters = append(o.exporters, exporterSpec{collectorURL: baseURL, apiKey: apiKey, httpClient: client})
	}
}

// WithOTLP replays finalized traces through an OpenTelemetry tracer provider,
// so any OTLP-capable backend can ingest them alongside its other traces.
func WithOTLP(tp trace.TracerProvider) Option {
	return func(o *resolvedOptions) {
		o.exporters = append(o.exporters, exporterSpec{otelProvider: tp})
	}
}

// WithBufferSize sets the number of finalized traces that triggers an export
// flush. Defaults to 64.
func WithBufferSize(n int) Option {
	return func(o *resolvedOptions) { o.bufferSize = n }
}

// WithFlushInterval bounds how long a finalized trace can sit in the export
// buffer. Defaults to one second.
func WithFlushInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.flushInterval = d }
}

// ── Per-call options ───────────────────────────────────────────────────────────

// CallOption carries optional data on start and end operations. Options that
// do not apply to an operation are ignored: WithParent and WithInputs matter
// on starts, WithOutputs, WithStatus and WithTokenUsage on ends,
// WithAttributes on both.
type CallOption func(*callOptions)

type callOptions struct {
	parent     *SpanID
	inputs     map[string]any
	outputs    map[string]any
	attributes map[string]any
	status     Status
	usage      *TokenUsage
}

func applyCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithParent places a new span under the given parent span. Without it, new
// spans attach to the trace's root span.
func WithParent(id SpanID) CallOption {
	return func(o *callOptions) { o.parent = &id }
}

// WithInputs attaches input data to a starting trace or span.
func WithInputs(inputs map[string]any) CallOption {
	return func(o *callOptions) { o.inputs = inputs }
}

// WithOutputs attaches output data to an ending trace or span.
func WithOutputs(outputs map[string]any) CallOption {
	return func(o *callOptions) { o.outputs = outputs }
}

// WithAttributes attaches metadata. On an end operation the values merge over
// start-time attributes, end-time values winning per key.
func WithAttributes(attrs map[string]any) CallOption {
	return func(o *callOptions) { o.attributes = attrs }
}

// WithStatus sets the terminal status for an end operation. Defaults to
// StatusOK.
func WithStatus(status Status) CallOption {
	return func(o *callOptions) { o.status = status }
}

// WithTokenUsage records token consumption on an ending span. The trace-level
// total is aggregated from these at EndTrace.
func WithTokenUsage(u TokenUsage) CallOption {
	return func(o *callOptions) { o.usage = &u }
}
