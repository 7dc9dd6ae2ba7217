// Package sink delivers finalized traces to tracking backends.
//
// The lifecycle controller hands each completed trace to a Sink; the core
// never performs network or disk I/O on the caller's hot path itself. The
// Buffer sink batches in memory and flushes asynchronously to an Exporter
// (a durable store, a remote collector, or an OTLP bridge).
package sink

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/kiseki-ai/kiseki/internal/model"
)

// Sink accepts finalized traces from the lifecycle controller. Enqueue must
// be fast and non-blocking apart from short in-memory critical sections.
type Sink interface {
	Enqueue(ctx context.Context, ct model.CompletedTrace) error
}

// Exporter ships a batch of finalized traces to a backend. Implementations
// may block (network, disk); they are only ever called off the hot path.
type Exporter interface {
	Export(ctx context.Context, cts []model.CompletedTrace) error
}

// Nop is a Sink that discards everything. Used when no exporter is
// configured: traces then live only in the in-process registry.
type Nop struct{}

// Enqueue implements Sink.
func (Nop) Enqueue(context.Context, model.CompletedTrace) error { return nil }

// Multi fans a batch out to several exporters concurrently. Export returns
// the first error but always waits for every exporter, so a slow backend
// cannot leave another's delivery in flight.
type Multi []Exporter

// Export implements Exporter.
func (m Multi) Export(ctx context.Context, cts []model.CompletedTrace) error {
	if len(m) == 1 {
		return m[0].Export(ctx, cts)
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, exp := range m {
		exp := exp
		g.Go(func() error {
			return exp.Export(ctx, cts)
		})
	}
	return g.Wait()
}
