package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kiseki-ai/kiseki/internal/model"
	"github.com/kiseki-ai/kiseki/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered traces to prevent
// OOM. When reached, Enqueue applies backpressure by returning an error.
const maxBufferCapacity = 10_000

// Buffer accumulates completed traces in memory and flushes them to an
// Exporter when either the batch size or the flush interval is reached.
// It implements Sink.
type Buffer struct {
	exporter      Exporter
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu     sync.Mutex
	queue  []model.CompletedTrace
	closed bool

	droppedTraces atomic.Int64 // traces dropped after a failed flush left no room to requeue

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates a buffer flushing to exp. maxSize triggers a flush when
// the queue reaches it; flushInterval bounds how long a trace can sit
// unflushed.
func NewBuffer(exp Exporter, logger *slog.Logger, maxSize int, flushInterval time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = 64
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Buffer{
		exporter:      exp,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL gauges. Call
// Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Enqueue implements Sink. It returns an error when the buffer is at
// capacity or already drained; the trace itself remains readable in the
// registry either way.
func (b *Buffer) Enqueue(_ context.Context, ct model.CompletedTrace) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("sink: buffer is drained")
	}
	if len(b.queue) >= maxBufferCapacity {
		return fmt.Errorf("sink: buffer at capacity (%d traces), try again later", len(b.queue))
	}

	b.queue = append(b.queue, ct)

	if len(b.queue) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush with the drain context: ctx is already done, and
			// the caller's Drain deadline is the one that should apply.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	start := time.Now()
	err := b.exporter.Export(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("sink: flush failed", "error", err, "batch_size", len(batch))
		// Requeue for retry, respecting the capacity cap.
		b.mu.Lock()
		if len(b.queue)+len(batch) <= maxBufferCapacity {
			b.queue = append(batch, b.queue...)
		} else {
			b.droppedTraces.Add(int64(len(batch)))
			b.logger.Error("sink: dropping traces, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("sink: batch flushed",
		"batch_size", len(batch),
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain stops the flush loop, performs a final flush bounded by ctx, and
// rejects further Enqueue calls. Safe to call once.
func (b *Buffer) Drain(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("sink: drain timed out waiting for flush loop")
	}
}

// Len returns the number of traces currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// DroppedTraces returns the total number of traces dropped after flush
// failures exhausted the buffer capacity. Non-zero means data loss.
func (b *Buffer) DroppedTraces() int64 {
	return b.droppedTraces.Load()
}

// registerMetrics registers observable OTEL gauges for buffer health.
// Called from Start, after the global meter provider is initialized.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kiseki/sink")

	_, _ = meter.Int64ObservableGauge("kiseki.sink.buffer_depth",
		metric.WithDescription("Current number of traces in the export buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kiseki.sink.dropped_total",
		metric.WithDescription("Total traces dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedTraces())
			return nil
		}),
	)
}
