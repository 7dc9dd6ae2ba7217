// Package storage persists finalized traces for the collector.
//
// Two backends are supported: PostgreSQL (via pgxpool, for deployments) and
// embedded SQLite (via modernc.org/sqlite, zero-setup default). Both satisfy
// Store, which is also a sink.Exporter so the collector's buffer can flush
// straight into it.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiseki-ai/kiseki/internal/model"
)

// Store is a durable trace backend.
type Store interface {
	// Export writes a batch of finalized traces. It is idempotent: re-sending
	// a trace already stored is not an error, so the buffer can safely retry
	// a batch after a partial failure.
	Export(ctx context.Context, cts []model.CompletedTrace) error

	// GetTrace loads one stored trace with all its spans in creation order.
	// Returns ErrNotFound when the trace is not stored.
	GetTrace(ctx context.Context, id model.TraceID) (model.CompletedTrace, error)

	// ListRecent returns summaries of the most recently started traces,
	// newest first.
	ListRecent(ctx context.Context, limit int) ([]model.TraceSummary, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open creates a Store from a database URL. postgres:// and postgresql://
// URLs open a PostgreSQL pool; anything else is treated as a SQLite path
// (optionally prefixed sqlite://).
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (Store, error) {
	switch {
	case databaseURL == "":
		return nil, fmt.Errorf("storage: database URL is required")
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgres(ctx, databaseURL, logger)
	default:
		return NewSQLite(ctx, strings.TrimPrefix(databaseURL, "sqlite://"), logger)
	}
}
