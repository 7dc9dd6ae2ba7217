package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiseki-ai/kiseki/internal/model"
	"github.com/kiseki-ai/kiseki/migrations"
)

// Postgres stores traces in PostgreSQL through a pgxpool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres opens a connection pool, verifies connectivity, and applies
// pending schema migrations.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	p := &Postgres{pool: pool, logger: logger}
	if err := p.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// runMigrations applies unapplied embedded SQL files in filename order,
// tracking them in schema_migrations so each runs at most once.
func (p *Postgres) runMigrations(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := p.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	for _, name := range migrations.Files() {
		if applied[name] {
			continue
		}
		content, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		p.logger.Info("running migration", "file", name)
		if _, err := p.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := p.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}
	return nil
}

// Export implements Store. Each trace is written in its own transaction;
// already-stored traces are skipped, so retried batches are harmless.
func (p *Postgres) Export(ctx context.Context, cts []model.CompletedTrace) error {
	for _, ct := range cts {
		if err := p.saveTrace(ctx, ct); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) saveTrace(ctx context.Context, ct model.CompletedTrace) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin trace tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t := ct.Trace
	tag, err := tx.Exec(ctx,
		`INSERT INTO traces (id, root_span_id, name, status, inputs, outputs, attributes,
		 token_usage, anomalies, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		string(t.ID), string(t.RootSpanID), t.Name, string(t.Status),
		orEmpty(t.Inputs), orEmpty(t.Outputs), orEmpty(t.Attributes),
		t.TokenUsage, orEmptyAnomalies(t.Anomalies), t.StartedAt, t.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert trace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Trace already stored; a retried batch.
		return nil
	}

	batch := &pgx.Batch{}
	for seq, s := range ct.Spans {
		batch.Queue(
			`INSERT INTO spans (trace_id, id, parent_id, seq, name, status,
			 inputs, outputs, attributes, started_at, ended_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (trace_id, id) DO NOTHING`,
			string(s.TraceID), string(s.ID), spanIDPtr(s.ParentID), seq, s.Name, string(s.Status),
			orEmpty(s.Inputs), orEmpty(s.Outputs), orEmpty(s.Attributes), s.StartedAt, s.EndedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("storage: insert spans: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit trace tx: %w", err)
	}
	return nil
}

// GetTrace implements Store.
func (p *Postgres) GetTrace(ctx context.Context, id model.TraceID) (model.CompletedTrace, error) {
	var ct model.CompletedTrace
	t := &ct.Trace

	var traceID, rootSpanID, status string
	err := p.pool.QueryRow(ctx,
		`SELECT id, root_span_id, name, status, inputs, outputs, attributes,
		 token_usage, anomalies, started_at, ended_at
		 FROM traces WHERE id = $1`, string(id),
	).Scan(&traceID, &rootSpanID, &t.Name, &status, &t.Inputs, &t.Outputs, &t.Attributes,
		&t.TokenUsage, &t.Anomalies, &t.StartedAt, &t.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CompletedTrace{}, ErrNotFound
	}
	if err != nil {
		return model.CompletedTrace{}, fmt.Errorf("storage: get trace: %w", err)
	}
	t.ID = model.TraceID(traceID)
	t.RootSpanID = model.SpanID(rootSpanID)
	t.Status = model.TraceStatus(status)

	rows, err := p.pool.Query(ctx,
		`SELECT id, parent_id, name, status, inputs, outputs, attributes, started_at, ended_at
		 FROM spans WHERE trace_id = $1 ORDER BY seq`, string(id),
	)
	if err != nil {
		return model.CompletedTrace{}, fmt.Errorf("storage: get spans: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s model.Span
		var spanID, spanStatus string
		var parentID *string
		if err := rows.Scan(&spanID, &parentID, &s.Name, &spanStatus,
			&s.Inputs, &s.Outputs, &s.Attributes, &s.StartedAt, &s.EndedAt); err != nil {
			return model.CompletedTrace{}, fmt.Errorf("storage: scan span: %w", err)
		}
		s.ID = model.SpanID(spanID)
		s.TraceID = id
		s.Status = model.SpanStatus(spanStatus)
		if parentID != nil {
			pid := model.SpanID(*parentID)
			s.ParentID = &pid
		}
		ct.Spans = append(ct.Spans, s)
	}
	if err := rows.Err(); err != nil {
		return model.CompletedTrace{}, fmt.Errorf("storage: get spans: %w", err)
	}
	return ct, nil
}

// ListRecent implements Store.
func (p *Postgres) ListRecent(ctx context.Context, limit int) ([]model.TraceSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT t.id, t.root_span_id, t.status, t.started_at, t.ended_at,
		 t.token_usage, t.anomalies,
		 (SELECT count(*) FROM spans s WHERE s.trace_id = t.id)
		 FROM traces t ORDER BY t.started_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var out []model.TraceSummary
	for rows.Next() {
		var sum model.TraceSummary
		var traceID, rootSpanID, status string
		var startedAt time.Time
		var endedAt *time.Time
		var spanCount int64
		if err := rows.Scan(&traceID, &rootSpanID, &status, &startedAt, &endedAt,
			&sum.TokenUsage, &sum.Anomalies, &spanCount); err != nil {
			return nil, fmt.Errorf("storage: scan trace summary: %w", err)
		}
		sum.TraceID = model.TraceID(traceID)
		sum.RootSpanID = model.SpanID(rootSpanID)
		sum.Status = model.TraceStatus(status)
		sum.SpanCount = int(spanCount)
		if endedAt != nil {
			sum.Duration = endedAt.Sub(startedAt)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close implements Store.
func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyAnomalies(a []model.Anomaly) []model.Anomaly {
	if a == nil {
		return []model.Anomaly{}
	}
	return a
}

func spanIDPtr(id *model.SpanID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
