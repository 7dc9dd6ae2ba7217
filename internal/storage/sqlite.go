package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kiseki-ai/kiseki/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS traces (
    id           TEXT PRIMARY KEY,
    root_span_id TEXT NOT NULL,
    name         TEXT NOT NULL,
    status       TEXT NOT NULL,
    inputs       TEXT NOT NULL DEFAULT '{}',
    outputs      TEXT NOT NULL DEFAULT '{}',
    attributes   TEXT NOT NULL DEFAULT '{}',
    token_usage  TEXT,
    anomalies    TEXT NOT NULL DEFAULT '[]',
    started_at   TIMESTAMP NOT NULL,
    ended_at     TIMESTAMP
);

CREATE TABLE IF NOT EXISTS spans (
    trace_id   TEXT NOT NULL,
    id         TEXT NOT NULL,
    parent_id  TEXT,
    seq        INTEGER NOT NULL,
    name       TEXT NOT NULL,
    status     TEXT NOT NULL,
    inputs     TEXT NOT NULL DEFAULT '{}',
    outputs    TEXT NOT NULL DEFAULT '{}',
    attributes TEXT NOT NULL DEFAULT '{}',
    started_at TIMESTAMP NOT NULL,
    ended_at   TIMESTAMP,
    PRIMARY KEY (trace_id, id)
);

CREATE INDEX IF NOT EXISTS idx_spans_trace_seq ON spans (trace_id, seq);
CREATE INDEX IF NOT EXISTS idx_traces_started_at ON traces (started_at DESC);
`

// SQLite stores traces in an embedded SQLite database. JSON columns are
// stored as TEXT. The zero-setup default backend.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (or creates) the database file at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent flushes.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

// Export implements Store.
func (s *SQLite) Export(ctx context.Context, cts []model.CompletedTrace) error {
	for _, ct := range cts {
		if err := s.saveTrace(ctx, ct); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) saveTrace(ctx context.Context, ct model.CompletedTrace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin trace tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t := ct.Trace
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO traces (id, root_span_id, name, status, inputs, outputs,
		 attributes, token_usage, anomalies, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.ID), string(t.RootSpanID), t.Name, string(t.Status),
		jsonText(t.Inputs), jsonText(t.Outputs), jsonText(t.Attributes),
		jsonTextOrNil(t.TokenUsage), jsonText(t.Anomalies), t.StartedAt, timePtr(t.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: insert trace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Trace already stored; a retried batch.
		return nil
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO spans (trace_id, id, parent_id, seq, name, status,
		 inputs, outputs, attributes, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: prepare span insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for seq, sp := range ct.Spans {
		if _, err := stmt.ExecContext(ctx,
			string(sp.TraceID), string(sp.ID), spanIDPtr(sp.ParentID), seq, sp.Name, string(sp.Status),
			jsonText(sp.Inputs), jsonText(sp.Outputs), jsonText(sp.Attributes),
			sp.StartedAt, timePtr(sp.EndedAt),
		); err != nil {
			return fmt.Errorf("storage: insert span: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit trace tx: %w", err)
	}
	return nil
}

// GetTrace implements Store.
func (s *SQLite) GetTrace(ctx context.Context, id model.TraceID) (model.CompletedTrace, error) {
	var ct model.CompletedTrace
	t := &ct.Trace

	var traceID, rootSpanID, status string
	var inputs, outputs, attrs, anomalies string
	var tokenUsage sql.NullString
	var endedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, root_span_id, name, status, inputs, outputs, attributes,
		 token_usage, anomalies, started_at, ended_at
		 FROM traces WHERE id = ?`, string(id),
	).Scan(&traceID, &rootSpanID, &t.Name, &status, &inputs, &outputs, &attrs,
		&tokenUsage, &anomalies, &t.StartedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CompletedTrace{}, ErrNotFound
	}
	if err != nil {
		return model.CompletedTrace{}, fmt.Errorf("storage: get trace: %w", err)
	}

	t.ID = model.TraceID(traceID)
	t.RootSpanID = model.SpanID(rootSpanID)
	t.Status = model.TraceStatus(status)
	if endedAt.Valid {
		end := endedAt.Time.UTC()
		t.EndedAt = &end
	}
	if err := unmarshalJSON(inputs, &t.Inputs); err != nil {
		return model.CompletedTrace{}, err
	}
	if err := unmarshalJSON(outputs, &t.Outputs); err != nil {
		return model.CompletedTrace{}, err
	}
	if err := unmarshalJSON(attrs, &t.Attributes); err != nil {
		return model.CompletedTrace{}, err
	}
	if err := unmarshalJSON(anomalies, &t.Anomalies); err != nil {
		return model.CompletedTrace{}, err
	}
	if tokenUsage.Valid {
		var u model.TokenUsage
		if err := unmarshalJSON(tokenUsage.String, &u); err != nil {
			return model.CompletedTrace{}, err
		}
		t.TokenUsage = &u
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, name, status, inputs, outputs, attributes, started_at, ended_at
		 FROM spans WHERE trace_id = ? ORDER BY seq`, string(id),
	)
	if err != nil {
		return model.CompletedTrace{}, fmt.Errorf("storage: get spans: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sp model.Span
		var spanID, spanStatus string
		var parentID sql.NullString
		var spInputs, spOutputs, spAttrs string
		var spEndedAt sql.NullTime
		if err := rows.Scan(&spanID, &parentID, &sp.Name, &spanStatus,
			&spInputs, &spOutputs, &spAttrs, &sp.StartedAt, &spEndedAt); err != nil {
			return model.CompletedTrace{}, fmt.Errorf("storage: scan span: %w", err)
		}
		sp.ID = model.SpanID(spanID)
		sp.TraceID = id
		sp.Status = model.SpanStatus(spanStatus)
		if parentID.Valid {
			pid := model.SpanID(parentID.String)
			sp.ParentID = &pid
		}
		if spEndedAt.Valid {
			end := spEndedAt.Time.UTC()
			sp.EndedAt = &end
		}
		if err := unmarshalJSON(spInputs, &sp.Inputs); err != nil {
			return model.CompletedTrace{}, err
		}
		if err := unmarshalJSON(spOutputs, &sp.Outputs); err != nil {
			return model.CompletedTrace{}, err
		}
		if err := unmarshalJSON(spAttrs, &sp.Attributes); err != nil {
			return model.CompletedTrace{}, err
		}
		ct.Spans = append(ct.Spans, sp)
	}
	if err := rows.Err(); err != nil {
		return model.CompletedTrace{}, fmt.Errorf("storage: get spans: %w", err)
	}
	return ct, nil
}

// ListRecent implements Store.
func (s *SQLite) ListRecent(ctx context.Context, limit int) ([]model.TraceSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.root_span_id, t.status, t.started_at, t.ended_at,
		 t.token_usage, t.anomalies,
		 (SELECT count(*) FROM spans sp WHERE sp.trace_id = t.id)
		 FROM traces t ORDER BY t.started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var out []model.TraceSummary
	for rows.Next() {
		var sum model.TraceSummary
		var traceID, rootSpanID, status, anomalies string
		var tokenUsage sql.NullString
		var startedAt time.Time
		var endedAt sql.NullTime
		var spanCount int
		if err := rows.Scan(&traceID, &rootSpanID, &status, &startedAt, &endedAt,
			&tokenUsage, &anomalies, &spanCount); err != nil {
			return nil, fmt.Errorf("storage: scan trace summary: %w", err)
		}
		sum.TraceID = model.TraceID(traceID)
		sum.RootSpanID = model.SpanID(rootSpanID)
		sum.Status = model.TraceStatus(status)
		sum.SpanCount = spanCount
		if endedAt.Valid {
			sum.Duration = endedAt.Time.Sub(startedAt)
		}
		if err := unmarshalJSON(anomalies, &sum.Anomalies); err != nil {
			return nil, err
		}
		if tokenUsage.Valid {
			var u model.TokenUsage
			if err := unmarshalJSON(tokenUsage.String, &u); err != nil {
				return nil, err
			}
			sum.TokenUsage = &u
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}

func jsonText(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func jsonTextOrNil(u *model.TokenUsage) *string {
	if u == nil {
		return nil
	}
	s := jsonText(u)
	return &s
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func unmarshalJSON(data string, v any) error {
	if data == "" || data == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("storage: decode JSON column: %w", err)
	}
	return nil
}
