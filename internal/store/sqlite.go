package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jordanhubbard/taskhub/internal/policy"
	"github.com/jordanhubbard/taskhub/internal/router"
	"github.com/jordanhubbard/taskhub/internal/usage"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// An in-memory database exists per connection; pin it to one.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS policy_overrides (
			tier TEXT NOT NULL,
			task_kind TEXT NOT NULL,
			model TEXT NOT NULL,
			parameters TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tier, task_kind)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			task_kind TEXT NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			tier TEXT NOT NULL,
			estimated_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost_usd REAL NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_timestamp ON usage_events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_user ON usage_events(user_id)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Timestamps are stored as fixed-width RFC 3339 text so that lexical order
// matches chronological order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func encodeParameters(p *router.ParameterOverrides) (string, error) {
	if p.IsZero() {
		return "", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal override parameters: %w", err)
	}
	return string(b), nil
}

func decodeParameters(raw string) (*router.ParameterOverrides, error) {
	if raw == "" {
		return nil, nil
	}
	var p router.ParameterOverrides
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("unmarshal override parameters: %w", err)
	}
	return &p, nil
}

// Policy overrides

func (s *SQLiteStore) ListActiveOverrides(ctx context.Context) ([]policy.Record, error) {
	return s.listOverrides(ctx, `WHERE active = 1`)
}

func (s *SQLiteStore) ListOverrides(ctx context.Context) ([]policy.Record, error) {
	return s.listOverrides(ctx, ``)
}

func (s *SQLiteStore) listOverrides(ctx context.Context, where string) ([]policy.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, task_kind, model, parameters, active, updated_at FROM policy_overrides `+where+
			` ORDER BY updated_at ASC, tier, task_kind`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []policy.Record
	for rows.Next() {
		var r policy.Record
		var params, updated string
		var active int
		if err := rows.Scan(&r.Tier, &r.TaskKind, &r.Model, &params, &active, &updated); err != nil {
			return nil, err
		}
		if r.Parameters, err = decodeParameters(params); err != nil {
			return nil, err
		}
		r.Active = active != 0
		r.UpdatedAt = parseTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertOverride(ctx context.Context, r policy.Record) error {
	params, err := encodeParameters(r.Parameters)
	if err != nil {
		return err
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	active := 0
	if r.Active {
		active = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_overrides (tier, task_kind, model, parameters, active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tier, task_kind) DO UPDATE SET
		   model=excluded.model,
		   parameters=excluded.parameters,
		   active=excluded.active,
		   updated_at=excluded.updated_at`,
		r.Tier, r.TaskKind, r.Model, params, active, formatTime(r.UpdatedAt))
	return err
}

func (s *SQLiteStore) DeleteOverride(ctx context.Context, tier, taskKind string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM policy_overrides WHERE tier = ? AND task_kind = ?`, tier, taskKind)
	return err
}

// Usage

func (s *SQLiteStore) RecordUsage(ctx context.Context, e usage.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_events (id, user_id, task_kind, model, provider, tier, estimated_tokens, estimated_cost_usd, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		e.ID, e.UserID, e.TaskKind, e.Model, e.Provider, e.Tier,
		e.EstimatedTokens, e.EstimatedCostUSD, formatTime(e.Timestamp))
	return err
}

func (s *SQLiteStore) ListUsage(ctx context.Context, f UsageFilter) ([]usage.Event, error) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.TaskKind != "" {
		conds = append(conds, "task_kind = ?")
		args = append(args, f.TaskKind)
	}
	if f.Tier != "" {
		conds = append(conds, "tier = ?")
		args = append(args, f.Tier)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, formatTime(f.Since))
	}
	q := `SELECT id, user_id, task_kind, model, provider, tier, estimated_tokens, estimated_cost_usd, timestamp FROM usage_events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, normalizeLimit(f.Limit), f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []usage.Event
	for rows.Next() {
		var e usage.Event
		var ts string
		if err := rows.Scan(&e.ID, &e.UserID, &e.TaskKind, &e.Model, &e.Provider, &e.Tier,
			&e.EstimatedTokens, &e.EstimatedCostUSD, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SummarizeUsage(ctx context.Context, since time.Time) ([]UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, task_kind, model,
		 COUNT(*) AS calls,
		 COALESCE(SUM(estimated_tokens), 0) AS tokens,
		 COALESCE(SUM(estimated_cost_usd), 0) AS cost
		 FROM usage_events
		 WHERE timestamp >= ?
		 GROUP BY tier, task_kind, model
		 ORDER BY cost DESC, tier, task_kind, model`, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []UsageSummary
	for rows.Next() {
		var u UsageSummary
		if err := rows.Scan(&u.Tier, &u.TaskKind, &u.Model, &u.Calls, &u.EstimatedTokens, &u.EstimatedCostUSD); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Audit Logs

func (s *SQLiteStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?)`,
		formatTime(entry.Timestamp), entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id
		 FROM audit_logs ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`, normalizeLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []AuditEntry
	for rows.Next() {
		var l AuditEntry
		var ts string
		if err := rows.Scan(&l.ID, &ts, &l.Action, &l.Resource, &l.Detail, &l.RequestID); err != nil {
			return nil, err
		}
		l.Timestamp = parseTime(ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
