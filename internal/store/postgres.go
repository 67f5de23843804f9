package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jordanhubbard/taskhub/internal/policy"
	"github.com/jordanhubbard/taskhub/internal/usage"
)

// PostgresStore implements Store on PostgreSQL via pgx. It is the shared
// configuration store when several replicas run against one database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at databaseURL.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS policy_overrides (
			tier TEXT NOT NULL,
			task_kind TEXT NOT NULL,
			model TEXT NOT NULL,
			parameters JSONB,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tier, task_kind)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_events (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			task_kind TEXT NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			tier TEXT NOT NULL,
			estimated_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_timestamp ON usage_events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_user ON usage_events(user_id)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Policy overrides

func (s *PostgresStore) ListActiveOverrides(ctx context.Context) ([]policy.Record, error) {
	return s.listOverrides(ctx, `WHERE active`)
}

func (s *PostgresStore) ListOverrides(ctx context.Context) ([]policy.Record, error) {
	return s.listOverrides(ctx, ``)
}

func (s *PostgresStore) listOverrides(ctx context.Context, where string) ([]policy.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tier, task_kind, model, COALESCE(parameters::text, ''), active, updated_at
		 FROM policy_overrides `+where+` ORDER BY updated_at ASC, tier, task_kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Record
	for rows.Next() {
		var r policy.Record
		var params string
		if err := rows.Scan(&r.Tier, &r.TaskKind, &r.Model, &params, &r.Active, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if r.Parameters, err = decodeParameters(params); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertOverride(ctx context.Context, r policy.Record) error {
	params, err := encodeParameters(r.Parameters)
	if err != nil {
		return err
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	var paramsArg any
	if params != "" {
		paramsArg = params
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO policy_overrides (tier, task_kind, model, parameters, active, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		 ON CONFLICT (tier, task_kind) DO UPDATE SET
		   model = EXCLUDED.model,
		   parameters = EXCLUDED.parameters,
		   active = EXCLUDED.active,
		   updated_at = EXCLUDED.updated_at`,
		r.Tier, r.TaskKind, r.Model, paramsArg, r.Active, r.UpdatedAt.UTC())
	return err
}

func (s *PostgresStore) DeleteOverride(ctx context.Context, tier, taskKind string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM policy_overrides WHERE tier = $1 AND task_kind = $2`, tier, taskKind)
	return err
}

// Usage

func (s *PostgresStore) RecordUsage(ctx context.Context, e usage.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_events (id, user_id, task_kind, model, provider, tier, estimated_tokens, estimated_cost_usd, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.UserID, e.TaskKind, e.Model, e.Provider, e.Tier,
		e.EstimatedTokens, e.EstimatedCostUSD, e.Timestamp.UTC())
	return err
}

func (s *PostgresStore) ListUsage(ctx context.Context, f UsageFilter) ([]usage.Event, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.TaskKind != "" {
		add("task_kind = $%d", f.TaskKind)
	}
	if f.Tier != "" {
		add("tier = $%d", f.Tier)
	}
	if !f.Since.IsZero() {
		add("timestamp >= $%d", f.Since.UTC())
	}
	q := `SELECT id::text, user_id, task_kind, model, provider, tier, estimated_tokens, estimated_cost_usd, timestamp FROM usage_events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, normalizeLimit(f.Limit), f.Offset)
	q += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (usage.Event, error) {
		var e usage.Event
		err := row.Scan(&e.ID, &e.UserID, &e.TaskKind, &e.Model, &e.Provider, &e.Tier,
			&e.EstimatedTokens, &e.EstimatedCostUSD, &e.Timestamp)
		return e, err
	})
}

func (s *PostgresStore) SummarizeUsage(ctx context.Context, since time.Time) ([]UsageSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tier, task_kind, model,
		 COUNT(*) AS calls,
		 COALESCE(SUM(estimated_tokens), 0)::bigint AS tokens,
		 COALESCE(SUM(estimated_cost_usd), 0) AS cost
		 FROM usage_events
		 WHERE timestamp >= $1
		 GROUP BY tier, task_kind, model
		 ORDER BY cost DESC, tier, task_kind, model`, since.UTC())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[UsageSummary])
}

// Audit Logs

func (s *PostgresStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.Timestamp.UTC(), entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id
		 FROM audit_logs ORDER BY timestamp DESC, id DESC LIMIT $1 OFFSET $2`, normalizeLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[AuditEntry])
}
