package store

import (
	"context"
	"time"

	"github.com/jordanhubbard/taskhub/internal/policy"
	"github.com/jordanhubbard/taskhub/internal/usage"
)

// Store defines the persistence interface for taskhub. A Store is both the
// remote configuration source for policy overrides and a usage sink.
type Store interface {
	// Policy overrides
	ListActiveOverrides(ctx context.Context) ([]policy.Record, error)
	ListOverrides(ctx context.Context) ([]policy.Record, error)
	UpsertOverride(ctx context.Context, r policy.Record) error
	DeleteOverride(ctx context.Context, tier, taskKind string) error

	// Usage
	RecordUsage(ctx context.Context, e usage.Event) error
	ListUsage(ctx context.Context, f UsageFilter) ([]usage.Event, error)
	SummarizeUsage(ctx context.Context, since time.Time) ([]UsageSummary, error)

	// Audit logging
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// UsageFilter narrows ListUsage. Empty fields match everything.
type UsageFilter struct {
	UserID   string
	TaskKind string
	Tier     string
	Since    time.Time
	Limit    int
	Offset   int
}

// UsageSummary aggregates usage events per (tier, task kind, model).
type UsageSummary struct {
	Tier             string  `json:"tier"`
	TaskKind         string  `json:"task_kind"`
	Model            string  `json:"model"`
	Calls            int64   `json:"calls"`
	EstimatedTokens  int64   `json:"estimated_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// AuditEntry captures an admin mutation for audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`               // e.g. "override.upsert", "override.delete", "policy.refresh"
	Resource  string    `json:"resource"`             // e.g. "creator/caption_writing"
	Detail    string    `json:"detail,omitempty"`     // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"` // correlates to HTTP request ID
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
