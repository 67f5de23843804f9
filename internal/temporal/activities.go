package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/jordanhubbard/taskhub/internal/events"
	"github.com/jordanhubbard/taskhub/internal/store"
	"github.com/jordanhubbard/taskhub/internal/usage"
)

// UsageStore is the persistence the activities need.
type UsageStore interface {
	RecordUsage(ctx context.Context, e usage.Event) error
	SummarizeUsage(ctx context.Context, since time.Time) ([]store.UsageSummary, error)
}

// Activities holds dependencies for Temporal activity implementations.
type Activities struct {
	Store    UsageStore
	EventBus *events.Bus
}

// PersistUsage writes one usage event. Store writes are idempotent on the
// event ID, so retries are safe.
func (a *Activities) PersistUsage(ctx context.Context, e usage.Event) error {
	if a.Store == nil {
		return fmt.Errorf("persist usage: no store configured")
	}
	if err := a.Store.RecordUsage(ctx, e); err != nil {
		info := activity.GetInfo(ctx)
		slog.Warn("persist usage failed",
			slog.String("event_id", e.ID),
			slog.Int("attempt", int(info.Attempt)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("persist usage: %w", err)
	}
	return nil
}

// SummarizeUsage aggregates usage since the given time.
func (a *Activities) SummarizeUsage(ctx context.Context, since time.Time) ([]store.UsageSummary, error) {
	if a.Store == nil {
		return nil, fmt.Errorf("summarize usage: no store configured")
	}
	rows, err := a.Store.SummarizeUsage(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	return rows, nil
}

// PublishDeadLetter reports a usage event that exhausted its retries.
func (a *Activities) PublishDeadLetter(ctx context.Context, e usage.Event, reason string) error {
	slog.Error("usage event dropped after retries",
		slog.String("event_id", e.ID),
		slog.String("task_kind", e.TaskKind),
		slog.String("reason", reason),
	)
	if a.EventBus != nil {
		a.EventBus.Publish(events.Event{
			Type:     events.EventUsageDropped,
			TaskKind: e.TaskKind,
			Tier:     e.Tier,
			UserID:   e.UserID,
			ModelID:  e.Model,
			ErrorMsg: reason,
		})
	}
	return nil
}
