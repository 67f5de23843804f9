package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/taskhub/internal/store"
)

const (
	activityTimeout    = 30 * time.Second
	usageMaxAttempts   = 10
	usageRetryInterval = time.Second
	usageMaxInterval   = time.Minute
)

// UsageWorkflow durably persists one usage event. The store write is
// retried with backoff; if it never succeeds the event is dead-lettered
// and the workflow completes.
func UsageWorkflow(ctx workflow.Context, input UsageInput) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    usageRetryInterval,
			BackoffCoefficient: 2.0,
			MaximumInterval:    usageMaxInterval,
			MaximumAttempts:    usageMaxAttempts,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	err := workflow.ExecuteActivity(ctx, (*Activities).PersistUsage, input.Event).Get(ctx, nil)
	if err == nil {
		return nil
	}

	workflow.GetLogger(ctx).Warn("usage persistence exhausted retries", "event_id", input.Event.ID, "error", err.Error())
	dlCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	_ = workflow.ExecuteActivity(dlCtx, (*Activities).PublishDeadLetter, input.Event, err.Error()).Get(dlCtx, nil)
	return nil
}

// SummaryWorkflow aggregates usage since input.Since and totals it.
func SummaryWorkflow(ctx workflow.Context, input SummaryInput) (SummaryOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var rows []store.UsageSummary
	if err := workflow.ExecuteActivity(ctx, (*Activities).SummarizeUsage, input.Since).Get(ctx, &rows); err != nil {
		return SummaryOutput{}, err
	}

	out := SummaryOutput{Since: input.Since, Rows: rows}
	for _, r := range rows {
		out.Calls += r.Calls
		out.CostUSD += r.EstimatedCostUSD
	}
	return out, nil
}
