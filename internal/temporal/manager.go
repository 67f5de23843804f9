package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"github.com/jordanhubbard/taskhub/internal/usage"
)

// summaryRunTimeout bounds a SummaryWorkflow so an admin request never waits
// on a stuck worker forever.
const summaryRunTimeout = 2 * time.Minute

type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
	// Logger receives SDK and workflow logs. nil uses slog.Default.
	Logger *slog.Logger
}

// Manager owns the Temporal client and the worker that runs usage
// persistence and summary workflows.
type Manager struct {
	client    client.Client
	worker    worker.Worker
	taskQueue string
}

func New(cfg Config, acts *Activities) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    tlog.NewStructuredLogger(logger.With(slog.String("component", "temporal"))),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(UsageWorkflow)
	w.RegisterWorkflow(SummaryWorkflow)
	w.RegisterActivity(acts)

	return &Manager{client: c, worker: w, taskQueue: cfg.TaskQueue}, nil
}

// Start begins polling the task queue.
func (m *Manager) Start() error {
	return m.worker.Start()
}

// UsageSink returns a usage.Sink that hands events to UsageWorkflow.
func (m *Manager) UsageSink() *UsageSink {
	return NewUsageSink(m.client, m.taskQueue)
}

// Summarize runs SummaryWorkflow and waits for the totals. Concurrent
// requests for the same window share one run.
func (m *Manager) Summarize(ctx context.Context, since time.Time) (SummaryOutput, error) {
	run, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("usage-summary-%d", since.Unix()),
		TaskQueue:                m.taskQueue,
		WorkflowExecutionTimeout: summaryRunTimeout,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}, SummaryWorkflow, SummaryInput{Since: since})
	if err != nil {
		return SummaryOutput{}, fmt.Errorf("start summary workflow: %w", err)
	}
	var out SummaryOutput
	if err := run.Get(ctx, &out); err != nil {
		return SummaryOutput{}, fmt.Errorf("summary workflow: %w", err)
	}
	return out, nil
}

func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}

// WorkflowStarter is the part of client.Client the sink needs.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (client.WorkflowRun, error)
}

// UsageSink starts one UsageWorkflow per event. The workflow ID derives
// from the event ID, so a re-delivered event does not start a second run
// while the first is open.
type UsageSink struct {
	starter   WorkflowStarter
	taskQueue string
}

func NewUsageSink(starter WorkflowStarter, taskQueue string) *UsageSink {
	return &UsageSink{starter: starter, taskQueue: taskQueue}
}

var _ usage.Sink = (*UsageSink)(nil)

func (s *UsageSink) RecordUsage(ctx context.Context, e usage.Event) error {
	_, err := s.starter.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "usage-" + e.ID,
		TaskQueue: s.taskQueue,
	}, UsageWorkflow, UsageInput{Event: e})
	if err != nil {
		return fmt.Errorf("start usage workflow: %w", err)
	}
	return nil
}
