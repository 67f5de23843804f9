package usage

import (
	"context"

	"github.com/jordanhubbard/taskhub/internal/events"
	"github.com/jordanhubbard/taskhub/internal/metrics"
)

// MetricsSink adds usage events to the Prometheus usage counters.
type MetricsSink struct {
	reg *metrics.Registry
}

func NewMetricsSink(reg *metrics.Registry) *MetricsSink {
	return &MetricsSink{reg: reg}
}

func (s *MetricsSink) RecordUsage(_ context.Context, e Event) error {
	s.reg.UsageTokens.WithLabelValues(e.Model, e.Provider).Add(float64(e.EstimatedTokens))
	s.reg.UsageCostUSD.WithLabelValues(e.Model, e.Provider).Add(e.EstimatedCostUSD)
	return nil
}

// BusSink publishes usage events on the event bus.
type BusSink struct {
	bus *events.Bus
}

func NewBusSink(bus *events.Bus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) RecordUsage(_ context.Context, e Event) error {
	s.bus.Publish(events.Event{
		Type:       events.EventUsageRecorded,
		Timestamp:  e.Timestamp,
		TaskKind:   e.TaskKind,
		Tier:       e.Tier,
		UserID:     e.UserID,
		ModelID:    e.Model,
		ProviderID: e.Provider,
		Tokens:     e.EstimatedTokens,
		CostUSD:    e.EstimatedCostUSD,
	})
	return nil
}
