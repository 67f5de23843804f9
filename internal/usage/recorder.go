// Package usage records per-call accounting events. Recording never blocks
// the caller and never fails a request.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jordanhubbard/taskhub/internal/clock"
	"github.com/jordanhubbard/taskhub/internal/router"
)

// DefaultTimeout bounds a single fan-out to all sinks.
const DefaultTimeout = 5 * time.Second

// Event is a write-once usage record.
type Event struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	TaskKind         string    `json:"task_kind"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	Tier             string    `json:"tier"`
	EstimatedTokens  int       `json:"estimated_tokens"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	Timestamp        time.Time `json:"timestamp"`
}

// Sink persists or forwards usage events.
type Sink interface {
	RecordUsage(ctx context.Context, e Event) error
}

// Recorder builds usage events and fans them out to every sink in the
// background.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	clk     clock.Clock
	pricing *Pricing

	wg sync.WaitGroup
}

// Option configures a Recorder.
type Option func(*Recorder)

func WithTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Recorder) { r.clk = c }
}

func WithPricing(p *Pricing) Option {
	return func(r *Recorder) { r.pricing = p }
}

// NewRecorder creates a Recorder. Sinks are fixed at construction.
func NewRecorder(sinks []Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sinks:   sinks,
		timeout: DefaultTimeout,
		clk:     clock.System{},
		pricing: DefaultPricing(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Build computes the usage event for one call without emitting it.
func (r *Recorder) Build(userID string, kind router.TaskKind, model router.ModelDescriptor, tier router.Tier) Event {
	tokens := r.pricing.EstimateTokens(kind)
	return Event{
		ID:               uuid.NewString(),
		UserID:           userID,
		TaskKind:         string(kind),
		Model:            model.ID,
		Provider:         string(model.Provider),
		Tier:             string(tier),
		EstimatedTokens:  tokens,
		EstimatedCostUSD: r.pricing.EstimateCost(model.ID, tokens),
		Timestamp:        r.clk.Now().UTC(),
	}
}

// Record implements router.UsageRecorder. It returns immediately; the
// event is emitted on a background goroutine.
func (r *Recorder) Record(userID string, kind router.TaskKind, model router.ModelDescriptor, tier router.Tier) {
	e := r.Build(userID, kind, model, tier)
	if len(r.sinks) == 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.emit(e)
	}()
}

func (r *Recorder) emit(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range r.sinks {
		g.Go(func() error {
			if err := s.RecordUsage(ctx, e); err != nil {
				slog.Warn("usage sink failed",
					slog.String("sink", fmt.Sprintf("%T", s)),
					slog.String("event_id", e.ID),
					slog.String("error", err.Error()),
				)
				return err
			}
			return nil
		})
	}
	// Sink failures are already logged individually.
	_ = g.Wait()
}

// Wait blocks until every in-flight emission has finished.
func (r *Recorder) Wait() {
	r.wg.Wait()
}
