package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/taskhub/internal/clock"
	"github.com/jordanhubbard/taskhub/internal/events"
	"github.com/jordanhubbard/taskhub/internal/metrics"
	"github.com/jordanhubbard/taskhub/internal/router"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (s *memSink) RecordUsage(ctx context.Context, e Event) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) recorded() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

var now = time.Date(2026, 7, 4, 10, 30, 0, 0, time.UTC)

func TestRecordFansOutToAllSinks(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	r := NewRecorder([]Sink{a, b}, WithClock(clock.NewFake(now)))

	r.Record("user-1", router.KindHashtagGeneration, router.MustParseModel("gpt-4.1-mini"), router.TierCreator)
	r.Wait()

	for _, s := range []*memSink{a, b} {
		got := s.recorded()
		require.Len(t, got, 1)
		e := got[0]
		require.NotEmpty(t, e.ID)
		require.Equal(t, "user-1", e.UserID)
		require.Equal(t, "hashtag_generation", e.TaskKind)
		require.Equal(t, "gpt-4.1-mini", e.Model)
		require.Equal(t, "openai", e.Provider)
		require.Equal(t, "creator", e.Tier)
		require.Equal(t, 150, e.EstimatedTokens)
		require.InDelta(t, 0.00015, e.EstimatedCostUSD, 1e-9)
		require.Equal(t, now, e.Timestamp)
	}
	require.Equal(t, a.recorded()[0].ID, b.recorded()[0].ID, "every sink sees the same event")
}

func TestRecordDoesNotBlock(t *testing.T) {
	s := &memSink{block: make(chan struct{})}
	r := NewRecorder([]Sink{s})

	done := make(chan struct{})
	go func() {
		r.Record("u", router.KindSupportChat, router.MustParseModel("gemini-2.0-flash"), router.TierAnonymous)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a slow sink")
	}
	close(s.block)
	r.Wait()
	require.Len(t, s.recorded(), 1)
}

func TestSinkErrorsAreAbsorbed(t *testing.T) {
	bad := &memSink{err: errors.New("disk full")}
	good := &memSink{}
	r := NewRecorder([]Sink{bad, good})

	r.Record("u", router.KindCaptionWriting, router.MustParseModel("gpt-4.1"), router.TierInfluencer)
	r.Wait()
	require.Len(t, good.recorded(), 1, "one failing sink must not stop the others")
}

func TestSlowSinkTimesOut(t *testing.T) {
	s := &memSink{block: make(chan struct{})}
	r := NewRecorder([]Sink{s}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	r.Record("u", router.KindSupportChat, router.MustParseModel("gpt-4.1-mini"), router.TierCreator)
	r.Wait()
	require.Less(t, time.Since(start), time.Second)
	require.Empty(t, s.recorded())
}

func TestUnknownModelUsesDefaultPrice(t *testing.T) {
	r := NewRecorder(nil)
	e := r.Build("u", router.KindContentStrategy, router.ModelDescriptor{Provider: router.ProviderOpenAI, ID: "gpt-9-preview"}, router.TierEnterprise)
	require.Equal(t, 2500, e.EstimatedTokens)
	require.InDelta(t, 0.025, e.EstimatedCostUSD, 1e-9)
}

func TestPricingTables(t *testing.T) {
	p := DefaultPricing()
	for _, kind := range router.AllTaskKinds() {
		require.Positive(t, p.EstimateTokens(kind), kind)
	}
	require.Equal(t, defaultTokenEstimate, p.EstimateTokens(router.TaskKind("unknown")))
	require.Equal(t, defaultPricePer1K, p.PricePer1K("unknown-model"))
	require.InDelta(t, 0.081, p.EstimateCost("claude-opus-4-1", 1800), 1e-9)
}

func TestMetricsSink(t *testing.T) {
	reg := metrics.New()
	s := NewMetricsSink(reg)
	require.NoError(t, s.RecordUsage(context.Background(), Event{Model: "gpt-4.1", Provider: "openai", EstimatedTokens: 400, EstimatedCostUSD: 0.002}))
}

func TestBusSink(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	s := NewBusSink(bus)
	require.NoError(t, s.RecordUsage(context.Background(), Event{
		ID: "e1", UserID: "u", TaskKind: "sentiment_analysis", Model: "claude-3-5-haiku-latest",
		Provider: "anthropic", Tier: "influencer", EstimatedTokens: 100, EstimatedCostUSD: 0.0002, Timestamp: now,
	}))

	select {
	case ev := <-sub.C:
		require.Equal(t, events.EventUsageRecorded, ev.Type)
		require.Equal(t, "sentiment_analysis", ev.TaskKind)
		require.Equal(t, 100, ev.Tokens)
		require.Equal(t, now, ev.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestRecorderSatisfiesRouterInterface(t *testing.T) {
	var _ router.UsageRecorder = NewRecorder(nil)
}
