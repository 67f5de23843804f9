package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jordanhubbard/taskhub/internal/clock"
)

type fakeOverrides struct {
	entries map[Tier]map[TaskKind]Override
	stale   bool
	lookups int
}

func (f *fakeOverrides) set(tier Tier, kind TaskKind, o Override) {
	if f.entries == nil {
		f.entries = make(map[Tier]map[TaskKind]Override)
	}
	if f.entries[tier] == nil {
		f.entries[tier] = make(map[TaskKind]Override)
	}
	f.entries[tier][kind] = o
}

func (f *fakeOverrides) Lookup(_ context.Context, tier Tier, kind TaskKind) (Override, bool) {
	f.lookups++
	o, ok := f.entries[tier][kind]
	return o, ok
}

func (f *fakeOverrides) Stale() bool { return f.stale }

// mapCache is a minimal ResponseCache keyed exactly like the real one.
type mapCache struct {
	clk     clock.Clock
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]mapCacheEntry
	puts    int
}

type mapCacheEntry struct {
	resp    CachedResponse
	expires time.Time
}

func newMapCache(clk clock.Clock, ttl time.Duration) *mapCache {
	return &mapCache{clk: clk, ttl: ttl, entries: make(map[string]mapCacheEntry)}
}

func (c *mapCache) key(kind TaskKind, hash string, tier Tier) string {
	return string(kind) + "|" + hash + "|" + string(tier)
}

func (c *mapCache) Eligible(kind TaskKind) bool {
	switch kind {
	case KindHashtagGeneration, KindAltTextGeneration, KindContentCategorization, KindSentimentAnalysis:
		return true
	}
	return false
}

func (c *mapCache) TTL(TaskKind, Tier) time.Duration { return c.ttl }

func (c *mapCache) Get(_ context.Context, kind TaskKind, hash string, tier Tier) (CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[c.key(kind, hash, tier)]
	if !ok || !c.clk.Now().Before(e.expires) {
		return CachedResponse{}, false
	}
	return e.resp, true
}

func (c *mapCache) Put(_ context.Context, kind TaskKind, hash string, tier Tier, resp CachedResponse, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.entries[c.key(kind, hash, tier)] = mapCacheEntry{resp: resp, expires: c.clk.Now().Add(ttl)}
}

type usageCall struct {
	UserID string
	Kind   TaskKind
	Model  ModelDescriptor
	Tier   Tier
}

type fakeUsage struct {
	mu    sync.Mutex
	calls []usageCall
}

func (u *fakeUsage) Record(userID string, kind TaskKind, model ModelDescriptor, tier Tier) {
	u.mu.Lock()
	u.calls = append(u.calls, usageCall{userID, kind, model, tier})
	u.mu.Unlock()
}

type recordingObserver struct {
	events []TaskEvent
}

func (r *recordingObserver) ObserveTask(ev TaskEvent) { r.events = append(r.events, ev) }

type engineFixture struct {
	engine    *Engine
	openai    *fakeProvider
	anthropic *fakeProvider
	google    *fakeProvider
	overrides *fakeOverrides
	cache     *mapCache
	usage     *fakeUsage
	observer  *recordingObserver
	clock     *clock.Fake
}

func newEngineFixture(cfg EngineConfig) *engineFixture {
	f := &engineFixture{
		openai:    newFakeProvider(ProviderOpenAI, "openai says hi"),
		anthropic: newFakeProvider(ProviderAnthropic, "claude says hi"),
		google:    newFakeProvider(ProviderGoogle, "gemini says hi"),
		overrides: &fakeOverrides{},
		usage:     &fakeUsage{},
		observer:  &recordingObserver{},
		clock:     clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	f.cache = newMapCache(f.clock, time.Hour)
	d := NewDispatcher(time.Second)
	d.RegisterProvider(f.openai)
	d.RegisterProvider(f.anthropic)
	d.RegisterProvider(f.google)
	f.engine = NewEngine(cfg, DefaultStaticTable(), d,
		WithOverrides(f.overrides),
		WithResponseCache(f.cache),
		WithUsageRecorder(f.usage),
		WithObserver(f.observer),
	)
	return f
}

func (f *engineFixture) providerCalls() int {
	return f.openai.callCount() + f.anthropic.callCount() + f.google.callCount()
}

func TestRouteTaskAnonymousDenied(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	ctx := context.Background()

	// The anonymous row carries a hashtag entry; the anonymous rule still wins.
	if _, ok := f.engine.Table().Resolve(TierAnonymous, KindHashtagGeneration); !ok {
		t.Fatal("fixture table should have an anonymous hashtag row")
	}
	f.overrides.set(TierAnonymous, KindContentStrategy, Override{Model: MustParseModel("claude-opus-4-1")})

	for _, kind := range AllTaskKinds() {
		if kind == KindSupportChat {
			continue
		}
		_, err := f.engine.RouteTask(ctx, Task{Kind: kind, Input: "x"}, Caller{UserID: "u1", Tier: TierAnonymous})
		var ee *EntitlementError
		if !errors.As(err, &ee) {
			t.Fatalf("%s: expected EntitlementError, got %v", kind, err)
		}
		if !errors.Is(err, ErrEntitlement) {
			t.Fatalf("%s: error should match ErrEntitlement", kind)
		}
		if ee.Tier != TierAnonymous || ee.Kind != kind {
			t.Fatalf("error fields = %+v", ee)
		}
	}
	if f.providerCalls() != 0 {
		t.Fatalf("provider called %d times for denied tasks", f.providerCalls())
	}
	if len(f.usage.calls) != 0 {
		t.Fatal("usage recorded for denied tasks")
	}
}

func TestRouteTaskAnonymousContentStrategyNoResolution(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	_, err := f.engine.RouteTask(context.Background(),
		Task{Kind: KindContentStrategy, Input: "plan my quarter"},
		Caller{Tier: TierAnonymous})
	if !errors.Is(err, ErrEntitlement) {
		t.Fatalf("expected entitlement error, got %v", err)
	}
	if f.overrides.lookups != 0 {
		t.Fatal("override cache consulted before anonymous gate")
	}
	if f.providerCalls() != 0 {
		t.Fatal("provider called")
	}
	if len(f.observer.events) != 1 || f.observer.events[0].Outcome != OutcomeDenied {
		t.Fatalf("observer events = %+v", f.observer.events)
	}
}

func TestRouteTaskAnonymousSupportChat(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	res, err := f.engine.RouteTask(context.Background(),
		Task{Kind: KindSupportChat, Input: "how do I reset my password?"},
		Caller{Tier: TierAnonymous})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK || res.Output != "gemini says hi" {
		t.Fatalf("unexpected result: %+v", res)
	}
	p := res.Metadata.Parameters
	if p.Temperature != 0.2 || p.MaxOutputTokens != 256 || p.QualityPreference != QualityEconomy {
		t.Fatalf("anonymous parameters = %+v", p)
	}
}

func TestRouteTaskUnknownTierTreatedAsAnonymous(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	_, err := f.engine.RouteTask(context.Background(), Task{Kind: KindCaptionWriting, Input: "x"}, Caller{Tier: Tier("vip")})
	if !errors.Is(err, ErrEntitlement) {
		t.Fatalf("expected entitlement error, got %v", err)
	}
}

func TestRouteTaskCreatorDeniedStrategy(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	_, err := f.engine.RouteTask(context.Background(), Task{Kind: KindContentStrategy, Input: "x"}, Caller{Tier: TierCreator})
	if !errors.Is(err, ErrEntitlement) {
		t.Fatalf("expected entitlement error, got %v", err)
	}
}

func TestRouteTaskOverrideGrantsAccess(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	f.overrides.set(TierCreator, KindContentStrategy, Override{Model: MustParseModel("gpt-4.1")})

	res, err := f.engine.RouteTask(context.Background(), Task{Kind: KindContentStrategy, Input: "x"}, Caller{Tier: TierCreator})
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelUsed.ID != "gpt-4.1" || res.Metadata.OverrideSource != SourceRemote {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !f.engine.HasAccess(context.Background(), TierCreator, KindContentStrategy) {
		t.Fatal("HasAccess should agree with RouteTask")
	}
}

func TestRouteTaskOverridePrecedence(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	ctx := context.Background()
	caller := Caller{UserID: "u1", Tier: TierInfluencer}
	task := Task{Kind: KindCaptionWriting, Input: "sunset"}

	res, err := f.engine.RouteTask(ctx, task, caller)
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelUsed.ID != "gpt-4.1" || res.Metadata.OverrideSource != SourceStatic {
		t.Fatalf("static resolution: %+v", res)
	}

	temp := 0.15
	f.overrides.set(TierInfluencer, KindCaptionWriting, Override{
		Model:      MustParseModel("claude-sonnet-4-5"),
		Parameters: &ParameterOverrides{Temperature: &temp},
	})
	res, err = f.engine.RouteTask(ctx, task, caller)
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelUsed.ID != "claude-sonnet-4-5" || res.Output != "claude says hi" {
		t.Fatalf("override not applied: %+v", res)
	}
	if res.Metadata.Parameters.Temperature != temp {
		t.Fatalf("override parameters not applied: %+v", res.Metadata.Parameters)
	}
	if got := f.anthropic.lastCall().Params.Temperature; got != temp {
		t.Fatalf("provider saw temperature %v", got)
	}
}

func TestRouteTaskOverrideWithoutModelFallsBack(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	f.overrides.set(TierCreator, KindCaptionWriting, Override{})
	res, err := f.engine.RouteTask(context.Background(), Task{Kind: KindCaptionWriting, Input: "x"}, Caller{Tier: TierCreator})
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.OverrideSource != SourceStatic {
		t.Fatalf("source = %s", res.Metadata.OverrideSource)
	}
}

func TestRouteTaskCallerOptionsClamped(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	temp, tokens := 1.9, 9000
	task := Task{Kind: KindCaptionWriting, Input: "x", Options: ParameterOverrides{Temperature: &temp, MaxOutputTokens: &tokens}}

	res, err := f.engine.RouteTask(context.Background(), task, Caller{Tier: TierCreator})
	if err != nil {
		t.Fatal(err)
	}
	p := res.Metadata.Parameters
	if p.Temperature != 1.5 || p.MaxOutputTokens != 2000 {
		t.Fatalf("caller options not clamped: %+v", p)
	}
	if *task.Options.Temperature != 1.9 {
		t.Fatal("task options mutated")
	}
}

func TestRouteTaskUnboundedOverrides(t *testing.T) {
	f := newEngineFixture(EngineConfig{AllowUnboundedOverrides: true})
	tokens := 9000
	task := Task{Kind: KindCaptionWriting, Input: "x", Options: ParameterOverrides{MaxOutputTokens: &tokens}}
	res, err := f.engine.RouteTask(context.Background(), task, Caller{Tier: TierCreator})
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.Parameters.MaxOutputTokens != 9000 {
		t.Fatalf("max tokens = %d", res.Metadata.Parameters.MaxOutputTokens)
	}
}

func TestRouteTaskCreatorHashtagScenario(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	ctx := context.Background()
	caller := Caller{UserID: "creator-1", Tier: TierCreator}
	task := Task{Kind: KindHashtagGeneration, Input: "morning coffee latte art"}

	first, err := f.engine.RouteTask(ctx, task, caller)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != StatusOK || first.Metadata.CacheHit {
		t.Fatalf("first call: %+v", first)
	}
	if first.Metadata.Parameters.QualityPreference != QualityStandard {
		t.Fatalf("quality = %s", first.Metadata.Parameters.QualityPreference)
	}
	if first.ModelUsed.ID != "gpt-4.1-mini" {
		t.Fatalf("model = %s", first.ModelUsed)
	}

	second, err := f.engine.RouteTask(ctx, task, caller)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Metadata.CacheHit {
		t.Fatal("second call should hit the cache")
	}
	if second.Output != first.Output || second.ModelUsed != first.ModelUsed {
		t.Fatalf("cached result differs: %+v vs %+v", second, first)
	}
	if f.openai.callCount() != 1 {
		t.Fatalf("provider called %d times, want 1", f.openai.callCount())
	}
	if len(f.usage.calls) != 1 {
		t.Fatalf("usage recorded %d times, want 1", len(f.usage.calls))
	}
	got := f.usage.calls[0]
	if got.UserID != "creator-1" || got.Kind != KindHashtagGeneration || got.Tier != TierCreator || got.Model.ID != "gpt-4.1-mini" {
		t.Fatalf("usage record = %+v", got)
	}
}

func TestRouteTaskCacheExpiry(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	ctx := context.Background()
	caller := Caller{Tier: TierCreator}
	task := Task{Kind: KindSentimentAnalysis, Input: "best day ever"}

	if _, err := f.engine.RouteTask(ctx, task, caller); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(59 * time.Minute)
	if res, _ := f.engine.RouteTask(ctx, task, caller); !res.Metadata.CacheHit {
		t.Fatal("entry should still be fresh")
	}
	f.clock.Advance(2 * time.Minute)
	res, _ := f.engine.RouteTask(ctx, task, caller)
	if res.Metadata.CacheHit {
		t.Fatal("entry should have expired")
	}
	if f.openai.callCount() != 2 {
		t.Fatalf("provider called %d times, want 2", f.openai.callCount())
	}
}

func TestRouteTaskCacheKeyedByTier(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	ctx := context.Background()
	task := Task{Kind: KindHashtagGeneration, Input: "same input"}
	f.engine.RouteTask(ctx, task, Caller{Tier: TierCreator})
	res, _ := f.engine.RouteTask(ctx, task, Caller{Tier: TierEnterprise})
	if res.Metadata.CacheHit {
		t.Fatal("cache entries must not cross tiers")
	}
}

func TestRouteTaskIneligibleKindNotCached(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	ctx := context.Background()
	task := Task{Kind: KindCaptionWriting, Input: "same input"}
	f.engine.RouteTask(ctx, task, Caller{Tier: TierCreator})
	f.engine.RouteTask(ctx, task, Caller{Tier: TierCreator})
	if f.openai.callCount() != 2 || f.cache.puts != 0 {
		t.Fatalf("caption writing should bypass the cache (calls=%d puts=%d)", f.openai.callCount(), f.cache.puts)
	}
}

func TestRouteTaskProviderPanicIsDegraded(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	f.openai.panic = errors.New("index out of range")

	res, err := f.engine.RouteTask(context.Background(), Task{Kind: KindHashtagGeneration, Input: "x"}, Caller{UserID: "u", Tier: TierCreator})
	if err != nil {
		t.Fatalf("panic surfaced as error: %v", err)
	}
	if res.Status != StatusDegraded || !strings.Contains(res.DegradedReason, "index out of range") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.cache.puts != 0 {
		t.Fatal("panicked result was cached")
	}
}

func TestRouteTaskDegraded(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	f.openai.err = errors.New("connection refused")
	ctx := context.Background()
	task := Task{Kind: KindHashtagGeneration, Input: "x"}

	res, err := f.engine.RouteTask(ctx, task, Caller{UserID: "u", Tier: TierCreator})
	if err != nil {
		t.Fatalf("degraded call should not error: %v", err)
	}
	if res.Status != StatusDegraded || !strings.HasPrefix(res.Output, DegradedPrefix) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TokenUsage == nil || !res.TokenUsage.IsZero() {
		t.Fatalf("degraded usage = %+v", res.TokenUsage)
	}
	if res.DegradedReason == "" {
		t.Fatal("missing degraded reason")
	}
	if f.cache.puts != 0 {
		t.Fatal("degraded result was cached")
	}
	if len(f.usage.calls) != 1 {
		t.Fatal("usage should still be recorded for degraded results")
	}
	if last := f.observer.events[len(f.observer.events)-1]; last.Outcome != OutcomeDegraded {
		t.Fatalf("observer outcome = %s", last.Outcome)
	}

	// A later successful call is cached normally.
	f.openai.err = nil
	f.engine.RouteTask(ctx, task, Caller{Tier: TierCreator})
	if f.cache.puts != 1 {
		t.Fatalf("puts = %d, want 1", f.cache.puts)
	}
}

func TestRouteTaskPolicyStaleFlag(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	f.overrides.stale = true
	res, err := f.engine.RouteTask(context.Background(), Task{Kind: KindSupportChat, Input: "x"}, Caller{Tier: TierCreator})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Metadata.PolicyStale {
		t.Fatal("stale policy not reported")
	}
}

func TestRouteTaskWithoutOptionalCollaborators(t *testing.T) {
	d := NewDispatcher(time.Second)
	p := newFakeProvider(ProviderOpenAI, "ok")
	d.RegisterProvider(p)
	e := NewEngine(EngineConfig{}, nil, d)

	res, err := e.RouteTask(context.Background(), Task{Kind: KindHashtagGeneration, Input: "x"}, Caller{Tier: TierCreator})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK || res.Metadata.CacheHit {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHasAccessMatrix(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	ctx := context.Background()
	for _, tier := range AllTiers() {
		for _, kind := range AllTaskKinds() {
			_, static := f.engine.Table().Resolve(tier, kind)
			want := static
			if tier == TierAnonymous {
				want = kind == KindSupportChat
			}
			if got := f.engine.HasAccess(ctx, tier, kind); got != want {
				t.Errorf("HasAccess(%s, %s) = %v, want %v", tier, kind, got, want)
			}
		}
	}
}

func TestPlanMatchesRouteTask(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	ctx := context.Background()
	tokens := 700
	f.overrides.set(TierCreator, KindCaptionWriting, Override{
		Model:      MustParseModel("gemini-2.0-flash"),
		Parameters: &ParameterOverrides{MaxOutputTokens: &tokens},
	})
	task := Task{Kind: KindCaptionWriting, Input: "x"}

	model, params, err := f.engine.Plan(ctx, task, TierCreator)
	if err != nil {
		t.Fatal(err)
	}
	if model.ID != "gemini-2.0-flash" || params.MaxOutputTokens != 700 {
		t.Fatalf("plan = %v %+v", model, params)
	}
	if f.providerCalls() != 0 {
		t.Fatal("plan dispatched")
	}

	res, err := f.engine.RouteTask(ctx, task, Caller{Tier: TierCreator})
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelUsed != model || res.Metadata.Parameters != params {
		t.Fatalf("route %v %+v differs from plan %v %+v", res.ModelUsed, res.Metadata.Parameters, model, params)
	}

	if _, _, err := f.engine.Plan(ctx, Task{Kind: KindContentStrategy}, Tier("bogus")); !errors.Is(err, ErrEntitlement) {
		t.Fatalf("unknown tier plan err = %v", err)
	}
}

func TestResolveModelDeterministic(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	ctx := context.Background()
	a, err := f.engine.ResolveModel(ctx, TierEnterprise, KindPerformanceInsights)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := f.engine.ResolveModel(ctx, TierEnterprise, KindPerformanceInsights)
	if a != b || a.ID != "claude-opus-4-1" {
		t.Fatalf("resolution = %v / %v", a, b)
	}
}
