package respcache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jordanhubbard/taskhub/internal/clock"
	"github.com/jordanhubbard/taskhub/internal/router"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func sampleResponse(out string) router.CachedResponse {
	return router.CachedResponse{
		Output:     out,
		ModelUsed:  router.MustParseModel("gpt-4.1-mini"),
		TokenUsage: &router.TokenUsage{InputTokens: 5, OutputTokens: 7, TotalTokens: 12},
		StoredAt:   t0,
	}
}

func TestEligibleAllowList(t *testing.T) {
	c := New(NewMemoryStore(nil, 0))
	want := map[router.TaskKind]bool{
		router.KindHashtagGeneration:     true,
		router.KindAltTextGeneration:     true,
		router.KindContentCategorization: true,
		router.KindSentimentAnalysis:     true,
	}
	for _, kind := range router.AllTaskKinds() {
		if got := c.Eligible(kind); got != want[kind] {
			t.Errorf("Eligible(%s) = %v, want %v", kind, got, want[kind])
		}
	}
}

func TestTTLOrderingByTier(t *testing.T) {
	c := New(NewMemoryStore(nil, 0))
	for kind := range ttlTable {
		creator := c.TTL(kind, router.TierCreator)
		influencer := c.TTL(kind, router.TierInfluencer)
		enterprise := c.TTL(kind, router.TierEnterprise)
		if !(creator >= influencer && influencer >= enterprise) {
			t.Errorf("%s: TTLs not decreasing by tier: %v %v %v", kind, creator, influencer, enterprise)
		}
		if c.TTL(kind, router.TierAnonymous) != creator {
			t.Errorf("%s: anonymous TTL should match creator", kind)
		}
	}
	if c.TTL(router.KindCaptionWriting, router.TierCreator) != 0 {
		t.Error("ineligible kind should have zero TTL")
	}
	if c.TTL(router.KindSentimentAnalysis, router.Tier("unknown")) != DefaultTTL {
		t.Error("unknown tier should get the default TTL")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	clk := clock.NewFake(t0)
	c := New(NewMemoryStore(clk, 0))
	ctx := context.Background()
	hash := router.InputHash("coffee")

	c.Put(ctx, router.KindHashtagGeneration, hash, router.TierCreator, sampleResponse("#coffee"), time.Hour)

	got, ok := c.Get(ctx, router.KindHashtagGeneration, hash, router.TierCreator)
	if !ok || got.Output != "#coffee" || got.TokenUsage.TotalTokens != 12 {
		t.Fatalf("round trip failed: %+v %v", got, ok)
	}
	if _, ok := c.Get(ctx, router.KindHashtagGeneration, hash, router.TierEnterprise); ok {
		t.Fatal("entry leaked across tiers")
	}
	if _, ok := c.Get(ctx, router.KindSentimentAnalysis, hash, router.TierCreator); ok {
		t.Fatal("entry leaked across kinds")
	}
}

func TestCacheExpiry(t *testing.T) {
	clk := clock.NewFake(t0)
	store := NewMemoryStore(clk, 0)
	c := New(store)
	ctx := context.Background()

	c.Put(ctx, router.KindAltTextGeneration, "h", router.TierEnterprise, sampleResponse("a dog"), 6*time.Hour)
	clk.Advance(6*time.Hour - time.Second)
	if _, ok := c.Get(ctx, router.KindAltTextGeneration, "h", router.TierEnterprise); !ok {
		t.Fatal("entry expired early")
	}
	clk.Advance(time.Second)
	if _, ok := c.Get(ctx, router.KindAltTextGeneration, "h", router.TierEnterprise); ok {
		t.Fatal("entry should be expired at exactly its TTL")
	}
	if store.Len() != 0 {
		t.Fatal("expired entry should be removed on read")
	}
}

func TestPutIgnoresIneligibleKind(t *testing.T) {
	store := NewMemoryStore(nil, 0)
	c := New(store)
	c.Put(context.Background(), router.KindCaptionWriting, "h", router.TierCreator, sampleResponse("x"), time.Hour)
	if store.Len() != 0 {
		t.Fatal("ineligible kind was stored")
	}
}

func TestInvalidate(t *testing.T) {
	c := New(NewMemoryStore(nil, 0))
	ctx := context.Background()
	c.Put(ctx, router.KindSentimentAnalysis, "h", router.TierCreator, sampleResponse("positive"), time.Hour)
	if err := c.Invalidate(ctx, router.KindSentimentAnalysis, "h", router.TierCreator); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, router.KindSentimentAnalysis, "h", router.TierCreator); ok {
		t.Fatal("entry survived invalidation")
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (router.CachedResponse, bool, error) {
	return router.CachedResponse{}, false, errors.New("backend down")
}

func (failingStore) Set(context.Context, string, router.CachedResponse, time.Duration) error {
	return errors.New("backend down")
}

func (failingStore) Delete(context.Context, string) error { return errors.New("backend down") }

func TestBackendErrorsAreMisses(t *testing.T) {
	c := New(failingStore{})
	ctx := context.Background()
	c.Put(ctx, router.KindSentimentAnalysis, "h", router.TierCreator, sampleResponse("x"), time.Hour)
	if _, ok := c.Get(ctx, router.KindSentimentAnalysis, "h", router.TierCreator); ok {
		t.Fatal("backend error should be a miss")
	}
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	clk := clock.NewFake(t0)
	m := NewMemoryStore(clk, 2)
	ctx := context.Background()

	m.Set(ctx, "a", sampleResponse("a"), time.Hour)
	clk.Advance(time.Second)
	m.Set(ctx, "b", sampleResponse("b"), time.Hour)
	clk.Advance(time.Second)
	m.Set(ctx, "c", sampleResponse("c"), time.Hour)

	if m.Len() != 2 {
		t.Fatalf("len = %d, want 2", m.Len())
	}
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok, _ := m.Get(ctx, "c"); !ok {
		t.Fatal("newest entry missing")
	}

	// Overwriting an existing key does not evict.
	m.Set(ctx, "c", sampleResponse("c2"), time.Hour)
	if m.Len() != 2 {
		t.Fatalf("len after overwrite = %d", m.Len())
	}
}

func TestMemoryStoreOverwriteRefreshesOrder(t *testing.T) {
	m := NewMemoryStore(clock.NewFake(t0), 2)
	ctx := context.Background()

	m.Set(ctx, "a", sampleResponse("a"), time.Hour)
	m.Set(ctx, "b", sampleResponse("b"), time.Hour)
	m.Set(ctx, "a", sampleResponse("a2"), time.Hour)
	m.Set(ctx, "c", sampleResponse("c"), time.Hour)

	if _, ok, _ := m.Get(ctx, "b"); ok {
		t.Fatal("b was written least recently and should have been evicted")
	}
	got, ok, _ := m.Get(ctx, "a")
	if !ok || got.Output != "a2" {
		t.Fatalf("rewritten entry = %+v %v", got, ok)
	}
}

func TestMemoryStoreRemovalFreesSlot(t *testing.T) {
	clk := clock.NewFake(t0)
	m := NewMemoryStore(clk, 2)
	ctx := context.Background()

	m.Set(ctx, "a", sampleResponse("a"), time.Minute)
	m.Set(ctx, "b", sampleResponse("b"), time.Hour)
	clk.Advance(2 * time.Minute)
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Fatal("expired entry returned")
	}
	m.Set(ctx, "c", sampleResponse("c"), time.Hour)
	if m.Len() != 2 {
		t.Fatalf("len = %d, want 2", m.Len())
	}
	if _, ok, _ := m.Get(ctx, "b"); !ok {
		t.Fatal("b evicted although a slot was free")
	}

	m.Delete(ctx, "b")
	m.Delete(ctx, "missing")
	m.Set(ctx, "d", sampleResponse("d"), time.Hour)
	for _, k := range []string{"c", "d"} {
		if _, ok, _ := m.Get(ctx, k); !ok {
			t.Fatalf("%s missing", k)
		}
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	clk := clock.NewFake(t0)
	m := NewMemoryStore(clk, 0)
	ctx := context.Background()
	m.Set(ctx, "short", sampleResponse("s"), time.Minute)
	m.Set(ctx, "long", sampleResponse("l"), time.Hour)

	clk.Advance(2 * time.Minute)
	if n := m.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if m.Len() != 1 {
		t.Fatalf("len = %d, want 1", m.Len())
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	url := os.Getenv("TASKHUB_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TASKHUB_TEST_REDIS_URL not set")
	}
	r, err := NewRedisStore(url)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	ctx := context.Background()
	if err := r.Ping(ctx); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	key := Key(router.KindHashtagGeneration, router.InputHash(t.Name()), router.TierCreator)
	defer r.Delete(ctx, key)

	if err := r.Set(ctx, key, sampleResponse("#redis"), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := r.Get(ctx, key)
	if err != nil || !ok || got.Output != "#redis" {
		t.Fatalf("got %+v %v %v", got, ok, err)
	}
	if _, ok, _ := r.Get(ctx, key+":missing"); ok {
		t.Fatal("missing key should miss")
	}
}

func TestNewRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected error")
	}
}
