package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jordanhubbard/taskhub/internal/router"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	t.Fatal("metric is neither counter nor gauge")
	return 0
}

func seriesCount(t *testing.T, c prometheus.Collector) int {
	t.Helper()
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	n := 0
	for range ch {
		n++
	}
	return n
}

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if r.reg == nil {
		t.Fatal("expected non-nil prometheus registry")
	}
	if r.Handler() == nil {
		t.Fatal("expected non-nil http.Handler from Handler()")
	}
}

func TestObserveTask(t *testing.T) {
	r := New()
	model := router.MustParseModel("gpt-4.1-mini")

	r.ObserveTask(router.TaskEvent{Kind: router.KindHashtagGeneration, Tier: router.TierCreator, Model: model, Outcome: router.OutcomeOK, LatencyMs: 120})
	r.ObserveTask(router.TaskEvent{Kind: router.KindHashtagGeneration, Tier: router.TierCreator, Model: model, Outcome: router.OutcomeCacheHit, LatencyMs: 1})
	r.ObserveTask(router.TaskEvent{Kind: router.KindContentStrategy, Tier: router.TierAnonymous, Outcome: router.OutcomeDenied})

	if got := value(t, r.TasksTotal.WithLabelValues("hashtag_generation", "creator", "ok")); got != 1 {
		t.Errorf("ok tasks = %v", got)
	}
	if got := value(t, r.CacheHits.WithLabelValues("hashtag_generation", "creator")); got != 1 {
		t.Errorf("cache hits = %v", got)
	}
	if got := value(t, r.TasksTotal.WithLabelValues("content_strategy", "anonymous", "denied")); got != 1 {
		t.Errorf("denied tasks = %v", got)
	}
	if n := seriesCount(t, r.TaskLatency); n != 1 {
		t.Errorf("latency series = %d, want 1 (denied calls are not timed)", n)
	}
}

func TestObservePolicyRefresh(t *testing.T) {
	r := New()
	r.ObservePolicyRefresh(4, nil)
	if value(t, r.PolicyRecords) != 4 || value(t, r.PolicyStale) != 0 {
		t.Fatal("successful refresh not recorded")
	}
	r.ObservePolicyRefresh(0, errors.New("db down"))
	if value(t, r.PolicyStale) != 1 {
		t.Fatal("failed refresh should mark stale")
	}
	if value(t, r.PolicyRecords) != 4 {
		t.Fatal("failed refresh should keep the last record count")
	}
	if got := value(t, r.PolicyRefreshes.WithLabelValues("error")); got != 1 {
		t.Fatalf("error refreshes = %v", got)
	}
}

func TestMetricsCanBeCollected(t *testing.T) {
	r := New()
	r.UsageCostUSD.WithLabelValues("gpt-4.1", "openai").Add(0.01)
	r.UsageTokens.WithLabelValues("gpt-4.1", "openai").Add(500)
	r.ProviderHealth.WithLabelValues("openai").Set(0)

	mfs, err := r.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, name := range []string{
		"taskhub_usage_cost_usd_total",
		"taskhub_usage_estimated_tokens_total",
		"taskhub_provider_health",
		"taskhub_policy_stale",
	} {
		if !names[name] {
			t.Errorf("expected metric %q in gathered metrics", name)
		}
	}
}

func TestMultipleRegistriesAreIndependent(t *testing.T) {
	r1 := New()
	r2 := New()
	r1.TasksTotal.WithLabelValues("support_chat", "creator", "ok").Inc()
	if n := seriesCount(t, r2.TasksTotal); n != 0 {
		t.Fatalf("r2 should have no task series, got %d", n)
	}
}
