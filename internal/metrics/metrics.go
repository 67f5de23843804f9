package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/taskhub/internal/router"
)

type Registry struct {
	reg *prometheus.Registry

	TasksTotal      *prometheus.CounterVec
	TaskLatency     *prometheus.HistogramVec
	CacheHits       *prometheus.CounterVec
	UsageTokens     *prometheus.CounterVec
	UsageCostUSD    *prometheus.CounterVec
	PolicyRefreshes *prometheus.CounterVec
	PolicyRecords   prometheus.Gauge
	PolicyStale     prometheus.Gauge
	ProviderHealth  *prometheus.GaugeVec
	CacheEntries    prometheus.Gauge
	RateLimited     prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_tasks_total",
			Help: "Tasks routed, by kind, tier and outcome",
		}, []string{"task_kind", "tier", "outcome"}),
		TaskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskhub_task_latency_ms",
			Help:    "End-to-end RouteTask latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"task_kind", "provider"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_cache_hits_total",
			Help: "Response cache hits",
		}, []string{"task_kind", "tier"}),
		UsageTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_usage_estimated_tokens_total",
			Help: "Estimated tokens recorded by the usage recorder",
		}, []string{"model", "provider"}),
		UsageCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_usage_cost_usd_total",
			Help: "Estimated USD cost recorded by the usage recorder",
		}, []string{"model", "provider"}),
		PolicyRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_policy_refreshes_total",
			Help: "Remote policy refresh attempts",
		}, []string{"result"}),
		PolicyRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskhub_policy_override_records",
			Help: "Active overrides in the current policy snapshot",
		}),
		PolicyStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskhub_policy_stale",
			Help: "1 when the last policy refresh failed",
		}),
		ProviderHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskhub_provider_health",
			Help: "Provider health state (0 healthy, 1 degraded, 2 down)",
		}, []string{"provider"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskhub_cache_entries",
			Help: "Entries held by the in-memory response cache",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskhub_rate_limited_total",
			Help: "Requests rejected by the per-caller rate limiter",
		}),
	}
	reg.MustRegister(
		m.TasksTotal, m.TaskLatency, m.CacheHits,
		m.UsageTokens, m.UsageCostUSD,
		m.PolicyRefreshes, m.PolicyRecords, m.PolicyStale,
		m.ProviderHealth, m.CacheEntries, m.RateLimited,
	)
	return m
}

// ObserveTask implements router.Observer.
func (m *Registry) ObserveTask(ev router.TaskEvent) {
	m.TasksTotal.WithLabelValues(string(ev.Kind), string(ev.Tier), ev.Outcome).Inc()
	if ev.Outcome == router.OutcomeDenied {
		return
	}
	if ev.Outcome == router.OutcomeCacheHit {
		m.CacheHits.WithLabelValues(string(ev.Kind), string(ev.Tier)).Inc()
	}
	m.TaskLatency.WithLabelValues(string(ev.Kind), string(ev.Model.Provider)).Observe(float64(ev.LatencyMs))
}

// ObservePolicyRefresh records one refresh attempt.
func (m *Registry) ObservePolicyRefresh(records int, err error) {
	if err != nil {
		m.PolicyRefreshes.WithLabelValues("error").Inc()
		m.PolicyStale.Set(1)
		return
	}
	m.PolicyRefreshes.WithLabelValues("ok").Inc()
	m.PolicyRecords.Set(float64(records))
	m.PolicyStale.Set(0)
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
