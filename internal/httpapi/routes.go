package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/taskhub/internal/auth"
	"github.com/jordanhubbard/taskhub/internal/events"
	"github.com/jordanhubbard/taskhub/internal/health"
	"github.com/jordanhubbard/taskhub/internal/metrics"
	"github.com/jordanhubbard/taskhub/internal/policy"
	"github.com/jordanhubbard/taskhub/internal/ratelimit"
	"github.com/jordanhubbard/taskhub/internal/router"
	"github.com/jordanhubbard/taskhub/internal/store"
	"github.com/jordanhubbard/taskhub/internal/temporal"
)

// UsageSummarizer runs the usage aggregation as a workflow.
// Implemented by temporal.Manager.
type UsageSummarizer interface {
	Summarize(ctx context.Context, since time.Time) (temporal.SummaryOutput, error)
}

type Dependencies struct {
	Engine   *router.Engine
	Policy   *policy.Cache
	Store    store.Store
	Metrics  *metrics.Registry
	Health   *health.Tracker
	Prober   *health.Prober
	EventBus *events.Bus

	// Auth resolves callers from bearer JWTs (nil = every caller is anonymous).
	Auth *auth.Authenticator
	// Limiter throttles /v1 per caller (nil = unlimited).
	Limiter *ratelimit.Limiter
	// AdminToken guards /admin/v1 (nil = admin API not mounted).
	AdminToken *AdminTokenHolder

	// Summarizer is set when Temporal is enabled.
	Summarizer UsageSummarizer
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthzHandler(d))

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(d.Auth))
		if d.Limiter != nil {
			r.Use(d.Limiter.Middleware)
		}
		r.Post("/tasks", TaskHandler(d))
	})

	if d.AdminToken != nil {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(d.AdminToken.Middleware)

			r.Get("/overrides", OverridesListHandler(d))
			r.Put("/overrides/{tier}/{kind}", OverrideUpsertHandler(d))
			r.Delete("/overrides/{tier}/{kind}", OverrideDeleteHandler(d))
			r.Post("/policy/refresh", PolicyRefreshHandler(d))
			r.Get("/policy/status", PolicyStatusHandler(d))
			r.Get("/resolve", ResolveHandler(d))
			r.Get("/tables", TablesHandler(d))
			r.Get("/usage", UsageListHandler(d))
			r.Get("/usage/summary", UsageSummaryHandler(d))
			r.Get("/health", HealthStatsHandler(d))
			if d.Prober != nil {
				r.Post("/health/probe", HealthProbeHandler(d))
			}
			r.Get("/audit", AuditLogsHandler(d))
			r.Post("/tokens", TokenIssueHandler(d))
			r.Post("/admin-token/rotate", AdminTokenRotateHandler(d))
			if d.EventBus != nil {
				r.Get("/events", SSEHandler(d.EventBus))
			}
		})
	}

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

// CallerKey is a ratelimit.KeyFunc that buckets authenticated callers by
// user ID and everyone else by client IP. It must run after auth.Middleware.
func CallerKey(r *http.Request) string {
	if c := auth.CallerFromContext(r.Context()); c.UserID != "" {
		return "user:" + c.UserID
	}
	return "ip:" + ratelimit.ClientIP(r)
}

// HealthzHandler reports whether the service can route tasks: at least one
// provider is registered and the store answers.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers := len(d.Engine.Dispatcher().ProviderKinds())
		body := map[string]any{
			"status":       "ok",
			"providers":    providers,
			"table":        d.Engine.Table().Version(),
			"policy_stale": d.Policy != nil && d.Policy.Stale(),
		}
		code := http.StatusOK
		if providers == 0 {
			body["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		if d.Store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.Store.Ping(ctx); err != nil {
				body["status"] = "unhealthy"
				body["store_error"] = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, body)
	}
}
