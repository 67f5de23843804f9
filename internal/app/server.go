package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"

	"github.com/jordanhubbard/taskhub/internal/auth"
	"github.com/jordanhubbard/taskhub/internal/events"
	"github.com/jordanhubbard/taskhub/internal/health"
	"github.com/jordanhubbard/taskhub/internal/httpapi"
	"github.com/jordanhubbard/taskhub/internal/logging"
	"github.com/jordanhubbard/taskhub/internal/metrics"
	"github.com/jordanhubbard/taskhub/internal/policy"
	"github.com/jordanhubbard/taskhub/internal/providers/anthropic"
	"github.com/jordanhubbard/taskhub/internal/providers/google"
	"github.com/jordanhubbard/taskhub/internal/providers/openai"
	"github.com/jordanhubbard/taskhub/internal/ratelimit"
	"github.com/jordanhubbard/taskhub/internal/respcache"
	"github.com/jordanhubbard/taskhub/internal/router"
	"github.com/jordanhubbard/taskhub/internal/store"
	"github.com/jordanhubbard/taskhub/internal/temporal"
	"github.com/jordanhubbard/taskhub/internal/tracing"
	"github.com/jordanhubbard/taskhub/internal/usage"
)

const (
	rateLimitCleanupSchedule = "@every 5m"
	rateLimitMaxIdle         = 10 * time.Minute
)

type Server struct {
	mu  sync.Mutex
	cfg Config

	r *chi.Mux

	engine   *router.Engine
	policy   *policy.Cache
	store    store.Store
	recorder *usage.Recorder
	memCache *respcache.MemoryStore // nil when Redis backs the cache
	redis    *respcache.RedisStore
	limiter  *ratelimit.Limiter
	prober   *health.Prober
	temporal *temporal.Manager
	cron     *cron.Cron
	metrics  *metrics.Registry
	bus      *events.Bus

	tracingShutdown func(context.Context) error
	logger          *slog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	s := &Server{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close(context.Background())
		}
	}()

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:        cfg.OTelEnabled,
		Endpoint:       cfg.OTelEndpoint,
		ServiceVersion: cfg.Version,
		SampleRatio:    cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	s.tracingShutdown = shutdown

	// Open store.
	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	s.store = db
	if err := db.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database initialized", slog.String("driver", cfg.DBDriver))

	m := metrics.New()
	s.metrics = m
	bus := events.NewBus()
	s.bus = bus

	// Remote policy cache over the store.
	pc := policy.New(db, nil, policy.Config{
		RefreshInterval: cfg.PolicyRefreshInterval,
		FetchTimeout:    cfg.PolicyFetchTimeout,
	})
	pc.SetRefreshHook(func(ev policy.RefreshEvent) {
		m.ObservePolicyRefresh(ev.Records, ev.Err)
		e := events.Event{Type: events.EventPolicyRefreshed, Records: ev.Records, LatencyMs: float64(ev.Duration.Milliseconds())}
		if ev.Err != nil {
			e.Type = events.EventPolicyRefreshFailed
			e.ErrorMsg = ev.Err.Error()
		}
		bus.Publish(e)
	})
	s.policy = pc

	// Response cache.
	cache, err := s.openCache(cfg)
	if err != nil {
		return nil, err
	}

	// Usage sinks: the store directly, or a durable workflow that writes it.
	var sinks []usage.Sink
	if cfg.TemporalEnabled {
		mgr, err := temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
			Logger:    logger,
		}, &temporal.Activities{Store: db, EventBus: bus})
		if err != nil {
			return nil, err
		}
		s.temporal = mgr
		sinks = append(sinks, mgr.UsageSink())
		logger.Info("temporal usage workflows enabled", slog.String("task_queue", cfg.TemporalTaskQueue))
	} else {
		sinks = append(sinks, db)
	}
	sinks = append(sinks, usage.NewMetricsSink(m), usage.NewBusSink(bus))
	s.recorder = usage.NewRecorder(sinks, usage.WithTimeout(cfg.UsageTimeout))

	// Set up health tracking.
	ht := health.NewTracker(health.DefaultTrackerConfig(),
		health.WithEventBus(bus),
		health.WithOnUpdate(func(id string, st health.State) {
			m.ProviderHealth.WithLabelValues(id).Set(health.StateValue(st))
		}),
	)

	disp := router.NewDispatcher(cfg.DispatchTimeout)
	disp.SetHealthChecker(ht)
	probeCfg := health.DefaultProberConfig()
	s.prober = health.NewProber(probeCfg, ht, tracing.HTTPClient(probeCfg.ProbeTimeout), logger)
	registerProviders(cfg, disp, s.prober, logger)

	s.engine = router.NewEngine(router.EngineConfig{
		AllowUnboundedOverrides: cfg.AllowUnboundedOverrides,
	}, router.DefaultStaticTable(), disp,
		router.WithOverrides(pc),
		router.WithResponseCache(cache),
		router.WithUsageRecorder(s.recorder),
		router.WithObserver(m),
		router.WithObserver(httpapi.NewBusObserver(bus)),
	)

	var authn *auth.Authenticator
	if cfg.JWTSecret != "" {
		if authn, err = auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("TASKHUB_JWT_SECRET not set, all callers are anonymous")
	}

	adminToken, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, httpapi.AdminTokenDir(cfg.DBDSN), logger)
	if err != nil {
		return nil, err
	}

	s.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithKeyFunc(httpapi.CallerKey),
		ratelimit.WithCounter(m.RateLimited),
	)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	deps := httpapi.Dependencies{
		Engine:     s.engine,
		Policy:     pc,
		Store:      db,
		Metrics:    m,
		Health:     ht,
		Prober:     s.prober,
		EventBus:   bus,
		Auth:       authn,
		Limiter:    s.limiter,
		AdminToken: adminToken,
	}
	if s.temporal != nil {
		deps.Summarizer = s.temporal
	}
	httpapi.MountRoutes(r, deps)
	s.r = r

	if s.cron, err = s.scheduleJobs(); err != nil {
		return nil, err
	}

	ok = true
	return s, nil
}

func openStore(cfg Config) (store.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.NewPostgres(ctx, cfg.DBDSN)
	default:
		return store.NewSQLite(cfg.DBDSN)
	}
}

func (s *Server) openCache(cfg Config) (*respcache.Cache, error) {
	if cfg.RedisURL == "" {
		s.memCache = respcache.NewMemoryStore(nil, cfg.CacheMaxEntries)
		return respcache.New(s.memCache), nil
	}
	rs, err := respcache.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	s.redis = rs
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		// Cache misses on a dead Redis are tolerated at request time too.
		s.logger.Warn("redis ping failed, continuing", slog.String("error", err.Error()))
	}
	return respcache.New(rs), nil
}

// registerProviders builds an adapter for each provider with an API key
// and adds it to the dispatcher and the prober.
func registerProviders(cfg Config, d *router.Dispatcher, p *health.Prober, logger *slog.Logger) {
	client := tracing.HTTPClient(cfg.DispatchTimeout)

	if cfg.OpenAIAPIKey != "" {
		a := openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, openai.WithHTTPClient(client))
		d.RegisterProvider(a)
		p.AddTarget(a)
		logger.Info("registered provider", slog.String("provider", a.ID()))
	}
	if cfg.AnthropicAPIKey != "" {
		a := anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, anthropic.WithHTTPClient(client))
		d.RegisterProvider(a)
		p.AddTarget(a)
		logger.Info("registered provider", slog.String("provider", a.ID()))
	}
	if cfg.GoogleAPIKey != "" {
		a := google.New(cfg.GoogleAPIKey, cfg.GoogleBaseURL, google.WithHTTPClient(client))
		d.RegisterProvider(a)
		p.AddTarget(a)
		logger.Info("registered provider", slog.String("provider", a.ID()))
	}
	if len(d.ProviderKinds()) == 0 {
		logger.Warn("no provider API keys configured, every task will degrade")
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}

// scheduleJobs registers the background maintenance jobs. They run once
// Start is called.
func (s *Server) scheduleJobs() (*cron.Cron, error) {
	cl := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"policy_refresh", fmt.Sprintf("@every %s", s.cfg.PolicyRefreshInterval), s.refreshPolicy},
		{"ratelimit_cleanup", rateLimitCleanupSchedule, s.cleanupRateLimiter},
		{"provider_probe", s.cfg.ProbeSchedule, s.probeProviders},
	}
	if s.memCache != nil {
		jobs = append(jobs, struct {
			name string
			spec string
			fn   func()
		}{"cache_sweep", s.cfg.CacheSweepSchedule, s.sweepCache})
	}
	for _, j := range jobs {
		if _, err := c.AddFunc(j.spec, j.fn); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return c, nil
}

func (s *Server) refreshPolicy() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PolicyFetchTimeout*2)
	defer cancel()
	if err := s.policy.RefreshIfStale(ctx); err != nil {
		s.logger.Warn("scheduled policy refresh failed", slog.String("error", err.Error()))
	}
}

func (s *Server) cleanupRateLimiter() {
	if n := s.limiter.Cleanup(rateLimitMaxIdle); n > 0 {
		s.logger.Debug("rate limiter cleanup", slog.Int("removed", n))
	}
}

func (s *Server) probeProviders() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.prober.ProbeAll(ctx)
}

func (s *Server) sweepCache() {
	n := s.memCache.Sweep()
	s.metrics.CacheEntries.Set(float64(s.memCache.Len()))
	if n > 0 {
		s.logger.Debug("response cache sweep", slog.Int("expired", n))
	}
}

// Start warms the policy snapshot and starts background jobs and the
// workflow worker.
func (s *Server) Start(ctx context.Context) error {
	if err := s.policy.Refresh(ctx); err != nil {
		s.logger.Warn("initial policy load failed, using static table", slog.String("error", err.Error()))
	}
	if s.temporal != nil {
		if err := s.temporal.Start(); err != nil {
			return fmt.Errorf("temporal worker: %w", err)
		}
	}
	s.cron.Start()
	return nil
}

// Reload applies the settings that can change without a restart: log
// level and rate limits. Everything else needs a restart.
func (s *Server) Reload(cfg Config) {
	s.mu.Lock()
	s.cfg.LogLevel = cfg.LogLevel
	s.cfg.RateLimitRPS = cfg.RateLimitRPS
	s.cfg.RateLimitBurst = cfg.RateLimitBurst
	s.mu.Unlock()

	logging.SetLevel(cfg.LogLevel)
	s.limiter.SetLimits(cfg.RateLimitRPS, cfg.RateLimitBurst)
	s.logger.Info("configuration reloaded",
		slog.String("log_level", cfg.LogLevel),
		slog.Int("rate_limit_rps", cfg.RateLimitRPS),
		slog.Int("rate_limit_burst", cfg.RateLimitBurst),
	)
}

func (s *Server) Router() http.Handler { return s.r }

// StopStreams ends every open event stream. Register it with
// http.Server.RegisterOnShutdown so Shutdown does not wait on SSE clients.
func (s *Server) StopStreams() {
	if s.bus != nil {
		s.bus.Close()
	}
}

func (s *Server) Engine() *router.Engine { return s.engine }

// Close stops background work, drains pending usage records, and releases
// every backing connection.
func (s *Server) Close(ctx context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.recorder != nil {
		s.recorder.Wait()
	}
	if s.temporal != nil {
		s.temporal.Stop()
	}
	s.StopStreams()

	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.tracingShutdown != nil {
		errs = append(errs, s.tracingShutdown(ctx))
	}
	return errors.Join(errs...)
}
