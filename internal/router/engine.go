package router

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PolicyOverrides resolves remotely configured overrides. Lookup may refresh
// a stale snapshot before reading it. Implemented by policy.Cache.
type PolicyOverrides interface {
	Lookup(ctx context.Context, tier Tier, kind TaskKind) (Override, bool)
	Stale() bool
}

// ResponseCache memoises results of cache-eligible task kinds.
// Implemented by respcache.Cache.
type ResponseCache interface {
	Eligible(kind TaskKind) bool
	TTL(kind TaskKind, tier Tier) time.Duration
	Get(ctx context.Context, kind TaskKind, inputHash string, tier Tier) (CachedResponse, bool)
	Put(ctx context.Context, kind TaskKind, inputHash string, tier Tier, resp CachedResponse, ttl time.Duration)
}

// UsageRecorder accepts accounting records. Record must not block.
// Implemented by usage.Recorder.
type UsageRecorder interface {
	Record(userID string, kind TaskKind, model ModelDescriptor, tier Tier)
}

// Outcome labels reported to observers.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeDenied   = "denied"
	OutcomeCacheHit = "cache_hit"
)

// TaskEvent describes one finished RouteTask call.
type TaskEvent struct {
	Kind      TaskKind
	Tier      Tier
	UserID    string
	Model     ModelDescriptor
	Outcome   string
	Reason    string
	LatencyMs int64
}

// Observer receives a TaskEvent for every RouteTask call.
type Observer interface {
	ObserveTask(ev TaskEvent)
}

// Override sources reported in result metadata.
const (
	SourceRemote = "remote"
	SourceStatic = "static"
)

type EngineConfig struct {
	// AllowUnboundedOverrides skips clamping caller parameter overrides to
	// the tier ceiling.
	AllowUnboundedOverrides bool
}

// Engine is the router facade. It owns the policy override cache and the
// response cache for its lifetime.
type Engine struct {
	cfg        EngineConfig
	table      *StaticTable
	dispatcher *Dispatcher

	overrides PolicyOverrides // nil = static table only
	cache     ResponseCache   // nil = no caching
	usage     UsageRecorder   // nil = no accounting
	observers []Observer

	tracer trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

func WithOverrides(o PolicyOverrides) Option {
	return func(e *Engine) { e.overrides = o }
}

func WithResponseCache(c ResponseCache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithUsageRecorder(u UsageRecorder) Option {
	return func(e *Engine) { e.usage = u }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// NewEngine builds a router facade over table and dispatcher.
func NewEngine(cfg EngineConfig, table *StaticTable, d *Dispatcher, opts ...Option) *Engine {
	if table == nil {
		table = DefaultStaticTable()
	}
	e := &Engine{
		cfg:        cfg,
		table:      table,
		dispatcher: d,
		tracer:     otel.Tracer("taskhub.router"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Table() *StaticTable { return e.table }

func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// HasAccess reports whether tier may run kind.
func (e *Engine) HasAccess(ctx context.Context, tier Tier, kind TaskKind) bool {
	_, err := e.decide(ctx, tier, kind)
	return err == nil
}

// ResolveModel returns the model that RouteTask would use for (tier, kind),
// or an *EntitlementError.
func (e *Engine) ResolveModel(ctx context.Context, tier Tier, kind TaskKind) (ModelDescriptor, error) {
	d, err := e.decide(ctx, tier, kind)
	if err != nil {
		return ModelDescriptor{}, err
	}
	return d.model, nil
}

// Plan returns the model and generation parameters RouteTask would use for
// task, including any remote override parameters, without dispatching.
func (e *Engine) Plan(ctx context.Context, task Task, tier Tier) (ModelDescriptor, GenerationParameters, error) {
	if !tier.Valid() {
		tier = TierAnonymous
	}
	d, err := e.decide(ctx, tier, task.Kind)
	if err != nil {
		return ModelDescriptor{}, GenerationParameters{}, err
	}
	return d.model, e.Parameters(task, tier, d.params), nil
}

// decision is the combined gate + model resolution for one call.
type decision struct {
	model  ModelDescriptor
	params *ParameterOverrides
	source string
}

// decide gates access and resolves the model from a single override read,
// so a permitted pair always has a model.
func (e *Engine) decide(ctx context.Context, tier Tier, kind TaskKind) (decision, error) {
	if tier == TierAnonymous && kind != AlwaysAvailableKind {
		return decision{}, &EntitlementError{Tier: tier, Kind: kind}
	}
	if e.overrides != nil {
		if o, ok := e.overrides.Lookup(ctx, tier, kind); ok && !o.Model.IsZero() {
			return decision{model: o.Model, params: o.Parameters, source: SourceRemote}, nil
		}
	}
	if m, ok := e.table.Resolve(tier, kind); ok {
		return decision{model: m, source: SourceStatic}, nil
	}
	return decision{}, &EntitlementError{Tier: tier, Kind: kind}
}

// Parameters derives the generation parameters for a task: base, tier
// transform, remote override parameters, then caller options.
func (e *Engine) Parameters(task Task, tier Tier, remote *ParameterOverrides) GenerationParameters {
	caller := task.Options
	if !e.cfg.AllowUnboundedOverrides {
		caller = ClampOverrides(caller, tier)
	}
	return DeriveParameters(e.table, task.Kind, tier, remote, &caller)
}

// RouteTask runs one task through the pipeline: resolve tier, gate access,
// resolve model, derive parameters, check the cache, dispatch, populate the
// cache, record usage. The only error it returns is an *EntitlementError;
// provider failures come back as a degraded Result.
func (e *Engine) RouteTask(ctx context.Context, task Task, caller Caller) (Result, error) {
	start := time.Now()

	tier := caller.Tier
	if !tier.Valid() {
		tier = TierAnonymous
	}

	ctx, span := e.tracer.Start(ctx, "router.route_task", trace.WithAttributes(
		attribute.String("task.kind", string(task.Kind)),
		attribute.String("caller.tier", string(tier)),
	))
	defer span.End()

	d, err := e.decide(ctx, tier, task.Kind)
	if err != nil {
		span.SetStatus(codes.Error, "denied")
		slog.Info("task denied",
			slog.String("task_kind", string(task.Kind)),
			slog.String("tier", string(tier)),
		)
		e.observe(TaskEvent{
			Kind: task.Kind, Tier: tier, UserID: caller.UserID,
			Outcome: OutcomeDenied, Reason: err.Error(),
			LatencyMs: time.Since(start).Milliseconds(),
		})
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("model.provider", string(d.model.Provider)),
		attribute.String("model.id", d.model.ID),
		attribute.String("policy.source", d.source),
	)

	params := e.Parameters(task, tier, d.params)
	meta := Metadata{
		TaskKind:       task.Kind,
		Tier:           tier,
		Parameters:     params,
		OverrideSource: d.source,
	}
	if e.overrides != nil {
		meta.PolicyStale = e.overrides.Stale()
	}

	cacheable := e.cache != nil && e.cache.Eligible(task.Kind)
	var hash string
	if cacheable {
		hash = InputHash(task.Input)
		if cached, ok := e.cache.Get(ctx, task.Kind, hash, tier); ok {
			meta.CacheHit = true
			meta.LatencyMs = time.Since(start).Milliseconds()
			span.SetAttributes(attribute.Bool("cache.hit", true))
			e.observe(TaskEvent{
				Kind: task.Kind, Tier: tier, UserID: caller.UserID,
				Model: cached.ModelUsed, Outcome: OutcomeCacheHit,
				LatencyMs: meta.LatencyMs,
			})
			return Result{
				Output:     cached.Output,
				ModelUsed:  cached.ModelUsed,
				TokenUsage: cached.TokenUsage,
				Status:     StatusOK,
				Metadata:   meta,
			}, nil
		}
	}

	out := e.dispatcher.Execute(ctx, d.model, task, params)

	if cacheable && out.Status == StatusOK {
		e.cache.Put(ctx, task.Kind, hash, tier, CachedResponse{
			Output:     out.Output,
			ModelUsed:  d.model,
			TokenUsage: out.TokenUsage,
			StoredAt:   time.Now().UTC(),
		}, e.cache.TTL(task.Kind, tier))
	}

	if e.usage != nil {
		e.usage.Record(caller.UserID, task.Kind, d.model, tier)
	}

	meta.LatencyMs = time.Since(start).Milliseconds()
	outcome := OutcomeOK
	if out.Status == StatusDegraded {
		outcome = OutcomeDegraded
		span.SetStatus(codes.Error, "degraded")
	}
	e.observe(TaskEvent{
		Kind: task.Kind, Tier: tier, UserID: caller.UserID,
		Model: d.model, Outcome: outcome, Reason: out.Reason,
		LatencyMs: meta.LatencyMs,
	})

	return Result{
		Output:         out.Output,
		ModelUsed:      d.model,
		TokenUsage:     out.TokenUsage,
		Status:         out.Status,
		DegradedReason: out.Reason,
		Metadata:       meta,
	}, nil
}

func (e *Engine) observe(ev TaskEvent) {
	for _, o := range e.observers {
		o.ObserveTask(ev)
	}
}
