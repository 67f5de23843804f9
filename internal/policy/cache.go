// Package policy holds the remotely configured model overrides. The cache
// keeps the last good snapshot and keeps serving it when the configuration
// store is slow or down.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jordanhubbard/taskhub/internal/clock"
	"github.com/jordanhubbard/taskhub/internal/router"
)

const (
	DefaultRefreshInterval = 5 * time.Minute
	DefaultFetchTimeout    = 3 * time.Second
)

// Record is a raw override row as stored in the configuration store.
type Record struct {
	Tier       string                     `json:"tier"`
	TaskKind   string                     `json:"task_kind"`
	Model      string                     `json:"model"`
	Parameters *router.ParameterOverrides `json:"parameters,omitempty"`
	Active     bool                       `json:"active"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// Source lists the active override records.
type Source interface {
	ListActiveOverrides(ctx context.Context) ([]Record, error)
}

// Config controls refresh behaviour.
type Config struct {
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
}

// RefreshEvent is passed to the refresh hook after every refresh attempt.
type RefreshEvent struct {
	Records  int
	Skipped  int
	Err      error
	Duration time.Duration
}

// Status describes the current snapshot for admin endpoints.
type Status struct {
	Loaded          bool      `json:"loaded"`
	RefreshedAt     time.Time `json:"refreshed_at,omitempty"`
	AgeSeconds      float64   `json:"age_seconds"`
	RefreshInterval string    `json:"refresh_interval"`
	Stale           bool      `json:"stale"`
	LastError       string    `json:"last_error,omitempty"`
	Records         int       `json:"records"`
}

type key struct {
	tier router.Tier
	kind router.TaskKind
}

type snapshot struct {
	overrides   map[key]router.Override
	refreshedAt time.Time
}

// Cache is the remote policy cache. Reads are lock-free against an
// immutable snapshot; refreshes replace the snapshot atomically.
type Cache struct {
	src Source
	clk clock.Clock
	cfg Config

	snap  atomic.Pointer[snapshot]
	group singleflight.Group

	mu      sync.Mutex
	stale   bool
	lastErr string
	hook    func(RefreshEvent)
}

// New creates a Cache over src. Zero config values take the defaults.
func New(src Source, clk clock.Clock, cfg Config) *Cache {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Cache{src: src, clk: clk, cfg: cfg}
}

// SetRefreshHook registers a callback invoked after every refresh attempt.
func (c *Cache) SetRefreshHook(fn func(RefreshEvent)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// RefreshIfStale refreshes when no snapshot has been loaded or the current
// one is at least RefreshInterval old. Failures are logged and returned; the
// previous snapshot stays in place.
func (c *Cache) RefreshIfStale(ctx context.Context) error {
	s := c.snap.Load()
	if s != nil && c.clk.Now().Sub(s.refreshedAt) < c.cfg.RefreshInterval {
		return nil
	}
	return c.Refresh(ctx)
}

// Refresh fetches the active overrides and swaps in a new snapshot.
// Concurrent callers share a single fetch.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *Cache) refresh(ctx context.Context) error {
	if c.src == nil {
		return errors.New("policy: no source configured")
	}
	start := time.Now()

	// The fetch is shared between callers, so one caller's cancellation
	// must not abort it for the others.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
	defer cancel()

	records, err := c.src.ListActiveOverrides(fctx)
	if err != nil {
		err = fmt.Errorf("list active overrides: %w", err)
		c.mu.Lock()
		c.stale = true
		c.lastErr = err.Error()
		hook := c.hook
		c.mu.Unlock()

		attrs := []any{slog.String("error", err.Error())}
		if s := c.snap.Load(); s != nil {
			attrs = append(attrs, slog.Float64("snapshot_age_seconds", c.clk.Now().Sub(s.refreshedAt).Seconds()))
		}
		slog.Warn("policy refresh failed, serving previous snapshot", attrs...)
		if hook != nil {
			hook(RefreshEvent{Err: err, Duration: time.Since(start)})
		}
		return err
	}

	overrides, skipped := buildOverrides(records)
	c.snap.Store(&snapshot{overrides: overrides, refreshedAt: c.clk.Now()})

	c.mu.Lock()
	c.stale = false
	c.lastErr = ""
	hook := c.hook
	c.mu.Unlock()

	slog.Debug("policy refreshed",
		slog.Int("records", len(overrides)),
		slog.Int("skipped", skipped),
	)
	if hook != nil {
		hook(RefreshEvent{Records: len(overrides), Skipped: skipped, Duration: time.Since(start)})
	}
	return nil
}

// buildOverrides validates raw records. Rows naming an unknown tier, task
// kind, or model are skipped.
func buildOverrides(records []Record) (map[key]router.Override, int) {
	out := make(map[key]router.Override, len(records))
	skipped := 0
	for _, r := range records {
		if !r.Active {
			continue
		}
		tier, ok := router.ParseTier(r.Tier)
		kind := router.TaskKind(r.TaskKind)
		if !ok || !kind.Valid() {
			slog.Warn("skipping override with unknown tier or task kind",
				slog.String("tier", r.Tier),
				slog.String("task_kind", r.TaskKind),
			)
			skipped++
			continue
		}
		model, err := router.ParseModel(r.Model)
		if err != nil {
			slog.Warn("skipping override with unparseable model",
				slog.String("tier", r.Tier),
				slog.String("task_kind", r.TaskKind),
				slog.String("error", err.Error()),
			)
			skipped++
			continue
		}
		var params *router.ParameterOverrides
		if !r.Parameters.IsZero() {
			p := *r.Parameters
			params = &p
		}
		out[key{tier, kind}] = router.Override{Model: model, Parameters: params}
	}
	return out, skipped
}

// Lookup refreshes a stale snapshot, then returns the active override for
// the exact (tier, kind) pair. Refresh failures never surface here.
func (c *Cache) Lookup(ctx context.Context, tier router.Tier, kind router.TaskKind) (router.Override, bool) {
	_ = c.RefreshIfStale(ctx)
	s := c.snap.Load()
	if s == nil {
		return router.Override{}, false
	}
	o, ok := s.overrides[key{tier, kind}]
	return o, ok
}

// Resolve returns only the override model for (tier, kind).
func (c *Cache) Resolve(ctx context.Context, tier router.Tier, kind router.TaskKind) (router.ModelDescriptor, bool) {
	o, ok := c.Lookup(ctx, tier, kind)
	if !ok {
		return router.ModelDescriptor{}, false
	}
	return o.Model, true
}

// Stale reports whether the most recent refresh attempt failed.
func (c *Cache) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Age returns the snapshot age, or zero when nothing has been loaded.
func (c *Cache) Age() time.Duration {
	s := c.snap.Load()
	if s == nil {
		return 0
	}
	return c.clk.Now().Sub(s.refreshedAt)
}

func (c *Cache) Status() Status {
	c.mu.Lock()
	st := Status{
		RefreshInterval: c.cfg.RefreshInterval.String(),
		Stale:           c.stale,
		LastError:       c.lastErr,
	}
	c.mu.Unlock()

	if s := c.snap.Load(); s != nil {
		st.Loaded = true
		st.RefreshedAt = s.refreshedAt
		st.AgeSeconds = c.clk.Now().Sub(s.refreshedAt).Seconds()
		st.Records = len(s.overrides)
	}
	return st
}
