// Package health keeps per-provider call statistics for operators. The
// tracker is purely observational: model resolution never consults it.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/taskhub/internal/clock"
	"github.com/jordanhubbard/taskhub/internal/events"
)

type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Stats is a point-in-time view of one provider.
type Stats struct {
	ProviderID      string    `json:"provider_id"`
	State           State     `json:"state"`
	StateSince      time.Time `json:"state_since,omitzero"`
	Calls           int64     `json:"calls"`
	Failures        int64     `json:"failures"`
	ConsecFailures  int       `json:"consec_failures"`
	RecentErrorRate float64   `json:"recent_error_rate"`
	LatencyEWMAMs   float64   `json:"latency_ewma_ms"`
	LastError       string    `json:"last_error,omitempty"`
	LastFailureAt   time.Time `json:"last_failure_at,omitzero"`
	LastSuccessAt   time.Time `json:"last_success_at,omitzero"`
}

type TrackerConfig struct {
	// DegradedAfter and DownAfter are consecutive-failure thresholds.
	DegradedAfter int
	DownAfter     int
	// Window is how many recent calls feed RecentErrorRate. Once the window
	// is full a rate at or above DegradedErrorRate marks the provider
	// degraded even without a failure streak.
	Window            int
	DegradedErrorRate float64
	// LatencyAlpha weights the newest sample in the latency EWMA.
	LatencyAlpha float64
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		DegradedAfter:     2,
		DownAfter:         5,
		Window:            20,
		DegradedErrorRate: 0.5,
		LatencyAlpha:      0.2,
	}
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	def := DefaultTrackerConfig()
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = def.DegradedAfter
	}
	if c.DownAfter < c.DegradedAfter {
		c.DownAfter = c.DegradedAfter
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.DegradedErrorRate <= 0 || c.DegradedErrorRate > 1 {
		c.DegradedErrorRate = def.DegradedErrorRate
	}
	if c.LatencyAlpha <= 0 || c.LatencyAlpha > 1 {
		c.LatencyAlpha = def.LatencyAlpha
	}
	return c
}

type provider struct {
	Stats
	outcomes []bool // ring of recent results, true = failure
	next     int
	filled   int
	failed   int
}

func (p *provider) push(failed bool) {
	if p.filled == len(p.outcomes) {
		if p.outcomes[p.next] {
			p.failed--
		}
	} else {
		p.filled++
	}
	p.outcomes[p.next] = failed
	if failed {
		p.failed++
	}
	p.next = (p.next + 1) % len(p.outcomes)
}

// Tracker aggregates call outcomes per provider. It satisfies the
// dispatcher's health sink and is fed by the Prober.
type Tracker struct {
	cfg      TrackerConfig
	clk      clock.Clock
	bus      *events.Bus
	onUpdate func(providerID string, state State)

	mu        sync.RWMutex
	providers map[string]*provider
}

type TrackerOption func(*Tracker)

// WithEventBus publishes state transitions as health_change events.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) { t.bus = bus }
}

// WithOnUpdate registers a callback run after every observation, not only
// on transitions. The server uses it to keep the health gauge current.
func WithOnUpdate(fn func(providerID string, state State)) TrackerOption {
	return func(t *Tracker) { t.onUpdate = fn }
}

func WithClock(c clock.Clock) TrackerOption {
	return func(t *Tracker) { t.clk = c }
}

func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:       cfg.withDefaults(),
		clk:       clock.System{},
		providers: make(map[string]*provider),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe records one call to providerID. A nil err is a success.
func (t *Tracker) Observe(providerID string, latency time.Duration, err error) {
	now := t.clk.Now()

	t.mu.Lock()
	p := t.lookup(providerID, now)
	prev := p.State
	p.Calls++
	p.push(err != nil)
	if err != nil {
		p.Failures++
		p.ConsecFailures++
		p.LastError = err.Error()
		p.LastFailureAt = now
	} else {
		p.ConsecFailures = 0
		p.LastSuccessAt = now
		ms := float64(latency) / float64(time.Millisecond)
		if p.Calls-p.Failures == 1 {
			p.LatencyEWMAMs = ms
		} else {
			p.LatencyEWMAMs += t.cfg.LatencyAlpha * (ms - p.LatencyEWMAMs)
		}
	}
	p.State = t.classify(p)
	if p.State != prev {
		p.StateSince = now
	}
	next := p.State
	reason := p.LastError
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(providerID, next)
	}
	if next == prev || t.bus == nil {
		return
	}
	if next == StateHealthy {
		reason = "recovered"
	}
	t.bus.Publish(events.Event{
		Type:       events.EventHealthChange,
		Timestamp:  now,
		ProviderID: providerID,
		OldState:   string(prev),
		NewState:   string(next),
		Reason:     reason,
	})
}

func (t *Tracker) classify(p *provider) State {
	switch {
	case p.ConsecFailures >= t.cfg.DownAfter:
		return StateDown
	case p.ConsecFailures >= t.cfg.DegradedAfter:
		return StateDegraded
	case p.filled == len(p.outcomes) && p.rate() >= t.cfg.DegradedErrorRate:
		return StateDegraded
	}
	return StateHealthy
}

func (p *provider) rate() float64 {
	if p.filled == 0 {
		return 0
	}
	return float64(p.failed) / float64(p.filled)
}

func (p *provider) snapshot() Stats {
	s := p.Stats
	s.RecentErrorRate = p.rate()
	return s
}

func (t *Tracker) lookup(providerID string, now time.Time) *provider {
	p, ok := t.providers[providerID]
	if !ok {
		p = &provider{
			Stats:    Stats{ProviderID: providerID, State: StateHealthy, StateSince: now},
			outcomes: make([]bool, t.cfg.Window),
		}
		t.providers[providerID] = p
	}
	return p
}

// Get returns providerID's stats. Unknown providers report healthy.
func (t *Tracker) Get(providerID string) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.providers[providerID]; ok {
		return p.snapshot()
	}
	return Stats{ProviderID: providerID, State: StateHealthy}
}

// All returns every observed provider sorted by ID.
func (t *Tracker) All() []Stats {
	t.mu.RLock()
	out := make([]Stats, 0, len(t.providers))
	for _, p := range t.providers {
		out = append(out, p.snapshot())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// StateValue maps a state to the provider_health gauge value.
func StateValue(s State) float64 {
	switch s {
	case StateDegraded:
		return 1
	case StateDown:
		return 2
	}
	return 0
}
