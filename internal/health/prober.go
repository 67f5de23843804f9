package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Probeable is a provider adapter that exposes a cheap reachability URL.
type Probeable interface {
	ID() string
	HealthEndpoint() string
}

// ProberConfig configures the health check prober.
type ProberConfig struct {
	ProbeTimeout time.Duration
	// MaxConcurrent bounds in-flight probes per round.
	MaxConcurrent int
}

func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		ProbeTimeout:  5 * time.Second,
		MaxConcurrent: 4,
	}
}

// aliveStatuses prove a provider endpoint is reachable even though an
// unauthenticated GET is rejected.
var aliveStatuses = map[int]bool{
	http.StatusUnauthorized:     true, // openai /v1/models
	http.StatusForbidden:        true, // google without key
	http.StatusMethodNotAllowed: true, // anthropic /v1/messages
}

// ProbeResult is the outcome of probing one provider.
type ProbeResult struct {
	ProviderID string  `json:"provider_id"`
	Healthy    bool    `json:"healthy"`
	StatusCode int     `json:"status_code,omitempty"`
	LatencyMs  float64 `json:"latency_ms"`
	Error      string  `json:"error,omitempty"`
	State      State   `json:"state"`
}

// Prober checks provider reachability and feeds the Tracker. The server
// schedules ProbeAll; admins can also trigger it on demand.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	client  *http.Client
	logger  *slog.Logger

	mu      sync.RWMutex
	targets map[string]Probeable
}

func NewProber(cfg ProberConfig, tracker *Tracker, client *http.Client, logger *slog.Logger) *Prober {
	def := DefaultProberConfig()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		client:  client,
		logger:  logger,
		targets: make(map[string]Probeable),
	}
}

// AddTarget registers a provider, replacing any with the same ID.
func (p *Prober) AddTarget(t Probeable) {
	p.mu.Lock()
	p.targets[t.ID()] = t
	p.mu.Unlock()
}

// Targets returns the registered provider IDs in sorted order.
func (p *Prober) Targets() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.targets))
	for id := range p.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProbeAll probes every target with bounded concurrency and returns the
// results sorted by provider ID. Targets without an endpoint are skipped.
func (p *Prober) ProbeAll(ctx context.Context) []ProbeResult {
	p.mu.RLock()
	targets := make([]Probeable, 0, len(p.targets))
	for _, t := range p.targets {
		if t.HealthEndpoint() != "" {
			targets = append(targets, t)
		}
	}
	p.mu.RUnlock()

	results := make([]ProbeResult, len(targets))
	var g errgroup.Group
	g.SetLimit(p.cfg.MaxConcurrent)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = p.probe(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].ProviderID < results[j].ProviderID })
	return results
}

func (p *Prober) probe(ctx context.Context, target Probeable) ProbeResult {
	id := target.ID()
	res := ProbeResult{ProviderID: id}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := p.check(ctx, target.HealthEndpoint(), &res)
	latency := time.Since(start)
	res.LatencyMs = float64(latency.Milliseconds())
	res.Healthy = err == nil

	if err != nil {
		res.Error = err.Error()
		p.tracker.Observe(id, latency, fmt.Errorf("probe: %w", err))
		p.logger.Warn("health probe failed",
			slog.String("provider", id),
			slog.String("error", res.Error),
		)
	} else {
		p.tracker.Observe(id, latency, nil)
		p.logger.Debug("health probe ok",
			slog.String("provider", id),
			slog.Int("status", res.StatusCode),
			slog.Float64("latency_ms", res.LatencyMs),
		)
	}
	res.State = p.tracker.Get(id).State
	return res
}

func (p *Prober) check(ctx context.Context, url string, res *ProbeResult) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 || aliveStatuses[resp.StatusCode] {
		return nil
	}
	return fmt.Errorf("HTTP %s", resp.Status)
}
