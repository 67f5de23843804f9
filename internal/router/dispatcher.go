package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DegradedPrefix starts the output of every degraded result so that callers
// reading only the text can still detect degradation.
const DegradedPrefix = "[degraded] unable to complete request: "

// Provider is the model-provider abstraction the dispatcher delegates to.
// Adapters live in internal/providers; the interface is defined here to
// avoid an import cycle.
type Provider interface {
	Kind() ProviderKind
	GenerateText(ctx context.Context, prompt string, model string, params GenerationParameters) (Generation, error)
	GenerateChat(ctx context.Context, messages []Message, model string, params GenerationParameters) (Generation, error)
}

// Generation is a normalised provider response.
type Generation struct {
	Output     string
	TokenUsage *TokenUsage
}

// HealthChecker is an optional sink for provider call outcomes. A nil err
// is a success.
type HealthChecker interface {
	Observe(providerID string, latency time.Duration, err error)
}

// Outcome is the dispatcher's result: either a full generation or a
// degraded stand-in with zeroed usage.
type Outcome struct {
	Output     string
	TokenUsage *TokenUsage
	Status     Status
	Reason     string
	LatencyMs  int64
}

// ErrNoProvider is returned when no adapter serves a model's provider family.
var ErrNoProvider = errors.New("no provider registered")

// ErrProviderPanic wraps a panic recovered from a provider adapter.
var ErrProviderPanic = errors.New("provider panicked")

// Dispatcher invokes providers with an explicit per-call timeout and turns
// every failure into a degraded outcome.
type Dispatcher struct {
	timeout time.Duration
	health  HealthChecker

	mu        sync.RWMutex
	providers map[ProviderKind]Provider
}

// NewDispatcher creates a dispatcher. A zero timeout defaults to 30s.
func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		timeout:   timeout,
		providers: make(map[ProviderKind]Provider),
	}
}

// SetHealthChecker attaches a provider health tracker.
func (d *Dispatcher) SetHealthChecker(h HealthChecker) {
	d.health = h
}

// RegisterProvider registers an adapter for its provider family, replacing
// any previous one.
func (d *Dispatcher) RegisterProvider(p Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[p.Kind()] = p
}

// ProviderKinds lists the registered provider families.
func (d *Dispatcher) ProviderKinds() []ProviderKind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kinds := make([]ProviderKind, 0, len(d.providers))
	for k := range d.providers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Execute runs task against model. Role-tagged message input becomes a chat
// call; anything else is sent as a single text prompt. It never returns an
// error or panics: any provider failure yields a degraded outcome.
func (d *Dispatcher) Execute(ctx context.Context, model ModelDescriptor, task Task, params GenerationParameters) Outcome {
	d.mu.RLock()
	p, ok := d.providers[model.Provider]
	d.mu.RUnlock()
	if !ok {
		return degraded(fmt.Errorf("%w for %q", ErrNoProvider, model.Provider), 0)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	gen, err := call(ctx, p, model, task, params)
	elapsed := time.Since(start)
	latencyMs := elapsed.Milliseconds()

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("provider timed out after %s: %w", d.timeout, err)
		}
		if d.health != nil {
			d.health.Observe(string(model.Provider), elapsed, err)
		}
		slog.Warn("provider call failed, returning degraded result",
			slog.String("provider", string(model.Provider)),
			slog.String("model", model.ID),
			slog.String("task_kind", string(task.Kind)),
			slog.String("error", err.Error()),
		)
		return degraded(err, latencyMs)
	}

	if d.health != nil {
		d.health.Observe(string(model.Provider), elapsed, nil)
	}
	return Outcome{
		Output:     gen.Output,
		TokenUsage: gen.TokenUsage,
		Status:     StatusOK,
		LatencyMs:  latencyMs,
	}
}

// call invokes the provider, turning a panic in the adapter into an error.
func call(ctx context.Context, p Provider, model ModelDescriptor, task Task, params GenerationParameters) (gen Generation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProviderPanic, r)
		}
	}()
	if msgs, isChat := task.Input.([]Message); isChat {
		return p.GenerateChat(ctx, msgs, model.ID, params)
	}
	prompt, err := PromptText(task.Input)
	if err != nil {
		return Generation{}, err
	}
	return p.GenerateText(ctx, prompt, model.ID, params)
}

func degraded(err error, latencyMs int64) Outcome {
	return Outcome{
		Output:     DegradedPrefix + err.Error(),
		TokenUsage: &TokenUsage{},
		Status:     StatusDegraded,
		Reason:     err.Error(),
		LatencyMs:  latencyMs,
	}
}

// PromptText serialises non-conversational input into a single prompt.
// Strings pass through; raw JSON is used verbatim; everything else is
// marshalled to JSON.
func PromptText(input any) (string, error) {
	switch v := input.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	case []byte:
		return string(v), nil
	case []Message:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("serialise task input: %w", err)
	}
	return string(b), nil
}
