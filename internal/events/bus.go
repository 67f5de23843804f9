// Package events is an in-process pub/sub bus for routing, policy, usage
// and health notifications. Publishing never blocks: a subscriber that
// falls behind loses events and the loss is counted.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventTaskRouted          EventType = "task_routed"
	EventTaskDenied          EventType = "task_denied"
	EventTaskDegraded        EventType = "task_degraded"
	EventCacheHit            EventType = "cache_hit"
	EventPolicyRefreshed     EventType = "policy_refreshed"
	EventPolicyRefreshFailed EventType = "policy_refresh_failed"
	EventUsageRecorded       EventType = "usage_recorded"
	EventUsageDropped        EventType = "usage_dropped"
	EventHealthChange        EventType = "health_change"
)

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Task and usage events.
	TaskKind   string  `json:"task_kind,omitempty"`
	Tier       string  `json:"tier,omitempty"`
	UserID     string  `json:"user_id,omitempty"`
	ModelID    string  `json:"model_id,omitempty"`
	ProviderID string  `json:"provider_id,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
	Tokens     int     `json:"tokens,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	Reason     string  `json:"reason,omitempty"`

	// Policy refresh events.
	Records  int    `json:"records,omitempty"`
	ErrorMsg string `json:"error_msg,omitempty"`

	// health_change events.
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
}

func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on C until it is unsubscribed or the bus is
// closed, at which point Done is closed. C itself is never closed.
type Subscriber struct {
	C       chan Event
	done    chan struct{}
	types   map[EventType]bool // nil = all types
	dropped atomic.Uint64
}

func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Dropped reports how many events were discarded because C was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscriber) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	closed      bool
	published   atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a subscriber with a buffer of bufSize (64 when
// non-positive). When types are given only those event types are delivered.
// Subscribing to a closed bus returns a subscriber whose Done is closed.
func (b *Bus) Subscribe(bufSize int, types ...EventType) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.done)
		return s
	}
	b.subscribers[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its Done channel. It is idempotent.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, ok := b.subscribers[s]
	delete(b.subscribers, s)
	b.mu.Unlock()
	if ok {
		close(s.done)
	}
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.C <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close releases every subscriber. Later publishes reach nobody.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[*Subscriber]struct{})
	b.closed = true
	b.mu.Unlock()
	for s := range subs {
		close(s.done)
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Published reports the number of events published since creation.
func (b *Bus) Published() uint64 { return b.published.Load() }
