package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, s *Subscriber) Event {
	t.Helper()
	select {
	case e := <-s.C:
		return e
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func assertEmpty(t *testing.T, s *Subscriber) {
	t.Helper()
	select {
	case e := <-s.C:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()
	a, b := bus.Subscribe(10), bus.Subscribe(10)
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	bus.Publish(Event{Type: EventTaskRouted, TaskKind: "hashtag_generation", ModelID: "gpt-4.1-mini"})

	for _, s := range []*Subscriber{a, b} {
		e := recv(t, s)
		if e.Type != EventTaskRouted || e.ModelID != "gpt-4.1-mini" {
			t.Errorf("got %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp should be stamped on publish")
		}
	}
	if bus.Published() != 1 {
		t.Errorf("Published() = %d, want 1", bus.Published())
	}
}

func TestPublishKeepsExplicitTimestamp(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe(1)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bus.Publish(Event{Type: EventCacheHit, Timestamp: ts})
	if got := recv(t, s).Timestamp; !got.Equal(ts) {
		t.Errorf("Timestamp = %s, want %s", got, ts)
	}
}

func TestSubscribeFiltersTypes(t *testing.T) {
	bus := NewBus()
	policy := bus.Subscribe(10, EventPolicyRefreshed, EventPolicyRefreshFailed)
	all := bus.Subscribe(10)

	bus.Publish(Event{Type: EventTaskRouted})
	bus.Publish(Event{Type: EventPolicyRefreshFailed, ErrorMsg: "timeout"})
	bus.Publish(Event{Type: EventHealthChange})

	if e := recv(t, policy); e.Type != EventPolicyRefreshFailed {
		t.Errorf("filtered subscriber got %s", e.Type)
	}
	assertEmpty(t, policy)
	if policy.Dropped() != 0 {
		t.Error("filtered-out events must not count as dropped")
	}

	for _, want := range []EventType{EventTaskRouted, EventPolicyRefreshFailed, EventHealthChange} {
		if e := recv(t, all); e.Type != want {
			t.Errorf("got %s, want %s", e.Type, want)
		}
	}
}

func TestSlowSubscriberDropsAndCounts(t *testing.T) {
	bus := NewBus()
	fast := bus.Subscribe(8)
	slow := bus.Subscribe(1)

	for _, id := range []string{"first", "second", "third"} {
		bus.Publish(Event{Type: EventUsageRecorded, UserID: id})
	}

	if e := recv(t, slow); e.UserID != "first" {
		t.Errorf("slow subscriber kept %q, want first", e.UserID)
	}
	assertEmpty(t, slow)
	if slow.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", slow.Dropped())
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast subscriber dropped %d", fast.Dropped())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	s1, s2 := bus.Subscribe(10), bus.Subscribe(10)
	if bus.SubscriberCount() != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", bus.SubscriberCount())
	}

	bus.Unsubscribe(s1)
	bus.Unsubscribe(s1) // idempotent
	if bus.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", bus.SubscriberCount())
	}
	select {
	case <-s1.Done():
	default:
		t.Error("Done should be closed after Unsubscribe")
	}

	bus.Publish(Event{Type: EventTaskDenied})
	assertEmpty(t, s1)
	recv(t, s2)
}

func TestCloseReleasesSubscribers(t *testing.T) {
	bus := NewBus()
	subs := []*Subscriber{bus.Subscribe(1), bus.Subscribe(1, EventHealthChange)}

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			<-s.Done()
		}(s)
	}
	bus.Close()
	wg.Wait()

	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d after Close", bus.SubscriberCount())
	}
	bus.Publish(Event{Type: EventHealthChange}) // must not panic
	bus.Unsubscribe(subs[0])                    // must not double-close

	late := bus.Subscribe(1)
	select {
	case <-late.Done():
	default:
		t.Error("subscribing to a closed bus should return a finished subscriber")
	}
}

func TestEventJSONOmitsUnsetFields(t *testing.T) {
	e := Event{
		Type:      EventHealthChange,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		OldState:  "healthy",
		NewState:  "degraded",
	}
	var m map[string]any
	if err := json.Unmarshal(e.JSON(), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["new_state"] != "degraded" {
		t.Errorf("new_state = %v", m["new_state"])
	}
	for _, k := range []string{"task_kind", "model_id", "cost_usd", "records"} {
		if _, ok := m[k]; ok {
			t.Errorf("%s should be omitted", k)
		}
	}
}
