package respcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/taskhub/internal/clock"
	"github.com/jordanhubbard/taskhub/internal/router"
)

// DefaultMaxEntries bounds a MemoryStore created with maxEntries <= 0.
const DefaultMaxEntries = 10000

type memEntry struct {
	key       string
	resp      router.CachedResponse
	expiresAt time.Time
}

// MemoryStore is a size-limited in-process Store. Expired entries are
// dropped lazily on Get and in bulk by Sweep.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front is the least recently written
	maxEntries int
	clk        clock.Clock
}

// NewMemoryStore creates a MemoryStore that evicts the least recently
// written entry once maxEntries is reached.
func NewMemoryStore(clk clock.Clock, maxEntries int) *MemoryStore {
	if clk == nil {
		clk = clock.System{}
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		clk:        clk,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (router.CachedResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[key]
	if !ok {
		return router.CachedResponse{}, false, nil
	}
	e := el.Value.(*memEntry)
	if !m.clk.Now().Before(e.expiresAt) {
		m.remove(el)
		return router.CachedResponse{}, false, nil
	}
	return e.resp, true, nil
}

// Set stores resp under key. If the store is full the least recently
// written entry is evicted to make room.
func (m *MemoryStore) Set(_ context.Context, key string, resp router.CachedResponse, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt := m.clk.Now().Add(ttl)
	if el, ok := m.entries[key]; ok {
		e := el.Value.(*memEntry)
		e.resp, e.expiresAt = resp, expiresAt
		m.order.MoveToBack(el)
		return nil
	}
	if m.order.Len() >= m.maxEntries {
		m.remove(m.order.Front())
	}
	m.entries[key] = m.order.PushBack(&memEntry{key: key, resp: resp, expiresAt: expiresAt})
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	if el, ok := m.entries[key]; ok {
		m.remove(el)
	}
	m.mu.Unlock()
	return nil
}

// Sweep removes every expired entry and returns how many were dropped.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	n := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*memEntry).expiresAt) {
			m.remove(el)
			n++
		}
		el = next
	}
	return n
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// remove drops el from both indexes. Caller must hold m.mu.
func (m *MemoryStore) remove(el *list.Element) {
	if el == nil {
		return
	}
	m.order.Remove(el)
	delete(m.entries, el.Value.(*memEntry).key)
}
