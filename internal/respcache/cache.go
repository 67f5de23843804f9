// Package respcache memoises results of deterministic-enough task kinds,
// keyed by task kind, input hash, and tier.
package respcache

import (
	"context"
	"log/slog"
	"time"

	"github.com/jordanhubbard/taskhub/internal/router"
)

// Store is a response cache backend. A Get past the entry's expiry must
// miss.
type Store interface {
	Get(ctx context.Context, key string) (router.CachedResponse, bool, error)
	Set(ctx context.Context, key string, resp router.CachedResponse, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

const keyPrefix = "taskhub:resp:"

// Key builds the storage key for (kind, inputHash, tier).
func Key(kind router.TaskKind, inputHash string, tier router.Tier) string {
	return keyPrefix + string(kind) + ":" + string(tier) + ":" + inputHash
}

// ttlTable holds cache lifetimes per kind and tier. Lower tiers get longer
// lifetimes; enterprise results go stale quickly.
var ttlTable = map[router.TaskKind]map[router.Tier]time.Duration{
	router.KindHashtagGeneration: {
		router.TierAnonymous:  24 * time.Hour,
		router.TierCreator:    24 * time.Hour,
		router.TierInfluencer: 6 * time.Hour,
		router.TierEnterprise: time.Hour,
	},
	router.KindAltTextGeneration: {
		router.TierAnonymous:  7 * 24 * time.Hour,
		router.TierCreator:    7 * 24 * time.Hour,
		router.TierInfluencer: 24 * time.Hour,
		router.TierEnterprise: 6 * time.Hour,
	},
	router.KindContentCategorization: {
		router.TierAnonymous:  24 * time.Hour,
		router.TierCreator:    24 * time.Hour,
		router.TierInfluencer: 12 * time.Hour,
		router.TierEnterprise: 2 * time.Hour,
	},
	router.KindSentimentAnalysis: {
		router.TierAnonymous:  12 * time.Hour,
		router.TierCreator:    12 * time.Hour,
		router.TierInfluencer: 4 * time.Hour,
		router.TierEnterprise: time.Hour,
	},
}

// DefaultTTL applies to eligible kinds missing a tier entry.
const DefaultTTL = time.Hour

// Cache fronts a Store with the eligibility allow-list and TTL table.
// Backend errors are logged and reported as misses.
type Cache struct {
	store Store
}

func New(store Store) *Cache {
	return &Cache{store: store}
}

func (c *Cache) Store() Store { return c.store }

// Eligible reports whether results of kind may be cached.
func (c *Cache) Eligible(kind router.TaskKind) bool {
	_, ok := ttlTable[kind]
	return ok
}

// TTL returns the cache lifetime for (kind, tier), or zero for ineligible
// kinds.
func (c *Cache) TTL(kind router.TaskKind, tier router.Tier) time.Duration {
	row, ok := ttlTable[kind]
	if !ok {
		return 0
	}
	if d, ok := row[tier]; ok {
		return d
	}
	return DefaultTTL
}

func (c *Cache) Get(ctx context.Context, kind router.TaskKind, inputHash string, tier router.Tier) (router.CachedResponse, bool) {
	if !c.Eligible(kind) {
		return router.CachedResponse{}, false
	}
	resp, ok, err := c.store.Get(ctx, Key(kind, inputHash, tier))
	if err != nil {
		slog.Warn("response cache read failed",
			slog.String("task_kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return router.CachedResponse{}, false
	}
	return resp, ok
}

func (c *Cache) Put(ctx context.Context, kind router.TaskKind, inputHash string, tier router.Tier, resp router.CachedResponse, ttl time.Duration) {
	if !c.Eligible(kind) || ttl <= 0 {
		return
	}
	if err := c.store.Set(ctx, Key(kind, inputHash, tier), resp, ttl); err != nil {
		slog.Warn("response cache write failed",
			slog.String("task_kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}

// Invalidate removes one entry.
func (c *Cache) Invalidate(ctx context.Context, kind router.TaskKind, inputHash string, tier router.Tier) error {
	return c.store.Delete(ctx, Key(kind, inputHash, tier))
}
