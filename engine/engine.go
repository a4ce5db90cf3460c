package engine

import (
	"time"

	"github.com/krisalay/cardstats/expiration"
	"github.com/krisalay/cardstats/types"
	"github.com/krisalay/cardstats/writepolicy"
)

/*
CacheEngine is the policy layer of the cache.

It decides:
- When an entry is fresh (rarity tiers, error sentinel)
- Whether a manual refresh is still authoritative
- How writes reach durable storage
- How events are reported

It does NOT:
- Store data
- Handle sharding or locking
- Talk to the remote listing
*/
type CacheEngine struct {

	// Expiration decides freshness. Never nil.
	Expiration expiration.Strategy

	// WritePolicy decides when writes reach durable storage.
	// If nil, cache writes stay only in memory.
	WritePolicy writepolicy.WritePolicy

	// Metrics records hits, misses and commits. Never nil.
	Metrics types.Metrics

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

/*
NewCacheEngine creates a CacheEngine. A nil strategy means the default tiers,
nil metrics means NoopMetrics.
*/
func NewCacheEngine(
	exp expiration.Strategy,
	writePolicy writepolicy.WritePolicy,
	metrics types.Metrics,
) *CacheEngine {
	if exp == nil {
		exp = expiration.NewDefaultTiered()
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	return &CacheEngine{
		Expiration:  exp,
		WritePolicy: writePolicy,
		Metrics:     metrics,
		Now:         time.Now,
	}
}

// IsValid reports whether ent is fresh right now.
func (e *CacheEngine) IsValid(ent *types.CacheEntry) bool {
	return e.Expiration.IsValid(ent, e.Now())
}

// IsRecentlyManual reports whether ent was forced by a human within the cooldown.
func (e *CacheEngine) IsRecentlyManual(ent *types.CacheEntry) bool {
	return e.Expiration.IsRecentlyManual(ent, e.Now())
}

// TTL returns the freshness window for an owner count.
func (e *CacheEngine) TTL(owners int) time.Duration {
	return e.Expiration.TTL(owners)
}

/*
OnWrite is called after the cache mutated key. It must be called without holding
any cache lock: a write-through policy saves synchronously and reads the whole cache.
*/
func (e *CacheEngine) OnWrite(key string) {
	if e.WritePolicy != nil {
		e.WritePolicy.OnWrite(key)
	}
}
