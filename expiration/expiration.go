// This file defines how cache entries go stale over time.

package expiration

import (
	"time"

	"github.com/krisalay/cardstats/types"
)

/*
Strategy decides whether a cached count is still fresh. Instead of hard-coding
freshness into the cache, the rules live here so they can be swapped in tests.

Entries are never removed when they go stale. A stale entry is simply refetched
the next time the scheduler sees its identifier.
*/
type Strategy interface {

	// TTL returns how long a count with the given number of owners stays fresh.
	TTL(owners int) time.Duration

	// IsValid reports whether the entry is fresh at now. An error entry is never valid.
	IsValid(ent *types.CacheEntry, now time.Time) bool

	// IsRecentlyManual reports whether a human forced this entry within the cooldown window.
	IsRecentlyManual(ent *types.CacheEntry, now time.Time) bool
}
