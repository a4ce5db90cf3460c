package cache

import (
	"context"
	"time"

	"github.com/krisalay/cardstats/types"
)

/*
Cache defines the PUBLIC API of the popularity cache.
The scheduler and the control surface only ever see this interface; sharding,
freshness tiers and persistence are hidden behind it.
*/
type Cache interface {

	/*
		Get returns the last known counts for id.
		Stale and error entries are returned as well; freshness is decided by IsValid.
	*/
	Get(id string) (types.CacheEntry, bool)

	/*
		Set overwrites owners, wants and the capture time of id.

		BEHAVIOR:
		---------
		- isManual stamps ManualOverrideAt with now
		- otherwise an existing ManualOverrideAt is preserved
		- schedules a debounced save
	*/
	Set(id string, owners, wants int, isManual bool)

	/*
		IsValid reports whether ent is fresh. Error entries never are.
	*/
	IsValid(ent *types.CacheEntry) bool

	/*
		IsRecentlyManual reports whether ent was forced by a human within the cooldown.
		Such entries are treated as authoritative even when nominally stale.
	*/
	IsRecentlyManual(ent *types.CacheEntry) bool

	/*
		TTL returns the freshness window for an owner count.
	*/
	TTL(owners int) time.Duration

	/*
		View returns what the presentation layer renders for id.
	*/
	View(id string) (types.View, bool)

	/*
		Stats returns aggregate counters over every entry.
	*/
	Stats() Stats

	/*
		Export returns a copy of every entry.
	*/
	Export() map[string]types.CacheEntry

	/*
		Import merges a JSON object of entries. An entry replaces an existing one only if
		its capture time is newer. Malformed entries are skipped.

		RETURN VALUES:
		--------------
		The number of accepted entries, or an error if the payload is not a JSON object.
	*/
	Import(ctx context.Context, payload []byte) (int, error)

	/*
		PruneErrors removes every error entry. Operator action only.
	*/
	PruneErrors(ctx context.Context) (int, error)

	/*
		PruneByAge removes entries captured more than maxAge ago. Operator action only.
	*/
	PruneByAge(ctx context.Context, maxAge time.Duration) (int, error)

	/*
		Clear removes every entry from memory and durable storage.
	*/
	Clear(ctx context.Context) error

	/*
		Flush saves pending changes now.
	*/
	Flush(ctx context.Context) error

	/*
		Close flushes pending changes and stops background timers.
	*/
	Close(ctx context.Context) error
}

// Stats are aggregate counters over the cache.
type Stats struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Expired int `json:"expired"`
	Errors  int `json:"errors"`

	// OldestHours is the age of the oldest entry in whole hours.
	OldestHours int `json:"oldestEntry"`

	// NewestMinutes is the age of the newest entry in whole minutes.
	NewestMinutes int `json:"newestEntry"`
}
