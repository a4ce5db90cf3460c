package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	api "github.com/krisalay/cardstats/api"
	"github.com/krisalay/cardstats/engine"
	"github.com/krisalay/cardstats/shard"
	"github.com/krisalay/cardstats/storage"
	"github.com/krisalay/cardstats/types"
	"github.com/krisalay/cardstats/writepolicy"
)

const (
	DefaultKey       = "mbuf_cache_v3"
	DefaultChunkSize = 10000
	DefaultSaveDelay = 2 * time.Second
	DefaultShards    = 16
)

// Options configures a ShardedCache. Zero values select the defaults.
type Options struct {
	Shards int

	// Key is the storage key of the single-blob save. Chunks and metadata derive from it.
	Key string

	// ChunkSize is the number of entries per chunk when the single blob does not fit.
	ChunkSize int

	// SaveDelay is the debounce window of the write-back policy.
	SaveDelay time.Duration

	// WriteThrough saves on every write instead of debouncing.
	WriteThrough bool
}

func (o *Options) setDefaults() {
	if o.Shards <= 0 {
		o.Shards = DefaultShards
	}
	if o.Key == "" {
		o.Key = DefaultKey
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.SaveDelay <= 0 {
		o.SaveDelay = DefaultSaveDelay
	}
}

/*
ShardedCache is the tiered-TTL store of last known counts.
This struct is the orchestrator that connects:
- shards (in-memory entries)
- engine (freshness rules, write policy, metrics)
- storage (durable persistence, chunked when needed)
*/
type ShardedCache struct {
	shards   []*shard.Shard
	selector shard.Selector
	engine   *engine.CacheEngine
	store    storage.Store
	opts     Options
}

var _ api.Cache = (*ShardedCache)(nil)

/*
NewShardedCache creates an empty cache. Call Load to read the durable copy.

If store is nil the cache lives only in memory. Otherwise, unless the engine
already carries a write policy, a write-back (or write-through) policy saving into
store is installed.
*/
func NewShardedCache(store storage.Store, eng *engine.CacheEngine, opts Options) *ShardedCache {
	opts.setDefaults()
	if eng == nil {
		eng = engine.NewCacheEngine(nil, nil, nil)
	}
	c := &ShardedCache{
		shards:   shard.NewShards(opts.Shards),
		selector: shard.HashSelector{},
		engine:   eng,
		store:    store,
		opts:     opts,
	}
	if store != nil && eng.WritePolicy == nil {
		if opts.WriteThrough {
			eng.WritePolicy = writepolicy.NewWriteThroughPolicy(c.persist)
		} else {
			eng.WritePolicy = writepolicy.NewWriteBackPolicy(c.persist, opts.SaveDelay)
		}
	}
	return c
}

func (c *ShardedCache) shardFor(id string) *shard.Shard {
	return c.selector.Select(id, c.shards)
}

/*
Get retrieves the entry for id, fresh or not.
*/
func (c *ShardedCache) Get(id string) (types.CacheEntry, bool) {
	return c.shardFor(id).Store.Get(id)
}

/*
Set records a fetch result. There is no eviction: the entry stays until an operator prunes it.
Timestamps are kept at millisecond precision, the resolution of the exported form.
*/
func (c *ShardedCache) Set(id string, owners, wants int, isManual bool) {
	now := c.engine.Now().Truncate(time.Millisecond)
	c.shardFor(id).Store.Update(id, func(cur *types.CacheEntry) types.CacheEntry {
		ent := types.CacheEntry{Owners: owners, Wants: wants, CapturedAt: now}
		if isManual {
			m := now
			ent.ManualOverrideAt = &m
		} else if cur != nil && cur.ManualOverrideAt != nil {
			m := *cur.ManualOverrideAt
			ent.ManualOverrideAt = &m
		}
		return ent
	})
	c.engine.OnWrite(id)
}

func (c *ShardedCache) IsValid(ent *types.CacheEntry) bool {
	return c.engine.IsValid(ent)
}

func (c *ShardedCache) IsRecentlyManual(ent *types.CacheEntry) bool {
	return c.engine.IsRecentlyManual(ent)
}

func (c *ShardedCache) TTL(owners int) time.Duration {
	return c.engine.TTL(owners)
}

// View returns the presentation tuple for id.
func (c *ShardedCache) View(id string) (types.View, bool) {
	ent, ok := c.Get(id)
	if !ok {
		return types.View{}, false
	}
	return types.View{
		Owners:            ent.Owners,
		Wants:             ent.Wants,
		IsExpired:         !c.IsValid(&ent),
		IsManuallyUpdated: c.IsRecentlyManual(&ent),
		HasError:          ent.HasError(),
	}, true
}

// Len returns the number of entries.
func (c *ShardedCache) Len() int {
	n := 0
	for _, sh := range c.shards {
		n += sh.Store.Size()
	}
	return n
}

func (c *ShardedCache) rangeAll(fn func(string, types.CacheEntry) bool) {
	for _, sh := range c.shards {
		stop := false
		sh.Store.Range(func(k string, v types.CacheEntry) bool {
			if !fn(k, v) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}
	}
}

/*
Stats walks every entry. Expired includes error entries; Valid + Expired == Total.
*/
func (c *ShardedCache) Stats() api.Stats {
	now := c.engine.Now()
	var (
		st             api.Stats
		oldest, newest time.Time
	)
	c.rangeAll(func(_ string, ent types.CacheEntry) bool {
		st.Total++
		if ent.HasError() {
			st.Errors++
		}
		if c.engine.Expiration.IsValid(&ent, now) {
			st.Valid++
		} else {
			st.Expired++
		}
		if oldest.IsZero() || ent.CapturedAt.Before(oldest) {
			oldest = ent.CapturedAt
		}
		if newest.IsZero() || ent.CapturedAt.After(newest) {
			newest = ent.CapturedAt
		}
		return true
	})
	if st.Total > 0 {
		st.OldestHours = int(now.Sub(oldest) / time.Hour)
		st.NewestMinutes = int(now.Sub(newest) / time.Minute)
	}
	return st
}

// MemoryEstimate is a rough in-memory footprint at about 100 bytes per entry.
func (c *ShardedCache) MemoryEstimate() int64 {
	return int64(c.Len()) * 100
}

func (c *ShardedCache) Export() map[string]types.CacheEntry {
	out := make(map[string]types.CacheEntry, c.Len())
	c.rangeAll(func(k string, v types.CacheEntry) bool {
		out[k] = v
		return true
	})
	return out
}

var ErrInvalidImport = errors.New("import payload must be a JSON object of entries")

/*
Import merges exported entries. Entries that are not objects or lack a numeric ts are
skipped; an entry only replaces an existing one with a strictly newer capture time.
Accepted entries are saved before Import returns.
*/
func (c *ShardedCache) Import(ctx context.Context, payload []byte) (int, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil || raw == nil {
		return 0, ErrInvalidImport
	}

	imported := 0
	for id, msg := range raw {
		if id == "" {
			continue
		}
		var ent types.CacheEntry
		if err := json.Unmarshal(msg, &ent); err != nil {
			log.Debugf("Skipping malformed import entry %s: %v", id, err)
			continue
		}
		accepted := false
		c.shardFor(id).Store.Update(id, func(cur *types.CacheEntry) types.CacheEntry {
			if cur == nil || ent.CapturedAt.After(cur.CapturedAt) {
				accepted = true
				return ent
			}
			return *cur
		})
		if accepted {
			imported++
		}
	}

	if imported > 0 {
		c.engine.OnWrite("")
		log.Infof("Imported %d/%d cache entries", imported, len(raw))
		if err := c.save(ctx); err != nil {
			return imported, errors.Wrap(err, "imported entries were not saved")
		}
	}
	return imported, nil
}

// PruneErrors removes every entry carrying the error sentinel.
func (c *ShardedCache) PruneErrors(ctx context.Context) (int, error) {
	return c.prune(ctx, "error", func(_ string, ent types.CacheEntry) bool {
		return ent.HasError()
	})
}

// PruneByAge removes every entry captured more than maxAge ago.
func (c *ShardedCache) PruneByAge(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, errors.Errorf("invalid max age %s", maxAge)
	}
	now := c.engine.Now()
	return c.prune(ctx, "stale", func(_ string, ent types.CacheEntry) bool {
		return now.Sub(ent.CapturedAt) > maxAge
	})
}

func (c *ShardedCache) prune(ctx context.Context, what string, match func(string, types.CacheEntry) bool) (int, error) {
	removed := 0
	for _, sh := range c.shards {
		removed += sh.Store.DeleteIf(match)
	}
	if removed == 0 {
		return 0, nil
	}
	log.Infof("Removed %d %s entries from the cache", removed, what)
	c.engine.OnWrite("")
	return removed, c.save(ctx)
}

// Clear drops every entry and removes the durable copy, chunks included.
func (c *ShardedCache) Clear(ctx context.Context) error {
	for _, sh := range c.shards {
		sh.Store.Clear()
	}
	if c.store == nil {
		return nil
	}
	if err := c.removeChunks(ctx, 0); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, c.opts.Key); err != nil {
		return errors.Wrap(err, "failed to delete saved cache")
	}
	// a pending debounced save would only write the empty map again
	c.engine.OnWrite("")
	log.Info("Cache cleared")
	return nil
}

func (c *ShardedCache) Flush(ctx context.Context) error {
	if c.engine.WritePolicy == nil {
		return nil
	}
	return c.engine.WritePolicy.Flush(ctx)
}

// save returns once every write made before the call is durable. A single Flush may
// only join a save whose snapshot predates those writes, so a second one follows.
func (c *ShardedCache) save(ctx context.Context) error {
	if err := c.Flush(ctx); err != nil {
		return err
	}
	return c.Flush(ctx)
}

/*
Close gracefully shuts down the cache so pending debounced writes are flushed.
*/
func (c *ShardedCache) Close(ctx context.Context) error {
	if c.engine.WritePolicy == nil {
		return nil
	}
	return c.engine.WritePolicy.Close(ctx)
}
