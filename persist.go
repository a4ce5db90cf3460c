package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/krisalay/cardstats/storage"
	"github.com/krisalay/cardstats/types"
)

// This file implements durable persistence: one blob when it fits, chunks when it does not.

const chunkFormatVersion = "3.1"

/*
chunkMeta describes a chunked save. It is written after every chunk succeeded.

Chunked saves alternate between two generations of chunk keys. A save writes the
generation the current meta does not point at, then switches the meta, so a save that
dies halfway leaves the previous snapshot loadable.
*/
type chunkMeta struct {
	Chunks       int    `json:"chunks"`
	TotalEntries int    `json:"totalEntries"`
	Version      string `json:"version"`
	Generation   int    `json:"generation,omitempty"`
}

func (c *ShardedCache) metaKey() string {
	return c.opts.Key + "_meta"
}

// chunkKey names chunk i of generation gen. Generation 0 uses the plain layout.
func (c *ShardedCache) chunkKey(gen, i int) string {
	if gen == 0 {
		return fmt.Sprintf("%s_chunk_%d", c.opts.Key, i)
	}
	return fmt.Sprintf("%s_g%d_chunk_%d", c.opts.Key, gen, i)
}

/*
persist is the SaveFunc of the write policy. It saves the full contents as one blob and
falls back to chunks when storage rejects the blob for size.
*/
func (c *ShardedCache) persist(ctx context.Context) error {
	snapshot := c.Export()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "failed to encode cache")
	}

	err = c.store.Set(ctx, c.opts.Key, data)
	switch {
	case err == nil:
		// chunks from an earlier oversized save would shadow this blob on load
		if err := c.removeChunks(ctx, 0); err != nil {
			return err
		}
		log.Debugf("Cache saved: %d entries", len(snapshot))
		return nil
	case errors.Is(err, storage.ErrQuotaExceeded):
		log.Warnf("Storage quota exceeded for %d entries, saving in chunks", len(snapshot))
		return c.persistChunked(ctx, snapshot)
	default:
		return errors.Wrap(err, "failed to save cache")
	}
}

func (c *ShardedCache) persistChunked(ctx context.Context, snapshot map[string]types.CacheEntry) error {
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	prev, err := c.readMeta(ctx)
	if err != nil {
		log.Warnf("Ignoring unreadable chunk metadata: %v", err)
	}
	gen := 0
	if prev != nil && prev.Generation == 0 {
		gen = 1
	}

	chunks := 0
	for start := 0; start < len(ids); start += c.opts.ChunkSize {
		end := start + c.opts.ChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		part := make(map[string]types.CacheEntry, end-start)
		for _, id := range ids[start:end] {
			part[id] = snapshot[id]
		}
		data, err := json.Marshal(part)
		if err != nil {
			return errors.Wrap(err, "failed to encode cache chunk")
		}
		if err := c.store.Set(ctx, c.chunkKey(gen, chunks), data); err != nil {
			return errors.Wrapf(err, "failed to save cache chunk %d", chunks)
		}
		chunks++
	}

	meta, err := json.Marshal(chunkMeta{
		Chunks:       chunks,
		TotalEntries: len(ids),
		Version:      chunkFormatVersion,
		Generation:   gen,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode chunk metadata")
	}
	if err := c.store.Set(ctx, c.metaKey(), meta); err != nil {
		return errors.Wrap(err, "failed to save chunk metadata")
	}

	if prev != nil {
		for i := 0; i < prev.Chunks; i++ {
			if err := c.store.Delete(ctx, c.chunkKey(prev.Generation, i)); err != nil {
				log.Warnf("Failed to delete previous cache chunk %d: %v", i, err)
			}
		}
	}
	if err := c.store.Delete(ctx, c.opts.Key); err != nil {
		log.Warnf("Failed to delete single-blob cache after chunked save: %v", err)
	}

	log.Infof("Cache saved in %d chunks (%d total entries)", chunks, len(ids))
	return nil
}

// readMeta returns nil, nil when no chunked save exists.
func (c *ShardedCache) readMeta(ctx context.Context) (*chunkMeta, error) {
	raw, err := c.store.Get(ctx, c.metaKey())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read chunk metadata")
	}
	var meta chunkMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Wrap(err, "failed to decode chunk metadata")
	}
	return &meta, nil
}

// removeChunks deletes the metadata first, then chunks from index from onwards.
func (c *ShardedCache) removeChunks(ctx context.Context, from int) error {
	meta, err := c.readMeta(ctx)
	if err != nil {
		log.Warnf("Ignoring unreadable chunk metadata: %v", err)
	}
	if err := c.store.Delete(ctx, c.metaKey()); err != nil {
		return errors.Wrap(err, "failed to delete chunk metadata")
	}
	if meta == nil {
		return nil
	}
	for i := from; i < meta.Chunks; i++ {
		if err := c.store.Delete(ctx, c.chunkKey(meta.Generation, i)); err != nil {
			log.Warnf("Failed to delete cache chunk %d: %v", i, err)
		}
	}
	return nil
}

/*
Load replaces the in-memory contents with the durable copy. Chunk metadata is read first;
without it (or if it is unreadable) the single blob is loaded. Missing storage is an empty cache.
*/
func (c *ShardedCache) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	for _, sh := range c.shards {
		sh.Store.Clear()
	}

	meta, err := c.readMeta(ctx)
	if err != nil {
		log.Warnf("Falling back to single-blob cache load: %v", err)
	}
	if meta != nil && meta.Chunks > 0 {
		loaded := 0
		for i := 0; i < meta.Chunks; i++ {
			raw, err := c.store.Get(ctx, c.chunkKey(meta.Generation, i))
			if err != nil {
				log.Warnf("Skipping cache chunk %d: %v", i, err)
				continue
			}
			n, err := c.loadBlob(raw)
			if err != nil {
				log.Warnf("Skipping cache chunk %d: %v", i, err)
				continue
			}
			loaded += n
		}
		log.Infof("Cache loaded: %d entries from %d chunks", loaded, meta.Chunks)
		return nil
	}

	raw, err := c.store.Get(ctx, c.opts.Key)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("Cache initialized (empty)")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read saved cache")
	}
	n, err := c.loadBlob(raw)
	if err != nil {
		return err
	}
	log.Infof("Cache loaded: %d entries", n)
	return nil
}

func (c *ShardedCache) loadBlob(raw []byte) (int, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return 0, errors.Wrap(err, "failed to decode saved cache")
	}
	n := 0
	for id, msg := range entries {
		var ent types.CacheEntry
		if err := json.Unmarshal(msg, &ent); err != nil {
			continue
		}
		c.shardFor(id).Store.Update(id, func(*types.CacheEntry) types.CacheEntry { return ent })
		n++
	}
	return n, nil
}
