package writepolicy

import "context"

/*
This file defines what a "write policy" is: when does an in-memory change
reach durable storage.

- Write-back: coalesce writes and save after a short quiet period
- Write-through: save on every write (small caches, one-shot runs, tests)
*/

// SaveFunc writes the full current state of the cache to durable storage.
type SaveFunc func(ctx context.Context) error

/*
WritePolicy is the contract the cache calls into. The cache does not care which
policy is used.
*/
type WritePolicy interface {

	/*
		OnWrite is called after every mutation of the cache.
	*/
	OnWrite(key string)

	/*
		Flush saves now if anything changed since the last save. A caller that
		arrives while a save is running waits for that save instead of starting another.
	*/
	Flush(ctx context.Context) error

	/*
		Close stops background timers and flushes pending changes.
	*/
	Close(ctx context.Context) error
}
