package shard

/*
This file defines what a "Shard" is. A shard is a small, independent piece of the cache.
Instead of one big map and one big lock, the cache is split into shards, each with its
own lock, so concurrent batch workers committing different items rarely contend.

There is no eviction: entries only leave a shard through explicit prune or clear calls.
*/
type Shard struct {

	// Store holds the actual key → entry data for this shard.
	Store ShardStore
}

func NewShard() *Shard {
	return &Shard{Store: NewMapStore()}
}

// NewShards returns n shards, at least one.
func NewShards(n int) []*Shard {
	if n < 1 {
		n = 1
	}
	s := make([]*Shard, n)
	for i := range s {
		s[i] = NewShard()
	}
	return s
}
