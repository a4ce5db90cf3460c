package cache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	cache "github.com/krisalay/cardstats"
	"github.com/krisalay/cardstats/engine"
)

func newBenchmarkCache() *cache.ShardedCache {
	return cache.NewShardedCache(
		NewTestStore(),
		engine.NewCacheEngine(nil, nil, nil),
		cache.Options{SaveDelay: time.Hour},
	)
}

//
// ================= SINGLE THREAD BENCH =================
//

func BenchmarkCacheGetHit(b *testing.B) {
	c := newBenchmarkCache()
	c.Set("key", 10, 1, false)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ent, _ := c.Get("key")
		c.IsValid(&ent)
	}
}

func BenchmarkCacheGetMiss(b *testing.B) {
	c := newBenchmarkCache()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(fmt.Sprintf("miss-%d", i))
	}
}

//
// ================= PARALLEL BENCH =================
//

func BenchmarkCacheParallelGet(b *testing.B) {
	c := newBenchmarkCache()
	for i := 0; i < 1000; i++ {
		c.Set(fmt.Sprintf("key-%d", i), i, i, false)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c.Get("key-42")
		}
	})
}

//
// ================= WRITE BENCH =================
//

func BenchmarkCacheSet(b *testing.B) {
	c := newBenchmarkCache()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Set(fmt.Sprintf("key-%d", i), i, i, false)
	}
}

//
// ================= PERSISTENCE BENCH =================
//

func BenchmarkCacheFlush(b *testing.B) {
	ctx := context.Background()
	c := newBenchmarkCache()
	for i := 0; i < 10000; i++ {
		c.Set(fmt.Sprintf("key-%d", i), i, i, false)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Set("key-0", i, i, false)
		_ = c.Flush(ctx)
	}
}

//
// ================= HIGH CONCURRENCY TEST =================
//

func BenchmarkCacheHighConcurrency(b *testing.B) {
	c := newBenchmarkCache()

	keys := make([]string, 10000)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		c.Set(keys[i], i, i, false)
	}

	b.ResetTimer()

	wg := sync.WaitGroup{}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < b.N/100; j++ {
				k := keys[(j+id)%len(keys)]
				if j%10 == 0 {
					c.Set(k, j, j, false)
				} else {
					c.Get(k)
				}
			}
		}(i)
	}
	wg.Wait()
}
