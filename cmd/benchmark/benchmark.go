package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	cache "github.com/krisalay/cardstats"
	"github.com/krisalay/cardstats/storage"
)

// ================= BENCHMARK =================

func main() {
	ctx := context.Background()

	const (
		shards      = 16
		preloadKeys = 100000
		goroutines  = 200
		opsPerG     = 5000
		quotaBytes  = 1 << 20
	)

	fmt.Println("\n================ CACHE LOAD BENCHMARK =================")
	fmt.Println("CONFIG")
	fmt.Println("---------------------------------")
	fmt.Println("Shards       :", shards)
	fmt.Println("Preload Keys :", preloadKeys)
	fmt.Println("Goroutines   :", goroutines)
	fmt.Println("Ops/Goroutine:", opsPerG)
	fmt.Println("Quota        :", quotaBytes, "bytes per value")
	fmt.Println("---------------------------------")

	// ---------------- Backing Store ----------------
	mem := storage.NewMemoryStore()
	store := storage.WithQuota(mem, quotaBytes)

	c := cache.NewShardedCache(store, nil, cache.Options{Shards: shards, SaveDelay: time.Hour})

	// ---------------- Preload Cache ----------------
	fmt.Println("Preloading cache...")
	for i := 0; i < preloadKeys; i++ {
		c.Set(strconv.Itoa(i), i%1500, i%90, false)
	}
	fmt.Println("Preload complete.")

	// ---------------- Read/Write Load ----------------
	fmt.Println("Running concurrency benchmark...")
	start := time.Now()

	wg := sync.WaitGroup{}
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerG; j++ {
				key := strconv.Itoa(j % preloadKeys)
				if j%10 == 0 {
					c.Set(key, j%1500, id%90, false)
					continue
				}
				c.View(key)
			}
		}(i)
	}
	wg.Wait()

	duration := time.Since(start)
	totalOps := goroutines * opsPerG

	// ---------------- Persistence ----------------
	fmt.Println("Saving (chunked when over quota)...")
	saveStart := time.Now()
	if err := c.Flush(ctx); err != nil {
		fmt.Println("save failed:", err)
		return
	}
	saveDuration := time.Since(saveStart)

	loaded := cache.NewShardedCache(store, nil, cache.Options{Shards: shards})
	loadStart := time.Now()
	if err := loaded.Load(ctx); err != nil {
		fmt.Println("load failed:", err)
		return
	}
	loadDuration := time.Since(loadStart)

	fmt.Println("\n================ RESULTS =================")
	fmt.Printf("Total Operations : %d\n", totalOps)
	fmt.Printf("Total Time       : %v\n", duration)
	fmt.Printf("Throughput       : %.2f ops/sec\n", float64(totalOps)/duration.Seconds())
	fmt.Printf("Save Time        : %v (%d storage keys)\n", saveDuration, len(mem.Keys()))
	fmt.Printf("Load Time        : %v (%d entries)\n", loadDuration, loaded.Len())
	fmt.Println("=========================================")

	_ = c.Close(ctx)
	_ = loaded.Close(ctx)
}
