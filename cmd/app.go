package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	cache "github.com/krisalay/cardstats"
	"github.com/krisalay/cardstats/config"
	"github.com/krisalay/cardstats/control"
	"github.com/krisalay/cardstats/discovery"
	"github.com/krisalay/cardstats/engine"
	"github.com/krisalay/cardstats/estimator"
	"github.com/krisalay/cardstats/expiration"
	"github.com/krisalay/cardstats/metrics"
	"github.com/krisalay/cardstats/ratelimit"
	"github.com/krisalay/cardstats/retry"
	"github.com/krisalay/cardstats/scheduler"
	"github.com/krisalay/cardstats/source"
	"github.com/krisalay/cardstats/storage"
)

// app is the composition root: one instance of every service, wired together.
type app struct {
	store     storage.Store
	cache     *cache.ShardedCache
	limiter   *ratelimit.SlidingWindow
	scheduler *scheduler.Scheduler
	handler   *control.Handler
	registry  *prometheus.Registry
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := storage.New(storage.Options{
		Backend:       cfg.Storage.Backend,
		Dir:           cfg.Storage.Dir,
		RedisAddr:     cfg.Storage.Redis.Addr,
		RedisPassword: cfg.Storage.Redis.Password,
		RedisDB:       cfg.Storage.Redis.DB,
		RedisPrefix:   cfg.Storage.Redis.Prefix,
		SQLitePath:    cfg.Storage.SQLitePath,
		MaxValueBytes: cfg.Storage.MaxValueBytes,
	})
	if err != nil {
		return nil, err
	}

	tiers, err := expiration.NewTiered(expiration.DefaultTiers, expiration.DefaultFallbackTTL, cfg.Cache.ManualCooldown)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	c := cache.NewShardedCache(store, engine.NewCacheEngine(tiers, nil, collector), cache.Options{
		Shards:       cfg.Cache.Shards,
		Key:          cfg.Cache.Key,
		ChunkSize:    cfg.Cache.ChunkSize,
		SaveDelay:    cfg.Cache.SaveDelay,
		WriteThrough: cfg.Cache.WriteThrough,
	})
	if err := c.Load(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to load cache")
	}
	log.Infof("Loaded %d cached entries from %s storage", c.Len(), cfg.Storage.Backend)

	limiter := ratelimit.NewSlidingWindow(cfg.RateLimit.Max, cfg.RateLimit.Window)

	srcOpts := source.Options{
		BaseURL:   cfg.Source.BaseURL,
		Timeout:   cfg.Source.Timeout,
		UserAgent: cfg.Source.UserAgent,
		Cookie:    cfg.Source.Cookie,
	}
	sched := scheduler.New(c, source.NewHTTPSource(srcOpts), limiter, scheduler.Options{
		BatchSize:       cfg.Scheduler.BatchSize,
		BatchPause:      cfg.Scheduler.BatchPause,
		FailureCooldown: cfg.Scheduler.FailureCooldown,
		Retry: retry.Policy{
			MaxAttempts:          cfg.Retry.MaxAttempts,
			BaseDelay:            cfg.Retry.BaseDelay,
			MaxDelay:             cfg.Retry.MaxDelay,
			ThrottledMaxAttempts: cfg.Retry.ThrottledMaxAttempts,
			ThrottledDelay:       cfg.Retry.ThrottledDelay,
		},
		Owners:  estimator.Config(cfg.Estimator.Owners),
		Wants:   estimator.Config(cfg.Estimator.Wants),
		Metrics: collector,
	})
	metrics.RegisterState(reg, c, limiter, sched.Pending)

	var disc discovery.Source = discovery.Static(cfg.Discovery.IDs)
	if cfg.Discovery.File != "" {
		disc = discovery.NewFile(nil, cfg.Discovery.File)
	}

	h := control.NewHandler(ctx, control.Deps{
		Cache:      c,
		Scheduler:  sched,
		Limiter:    limiter,
		Discovery:  disc,
		Resolver:   source.NewResolver(srcOpts),
		Store:      store,
		MaxEntries: cfg.Cache.MaxEntries,
	})
	if err := h.LoadEnabled(ctx); err != nil {
		log.Warnf("Ignoring stored enabled flag: %v", err)
	}

	return &app{
		store:     store,
		cache:     c,
		limiter:   limiter,
		scheduler: sched,
		handler:   h,
		registry:  reg,
	}, nil
}

// close waits for background passes, flushes the cache and releases storage.
func (a *app) close() {
	a.handler.Wait()
	if err := a.cache.Close(context.Background()); err != nil {
		log.Errorf("Failed to save cache: %v", err)
	}
	if err := storage.Close(a.store); err != nil {
		log.Errorf("Failed to close storage: %v", err)
	}
}
