// Package metrics exports pipeline events and cache state to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	api "github.com/krisalay/cardstats/api"
	"github.com/krisalay/cardstats/ratelimit"
	"github.com/krisalay/cardstats/types"
)

const namespace = "cardstats"

// Collector implements types.Metrics with Prometheus counters.
type Collector struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	requests    *prometheus.CounterVec
	rateLimited prometheus.Counter
	retries     *prometheus.CounterVec
	commits     *prometheus.CounterVec
	dropped     prometheus.Counter
}

var _ types.Metrics = (*Collector)(nil)

// NewCollector registers the counters with reg. A nil reg means the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		hits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Identifiers whose cached counts were fresh or recently set by hand",
		}),
		misses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Identifiers that needed a refresh",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Outbound listing page requests",
		}, []string{"kind"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests denied a slot by the local rate limiter",
		}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried requests by failure kind",
		}, []string{"kind"}),
		commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Results written to the cache",
		}, []string{"result"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Results discarded because their pass was cancelled",
		}),
	}
}

func (c *Collector) Hit()  { c.hits.Inc() }
func (c *Collector) Miss() { c.misses.Inc() }

func (c *Collector) Request(kind types.ListingKind) {
	c.requests.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) RateLimited() { c.rateLimited.Inc() }

func (c *Collector) Retry(kind types.ErrorKind) {
	c.retries.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) Committed(failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	c.commits.WithLabelValues(result).Inc()
}

func (c *Collector) Dropped() { c.dropped.Inc() }

/*
RegisterState exports gauges read at scrape time: cache entry counts, fetches in
flight and the limiter window. pending may be nil.
*/
func RegisterState(reg prometheus.Registerer, c api.Cache, limiter ratelimit.Limiter, pending func() int) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Entries in the cache",
	}, func() float64 { return float64(c.Stats().Total) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_error_entries",
		Help:      "Entries holding the error sentinel",
	}, func() float64 { return float64(c.Stats().Errors) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rate_window_used",
		Help:      "Requests inside the current rate window",
	}, func() float64 { return float64(limiter.Stats().Current) })
	if pending != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_fetches",
			Help:      "Identifiers being fetched right now",
		}, func() float64 { return float64(pending()) })
	}
}
