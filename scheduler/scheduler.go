// Package scheduler decides which identifiers need fresh counts and acquires them
// under the shared request budget.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	api "github.com/krisalay/cardstats/api"
	"github.com/krisalay/cardstats/estimator"
	"github.com/krisalay/cardstats/ratelimit"
	"github.com/krisalay/cardstats/retry"
	"github.com/krisalay/cardstats/types"
)

const (
	DefaultBatchSize       = 4
	DefaultBatchPause      = 5 * time.Second
	DefaultFailureCooldown = 5 * time.Minute

	// minRateWait bounds the busy loop when the limiter reports no reset time.
	minRateWait = 100 * time.Millisecond
)

var (
	// ErrRateLimited is returned by a priority update whose first request was not
	// admitted by the limiter.
	ErrRateLimited = errors.Wrap(ratelimit.ErrRateLimitExceeded, "priority update")

	// ErrCancelled is returned when a result was dropped because its token went stale.
	ErrCancelled = errors.New("update cancelled")
)

// Options configures a Scheduler. Use DefaultOptions as a starting point.
type Options struct {
	// BatchSize is the group size and the concurrency bound within a group.
	BatchSize int

	// BatchPause separates the start of consecutive groups.
	BatchPause time.Duration

	// FailureCooldown keeps identifiers whose last fetch failed out of batch passes.
	// Zero disables it.
	FailureCooldown time.Duration

	Retry  retry.Policy
	Owners estimator.Config
	Wants  estimator.Config

	Metrics types.Metrics
}

func DefaultOptions() Options {
	return Options{
		BatchSize:       DefaultBatchSize,
		BatchPause:      DefaultBatchPause,
		FailureCooldown: DefaultFailureCooldown,
		Retry:           retry.DefaultPolicy(),
		Owners:          estimator.DefaultOwners,
		Wants:           estimator.DefaultWants,
	}
}

// Summary counts what one pass did.
type Summary struct {
	Hits      int  `json:"hits"`
	Fetched   int  `json:"fetched"`
	Failed    int  `json:"failed"`
	Dropped   int  `json:"dropped"`
	Cooldown  int  `json:"cooldown"`
	Cancelled bool `json:"cancelled"`
}

/*
Scheduler moves each identifier through

	cache hit -> needs refresh -> awaiting rate slot -> fetching -> committed | failed

Batch passes run in groups with bounded concurrency. A priority update runs the same
sequence at once for one identifier and marks the result manual.

Every pass captures the current Token. Cancel advances the generation; results of older
passes are dropped at commit time, even if their fetches complete.
*/
type Scheduler struct {
	cache   api.Cache
	source  types.Source
	limiter ratelimit.Limiter
	opts    Options
	metrics types.Metrics

	gen      generation
	enabled  *atomic.Bool
	inflight *atomic.Int64
	flights  singleflight.Group
	failures *ttlcache.Cache[string, time.Time]

	limitLog rate.Sometimes

	sleep func(ctx context.Context, d time.Duration) error
}

func New(c api.Cache, src types.Source, limiter ratelimit.Limiter, opts Options) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchPause < 0 {
		opts.BatchPause = 0
	}
	if opts.Owners.PerPage == 0 {
		opts.Owners = estimator.DefaultOwners
	}
	if opts.Wants.PerPage == 0 {
		opts.Wants = estimator.DefaultWants
	}
	m := opts.Metrics
	if m == nil {
		m = types.NoopMetrics{}
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = func(attempt int, kind types.ErrorKind, delay time.Duration, err error) {
			m.Retry(kind)
			log.WithFields(log.Fields{"attempt": attempt, "kind": kind, "delay": delay}).
				Debugf("Retrying fetch: %v", err)
		}
	}

	s := &Scheduler{
		cache:    c,
		source:   src,
		limiter:  limiter,
		opts:     opts,
		metrics:  m,
		gen:      newGeneration(),
		enabled:  atomic.NewBool(true),
		inflight: atomic.NewInt64(0),
		limitLog: rate.Sometimes{Interval: 15 * time.Second},
		sleep:    sleepCtx,
	}
	if opts.FailureCooldown > 0 {
		s.failures = ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](opts.FailureCooldown),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		)
	}
	return s
}

// Token returns the current generation.
func (s *Scheduler) Token() Token {
	return s.gen.current()
}

// Cancel voids every outstanding pass. In-flight fetches still complete but do not commit.
func (s *Scheduler) Cancel() {
	t := s.gen.advance()
	log.Debugf("Scheduler generation advanced to %d", t)
}

func (s *Scheduler) Enabled() bool {
	return s.enabled.Load()
}

// SetEnabled switches batch passes on or off. Disabling cancels the running pass.
func (s *Scheduler) SetEnabled(on bool) {
	if s.enabled.Swap(on) && !on {
		s.Cancel()
	}
}

// Pending is the number of distinct identifiers being fetched right now.
func (s *Scheduler) Pending() int {
	return int(s.inflight.Load())
}

// ClearFailures forgets every failure cooldown.
func (s *Scheduler) ClearFailures() {
	if s.failures != nil {
		s.failures.DeleteAll()
	}
}

// coolingDown reports whether id failed less than FailureCooldown ago. Has ignores
// expiry, so the stored failure time is checked instead.
func (s *Scheduler) coolingDown(id string) bool {
	if s.failures == nil {
		return false
	}
	item := s.failures.Get(id)
	if item == nil {
		return false
	}
	return time.Since(item.Value()) < s.opts.FailureCooldown
}

// needsRefresh reports whether id has no fresh entry and no recent manual override.
// Error entries always need one.
func (s *Scheduler) needsRefresh(id string) bool {
	ent, ok := s.cache.Get(id)
	if !ok || ent.HasError() {
		return true
	}
	return !s.cache.IsValid(&ent) && !s.cache.IsRecentlyManual(&ent)
}

/*
ProcessAll refreshes every identifier in ids that needs it.

Identifiers are deduplicated and split into groups of BatchSize. Each group runs with
concurrency BatchSize; the next group starts no sooner than BatchPause after the
previous one started. The pass stops dispatching once its token goes stale. A single
failed identifier never aborts the pass.
*/
func (s *Scheduler) ProcessAll(ctx context.Context, ids []string) (Summary, error) {
	var sum Summary
	if !s.Enabled() {
		return sum, nil
	}
	tok := s.gen.current()
	if s.failures != nil {
		s.failures.DeleteExpired()
	}

	seen := make(map[string]struct{}, len(ids))
	var todo []string
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}

		if !s.needsRefresh(id) {
			s.metrics.Hit()
			sum.Hits++
			continue
		}
		if s.coolingDown(id) {
			sum.Cooldown++
			continue
		}
		s.metrics.Miss()
		todo = append(todo, id)
	}
	if len(todo) == 0 {
		return sum, nil
	}
	log.Debugf("Refreshing %d of %d identifiers in groups of %d", len(todo), len(seen), s.opts.BatchSize)

	var (
		mu        sync.Mutex
		lastStart time.Time
	)
	for start := 0; start < len(todo); start += s.opts.BatchSize {
		if !s.gen.valid(tok) {
			sum.Cancelled = true
			break
		}
		if !lastStart.IsZero() {
			if err := s.sleep(ctx, s.opts.BatchPause-time.Since(lastStart)); err != nil {
				return sum, err
			}
			if !s.gen.valid(tok) {
				sum.Cancelled = true
				break
			}
		}
		lastStart = time.Now()

		end := start + s.opts.BatchSize
		if end > len(todo) {
			end = len(todo)
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.BatchSize)
		for _, id := range todo[start:end] {
			id := id
			g.Go(func() error {
				_, err := s.update(gctx, id, tok, false)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					sum.Fetched++
				case errors.Is(err, ErrCancelled):
					sum.Dropped++
				case ctx.Err() != nil:
					return ctx.Err()
				default:
					sum.Failed++
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return sum, err
		}
	}
	if sum.Cancelled {
		log.Debugf("Refresh pass cancelled: %d fetched, %d dropped", sum.Fetched, sum.Dropped)
	}
	return sum, ctx.Err()
}

/*
PriorityUpdate refreshes id now, ignoring freshness and failure cooldown, and marks
the result manual.

The first outbound request must be admitted by the limiter immediately, otherwise
ErrRateLimited is returned and nothing is committed. A concurrent fetch of the same id
is joined instead of starting a second one.
*/
func (s *Scheduler) PriorityUpdate(ctx context.Context, id string) (types.Counts, error) {
	if id == "" {
		return types.Counts{}, errors.New("empty identifier")
	}
	return s.update(ctx, id, s.gen.current(), true)
}

// update fetches id, joining an in-flight fetch of the same id, and commits the
// outcome under tok.
func (s *Scheduler) update(ctx context.Context, id string, tok Token, manual bool) (types.Counts, error) {
	v, err, shared := s.flights.Do(id, func() (interface{}, error) {
		s.inflight.Inc()
		defer s.inflight.Dec()
		return s.fetch(ctx, id, manual)
	})
	if shared {
		log.Debugf("Joined in-flight fetch of %s", id)
	}
	counts, _ := v.(types.Counts)

	if errors.Is(err, ErrRateLimited) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		// never reached the remote side, or a caller gave up
		if err == nil {
			err = ctx.Err()
		}
		return counts, err
	}
	return counts, s.commit(id, tok, manual, counts, err)
}

// commit writes the outcome of a fetch, unless tok is stale.
func (s *Scheduler) commit(id string, tok Token, manual bool, counts types.Counts, fetchErr error) error {
	if !s.gen.valid(tok) {
		s.metrics.Dropped()
		log.Debugf("Dropping result for %s from stale generation %d", id, tok)
		return ErrCancelled
	}

	if fetchErr != nil {
		// an error entry is never manual, so it never shadows a retry
		s.cache.Set(id, types.ErrorCount, types.ErrorCount, false)
		if s.failures != nil {
			s.failures.Set(id, time.Now(), ttlcache.DefaultTTL)
		}
		s.metrics.Committed(true)
		log.WithField("id", id).Warnf("Fetch failed: %v", fetchErr)
		return fetchErr
	}

	s.cache.Set(id, counts.Owners, counts.Wants, manual)
	if s.failures != nil {
		s.failures.Delete(id)
	}
	s.metrics.Committed(false)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
