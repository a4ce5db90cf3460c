package scheduler

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/krisalay/cardstats/types"
)

// budget hands out rate slots for one acquisition. A slot taken up front by a
// priority update is spent by the first request.
type budget struct {
	s       *Scheduler
	prepaid int
}

// acquire blocks until the limiter admits one request.
func (b *budget) acquire(ctx context.Context) error {
	if b.prepaid > 0 {
		b.prepaid--
		return nil
	}
	for {
		if b.s.limiter.TryAcquire() {
			return nil
		}
		b.s.metrics.RateLimited()
		st := b.s.limiter.Stats()
		b.s.limitLog.Do(func() {
			log.Infof("Rate limit reached (%d/%d), waiting %ds", st.Current, st.Max, st.ResetInSeconds)
		})
		wait := st.ResetIn
		if wait < minRateWait {
			wait = minRateWait
		}
		if err := b.s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// fetch acquires both counts of id. Each page request, including every retry,
// takes its own rate slot.
func (s *Scheduler) fetch(ctx context.Context, id string, priority bool) (types.Counts, error) {
	b := &budget{s: s}
	if priority {
		if !s.limiter.TryAcquire() {
			s.metrics.RateLimited()
			return types.Counts{}, ErrRateLimited
		}
		b.prepaid = 1
	}

	owners, err := s.opts.Owners.Count(ctx, s.pages(b, id, types.Owners))
	if err != nil {
		return types.Counts{}, err
	}
	wants, err := s.opts.Wants.Count(ctx, s.pages(b, id, types.Wants))
	if err != nil {
		return types.Counts{}, err
	}
	return types.Counts{Owners: owners, Wants: wants}, nil
}

// pages returns the page fetcher the estimator walks for one listing.
func (s *Scheduler) pages(b *budget, id string, kind types.ListingKind) func(context.Context, int) (types.Page, error) {
	return func(ctx context.Context, page int) (types.Page, error) {
		var pg types.Page
		err := s.opts.Retry.Do(ctx, func(ctx context.Context) error {
			if err := b.acquire(ctx); err != nil {
				return err
			}
			s.metrics.Request(kind)

			var err error
			pg, err = s.source.FetchPage(ctx, id, kind, page)
			return err
		})
		return pg, err
	}
}
