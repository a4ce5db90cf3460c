package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cache "github.com/krisalay/cardstats"
	"github.com/krisalay/cardstats/engine"
	"github.com/krisalay/cardstats/ratelimit"
	"github.com/krisalay/cardstats/retry"
	"github.com/krisalay/cardstats/scheduler"
	"github.com/krisalay/cardstats/types"
)

// fakeSource serves one page per listing and counts every request.
type fakeSource struct {
	mu    sync.Mutex
	calls map[string]int

	owners int
	wants  int
	fail   error

	// gate, if set, blocks every request until closed.
	gate    chan struct{}
	started chan string
}

func newFakeSource(owners, wants int) *fakeSource {
	return &fakeSource{calls: make(map[string]int), owners: owners, wants: wants, started: make(chan string, 256)}
}

func (f *fakeSource) FetchPage(ctx context.Context, id string, kind types.ListingKind, page int) (types.Page, error) {
	f.mu.Lock()
	f.calls[fmt.Sprintf("%s/%s/%d", id, kind, page)]++
	fail := f.fail
	f.mu.Unlock()

	f.started <- id
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return types.Page{}, ctx.Err()
		}
	}
	if fail != nil {
		return types.Page{}, fail
	}
	if kind == types.Owners {
		return types.Page{Items: f.owners, PageCount: 1}, nil
	}
	return types.Page{Items: f.wants, PageCount: 1}, nil
}

func (f *fakeSource) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeSource) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func testOptions() scheduler.Options {
	opts := scheduler.DefaultOptions()
	opts.BatchPause = 0
	opts.Retry = retry.Policy{
		MaxAttempts:          2,
		BaseDelay:            time.Millisecond,
		MaxDelay:             time.Millisecond,
		ThrottledMaxAttempts: 2,
		ThrottledDelay:       time.Millisecond,
	}
	return opts
}

func newTestScheduler(t *testing.T, src types.Source, limiter ratelimit.Limiter, opts scheduler.Options) (*scheduler.Scheduler, *cache.ShardedCache) {
	t.Helper()
	c := cache.NewShardedCache(nil, engine.NewCacheEngine(nil, nil, nil), cache.Options{})
	if limiter == nil {
		limiter = ratelimit.NewSlidingWindow(1000, time.Minute)
	}
	return scheduler.New(c, src, limiter, opts), c
}

func waitStarted(t *testing.T, f *fakeSource, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d requests started", i, n)
		}
	}
}

func TestProcessAllCommitsCounts(t *testing.T) {
	src := newFakeSource(12, 3)
	s, c := newTestScheduler(t, src, nil, testOptions())

	sum, err := s.ProcessAll(context.Background(), []string{"100", "200", "100"})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Fetched)
	assert.Equal(t, 0, sum.Failed)

	ent, ok := c.Get("100")
	require.True(t, ok)
	assert.Equal(t, 12, ent.Owners)
	assert.Equal(t, 3, ent.Wants)
	assert.Nil(t, ent.ManualOverrideAt)
	assert.Equal(t, 1, src.Calls("100/owners/1"))
	assert.Equal(t, 1, src.Calls("100/wants/1"))
}

func TestCacheHitSkipsFetch(t *testing.T) {
	src := newFakeSource(1, 1)
	s, c := newTestScheduler(t, src, nil, testOptions())
	c.Set("42", 500, 20, false)

	sum, err := s.ProcessAll(context.Background(), []string{"42"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Hits)
	assert.Equal(t, 0, src.Total())
}

func TestFailureCommitsSentinelAndCoolsDown(t *testing.T) {
	src := newFakeSource(0, 0)
	src.fail = types.NewNotFoundError("fetch", nil)
	s, c := newTestScheduler(t, src, nil, testOptions())

	sum, err := s.ProcessAll(context.Background(), []string{"7"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	ent, ok := c.Get("7")
	require.True(t, ok)
	assert.True(t, ent.HasError())
	assert.Nil(t, ent.ManualOverrideAt)

	sum, err = s.ProcessAll(context.Background(), []string{"7"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cooldown)
	assert.Equal(t, 1, src.Total())

	s.ClearFailures()
	src.mu.Lock()
	src.fail = nil
	src.mu.Unlock()
	sum, err = s.ProcessAll(context.Background(), []string{"7"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fetched)
}

func TestFailureCooldownExpires(t *testing.T) {
	src := newFakeSource(0, 0)
	src.fail = types.NewNotFoundError("fetch", nil)
	opts := testOptions()
	opts.FailureCooldown = 20 * time.Millisecond
	s, c := newTestScheduler(t, src, nil, opts)

	sum, err := s.ProcessAll(context.Background(), []string{"7"})
	require.NoError(t, err)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, 1, src.Total())

	sum, err = s.ProcessAll(context.Background(), []string{"7"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cooldown)
	assert.Equal(t, 1, src.Total())

	time.Sleep(100 * time.Millisecond)
	src.mu.Lock()
	src.fail = nil
	src.mu.Unlock()

	sum, err = s.ProcessAll(context.Background(), []string{"7"})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Cooldown)
	assert.Equal(t, 1, sum.Fetched)
	assert.Equal(t, 2, src.Calls("7/owners/1"))
	assert.Equal(t, 1, src.Calls("7/wants/1"))

	ent, ok := c.Get("7")
	require.True(t, ok)
	assert.False(t, ent.HasError())
}

func TestFailureCooldownDisabled(t *testing.T) {
	src := newFakeSource(0, 0)
	src.fail = types.NewParseError("parse", nil)
	opts := testOptions()
	opts.FailureCooldown = 0
	s, _ := newTestScheduler(t, src, nil, opts)

	for i := 0; i < 2; i++ {
		_, err := s.ProcessAll(context.Background(), []string{"7"})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, src.Total())
}

func TestCancelledBatchCommitsNothing(t *testing.T) {
	src := newFakeSource(5, 5)
	src.gate = make(chan struct{})
	s, c := newTestScheduler(t, src, nil, testOptions())

	done := make(chan scheduler.Summary, 1)
	go func() {
		sum, err := s.ProcessAll(context.Background(), []string{"1", "2", "3", "4"})
		assert.NoError(t, err)
		done <- sum
	}()

	waitStarted(t, src, 4)
	s.Cancel()
	close(src.gate)

	select {
	case sum := <-done:
		assert.Equal(t, 4, sum.Dropped)
		assert.Equal(t, 0, sum.Fetched)
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not finish")
	}
	assert.Equal(t, 0, c.Len())
	for _, id := range []string{"1", "2", "3", "4"} {
		assert.Equal(t, 1, src.Calls(id+"/wants/1"), "fetch of %s should have completed", id)
	}
}

func TestCancelStopsLaterGroups(t *testing.T) {
	src := newFakeSource(5, 5)
	src.gate = make(chan struct{})
	opts := testOptions()
	opts.BatchSize = 2
	s, c := newTestScheduler(t, src, nil, opts)

	done := make(chan scheduler.Summary, 1)
	go func() {
		sum, _ := s.ProcessAll(context.Background(), []string{"1", "2", "3", "4"})
		done <- sum
	}()

	waitStarted(t, src, 2)
	s.Cancel()
	close(src.gate)

	sum := <-done
	assert.True(t, sum.Cancelled)
	assert.Equal(t, 2, sum.Dropped)
	assert.Equal(t, 0, src.Calls("3/owners/1"))
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentPriorityUpdatesFetchOnce(t *testing.T) {
	src := newFakeSource(30, 8)
	src.gate = make(chan struct{})
	s, c := newTestScheduler(t, src, nil, testOptions())

	var wg sync.WaitGroup
	results := make([]types.Counts, 2)
	errs := make([]error, 2)
	run := func(i int) {
		defer wg.Done()
		results[i], errs[i] = s.PriorityUpdate(context.Background(), "55")
	}

	wg.Add(2)
	go run(0)
	waitStarted(t, src, 1)
	go run(1)
	// let the second caller join the in-flight fetch
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.Pending())
	close(src.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, types.Counts{Owners: 30, Wants: 8}, results[0])
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, 1, src.Calls("55/owners/1"))
	assert.Equal(t, 1, src.Calls("55/wants/1"))

	ent, ok := c.Get("55")
	require.True(t, ok)
	assert.NotNil(t, ent.ManualOverrideAt)
	assert.Equal(t, 0, s.Pending())
}

func TestPriorityUpdateIgnoresFreshness(t *testing.T) {
	src := newFakeSource(9, 9)
	s, c := newTestScheduler(t, src, nil, testOptions())
	c.Set("55", 1, 1, false)

	counts, err := s.PriorityUpdate(context.Background(), "55")
	require.NoError(t, err)
	assert.Equal(t, 9, counts.Owners)
	ent, _ := c.Get("55")
	assert.Equal(t, 9, ent.Owners)
}

func TestPriorityFailsFastWhenRateLimited(t *testing.T) {
	src := newFakeSource(1, 1)
	limiter := ratelimit.NewSlidingWindow(1, time.Hour)
	require.True(t, limiter.TryAcquire())
	s, c := newTestScheduler(t, src, limiter, testOptions())

	start := time.Now()
	_, err := s.PriorityUpdate(context.Background(), "55")
	assert.ErrorIs(t, err, scheduler.ErrRateLimited)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, src.Total())
	assert.Equal(t, 0, c.Len())
}

func TestBatchWaitsForRateSlot(t *testing.T) {
	src := newFakeSource(2, 2)
	limiter := ratelimit.NewSlidingWindow(1, 50*time.Millisecond)
	s, c := newTestScheduler(t, src, limiter, testOptions())

	start := time.Now()
	sum, err := s.ProcessAll(context.Background(), []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fetched)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	ent, _ := c.Get("1")
	assert.Equal(t, 2, ent.Wants)
}

func TestBatchWaitStopsOnContext(t *testing.T) {
	src := newFakeSource(2, 2)
	limiter := ratelimit.NewSlidingWindow(1, time.Hour)
	require.True(t, limiter.TryAcquire())
	s, c := newTestScheduler(t, src, limiter, testOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.ProcessAll(ctx, []string{"1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Len())
}

func TestBatchPauseSeparatesGroups(t *testing.T) {
	src := newFakeSource(1, 1)
	opts := testOptions()
	opts.BatchSize = 2
	opts.BatchPause = 30 * time.Millisecond
	s, _ := newTestScheduler(t, src, nil, opts)

	start := time.Now()
	sum, err := s.ProcessAll(context.Background(), []string{"1", "2", "3", "4", "5"})
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Fetched)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestDisabledSchedulerIsNoop(t *testing.T) {
	src := newFakeSource(1, 1)
	s, _ := newTestScheduler(t, src, nil, testOptions())

	tok := s.Token()
	s.SetEnabled(false)
	assert.False(t, s.Enabled())
	assert.NotEqual(t, tok, s.Token())

	sum, err := s.ProcessAll(context.Background(), []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, scheduler.Summary{}, sum)
	assert.Equal(t, 0, src.Total())

	s.SetEnabled(true)
	sum, err = s.ProcessAll(context.Background(), []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fetched)
}
