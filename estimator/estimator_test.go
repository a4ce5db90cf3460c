package estimator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/cardstats/estimator"
	"github.com/krisalay/cardstats/types"
)

// listing serves pages with the given item counts and records every request.
type listing struct {
	items     []int
	requested []int
	failAt    int
}

func (l *listing) fetch(_ context.Context, page int) (types.Page, error) {
	l.requested = append(l.requested, page)
	if page == l.failAt {
		return types.Page{}, types.NewNetworkError("fetch", errors.New("reset"))
	}
	return types.Page{Items: l.items[page-1], PageCount: len(l.items)}, nil
}

func fullPages(n, perPage, last int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = perPage
	}
	items[n-1] = last
	return items
}

func TestExactCountSumsEveryPage(t *testing.T) {
	l := &listing{items: fullPages(8, 36, 13)}

	n, err := estimator.DefaultOwners.Count(context.Background(), l.fetch)
	require.NoError(t, err)
	assert.Equal(t, 7*36+13, n)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, l.requested)
}

func TestEstimateSkipsInteriorPages(t *testing.T) {
	l := &listing{items: fullPages(15, 36, 2)}

	n, err := estimator.DefaultOwners.Count(context.Background(), l.fetch)
	require.NoError(t, err)
	assert.Equal(t, 522, n)
	assert.Equal(t, []int{1}, l.requested)
}

func TestThresholdIsInclusive(t *testing.T) {
	l := &listing{items: fullPages(11, 36, 1)}
	n, err := estimator.DefaultOwners.Count(context.Background(), l.fetch)
	require.NoError(t, err)
	assert.Equal(t, 10*36+1, n)
	assert.Len(t, l.requested, 11)

	l = &listing{items: fullPages(6, 60, 1)}
	n, err = estimator.For(types.Wants).Count(context.Background(), l.fetch)
	require.NoError(t, err)
	assert.Equal(t, 5*60+30, n)
	assert.Len(t, l.requested, 1)
}

func TestSinglePage(t *testing.T) {
	l := &listing{items: []int{0}}
	n, err := estimator.DefaultWants.Count(context.Background(), l.fetch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPageFailureAbortsCount(t *testing.T) {
	l := &listing{items: fullPages(4, 36, 5), failAt: 3}
	_, err := estimator.DefaultOwners.Count(context.Background(), l.fetch)
	require.Error(t, err)
	assert.Equal(t, types.KindNetwork, types.KindOf(err))
	assert.Equal(t, []int{1, 2, 3}, l.requested)
}

func TestDefaultsByKind(t *testing.T) {
	assert.Equal(t, estimator.DefaultOwners, estimator.For(types.Owners))
	assert.Equal(t, estimator.DefaultWants, estimator.For(types.Wants))
}
