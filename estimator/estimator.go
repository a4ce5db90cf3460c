// Package estimator turns a paginated listing into a single count.
package estimator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/krisalay/cardstats/types"
)

// PageFunc fetches one 1-based page of a listing.
type PageFunc func(ctx context.Context, page int) (types.Page, error)

// Config describes how one listing paginates.
type Config struct {
	// PerPage is the number of items on a full page.
	PerPage int

	// ExactThreshold is the largest page count that is still enumerated page by page.
	ExactThreshold int

	// LastPageEstimate stands in for the item count of the last page when the
	// listing is too long to enumerate.
	LastPageEstimate int
}

var (
	DefaultOwners = Config{PerPage: 36, ExactThreshold: 11, LastPageEstimate: 18}
	DefaultWants  = Config{PerPage: 60, ExactThreshold: 5, LastPageEstimate: 30}
)

// For returns the default config of kind.
func For(kind types.ListingKind) Config {
	if kind == types.Wants {
		return DefaultWants
	}
	return DefaultOwners
}

/*
Count fetches page 1 to learn the page count.

Up to ExactThreshold pages, every remaining page is fetched and the matched items
are summed. Beyond it no further page is requested and the count is
(pages-1)*PerPage + LastPageEstimate. Any page failure aborts the count.
*/
func (c Config) Count(ctx context.Context, fetch PageFunc) (int, error) {
	first, err := fetch(ctx, 1)
	if err != nil {
		return 0, err
	}
	pages := first.PageCount
	if pages < 1 {
		pages = 1
	}

	if pages > c.ExactThreshold {
		return (pages-1)*c.PerPage + c.LastPageEstimate, nil
	}

	total := first.Items
	for p := 2; p <= pages; p++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		pg, err := fetch(ctx, p)
		if err != nil {
			return 0, errors.Wrapf(err, "page %d of %d", p, pages)
		}
		total += pg.Items
	}
	return total, nil
}
