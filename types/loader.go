package types

import "context"

// ListingKind selects which paginated listing of an item is read.
type ListingKind string

const (
	// Owners lists users that own the item.
	Owners ListingKind = "owners"

	// Wants lists users that want the item.
	Wants ListingKind = "wants"
)

// Page is one fetched page of a listing.
type Page struct {
	// Items is the number of matched entries on this page.
	Items int

	// PageCount is the total number of pages the listing reports. Always >= 1.
	PageCount int
}

// Source is the contract between the pipeline and the remote listing.
//
// The pipeline calls FetchPage once per outbound request; every call counts against
// the request budget. Pages are 1-based.
//
// Failures must be returned as *FetchError so the retry policy can tell a throttling
// response apart from a generic failure.
type Source interface {
	FetchPage(ctx context.Context, id string, kind ListingKind, page int) (Page, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, id string, kind ListingKind, page int) (Page, error)

func (f SourceFunc) FetchPage(ctx context.Context, id string, kind ListingKind, page int) (Page, error) {
	return f(ctx, id, kind, page)
}

// Counts is the outcome of one acquisition.
type Counts struct {
	Owners int
	Wants  int
}
