// Package source reads owner and want listings from the remote site.
package source

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/krisalay/cardstats/types"
)

const (
	DefaultBaseURL   = "https://mangabuff.ru"
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "cardstats/1.0"
)

// Selectors locate counted items and pagination in a listing page.
type Selectors struct {
	Owners     string
	Wants      string
	Pagination string
	CardLink   string
}

var DefaultSelectors = Selectors{
	Owners:     ".card-show__owner",
	Wants:      ".profile__friends-item, .users-list__item, .user-card",
	Pagination: ".pagination__button, .pagination > li > a, .pagination > li, .paginator a",
	CardLink:   `a[href*="/cards/"][href*="/users"]`,
}

// Options configures an HTTPSource. Zero values select the defaults.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string

	// Cookie is sent with every request, for listings that need a session.
	Cookie string

	Selectors Selectors
}

func (o *Options) setDefaults() {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.Selectors == (Selectors{}) {
		o.Selectors = DefaultSelectors
	}
}

// HTTPSource implements types.Source over the site's HTML listings.
type HTTPSource struct {
	client *resty.Client
	sel    Selectors
}

var _ types.Source = (*HTTPSource)(nil)

func NewHTTPSource(opts Options) *HTTPSource {
	opts.setDefaults()
	return &HTTPSource{client: newClient(opts), sel: opts.Selectors}
}

func newClient(opts Options) *resty.Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "text/html").
		SetHeader("User-Agent", opts.UserAgent)
	if opts.Cookie != "" {
		client.SetHeader("Cookie", opts.Cookie)
	}
	return client
}

func listingPath(kind types.ListingKind) string {
	if kind == types.Wants {
		return "/cards/{id}/offers/want"
	}
	return "/cards/{id}/users"
}

func (s *HTTPSource) FetchPage(ctx context.Context, id string, kind types.ListingKind, page int) (types.Page, error) {
	op := "fetch " + string(kind) + " of " + id
	doc, err := get(ctx, s.client.R().
		SetPathParam("id", id).
		SetQueryParam("page", strconv.Itoa(page)),
		listingPath(kind), op)
	if err != nil {
		return types.Page{}, err
	}

	sel := s.sel.Owners
	if kind == types.Wants {
		sel = s.sel.Wants
	}
	return types.Page{
		Items:     doc.Find(sel).Length(),
		PageCount: pageCount(doc, s.sel.Pagination),
	}, nil
}

// get performs the request and parses the HTML body, classifying every failure.
func get(ctx context.Context, req *resty.Request, path, op string) (*goquery.Document, error) {
	resp, err := req.SetContext(ctx).Get(path)
	if err != nil {
		return nil, classify(ctx, op, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusTooManyRequests:
		return nil, types.NewThrottledError(op, errors.Errorf("HTTP %d", code))
	case code == http.StatusNotFound:
		return nil, types.NewNotFoundError(op, errors.Errorf("HTTP %d", code))
	case !resp.IsSuccess():
		return nil, types.NewNetworkError(op, errors.Errorf("HTTP %d", code))
	}

	body := resp.Body()
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, types.NewParseError(op, errors.New("empty body"))
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, types.NewParseError(op, err)
	}
	return doc, nil
}

// classify maps a transport error. A cancelled caller context is returned as is.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return types.NewTimeoutError(op, err)
	}
	return types.NewNetworkError(op, err)
}

// pageCount is the largest positive number among the pagination elements, or 1.
func pageCount(doc *goquery.Document, sel string) int {
	pages := 1
	doc.Find(sel).Each(func(_ int, el *goquery.Selection) {
		n, err := strconv.Atoi(strings.TrimSpace(el.Text()))
		if err == nil && n > pages {
			pages = n
		}
	})
	return pages
}
