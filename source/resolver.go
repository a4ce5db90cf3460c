package source

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/krisalay/cardstats/types"
)

const (
	MarketPrefix  = "market:"
	RequestPrefix = "request:"

	resolverCapacity = 1000
	resolvedTTL      = 24 * time.Hour
	failedTTL        = time.Minute
)

var cardIDPattern = regexp.MustCompile(`/cards/(\d+)/users`)

type resolved struct {
	id  string
	err error
}

/*
Resolver maps market lot and buy request identifiers to the card they refer to.

	market:<lot>     -> {base}/market/<lot>
	request:<id>     -> {base}/market/requests/<id>

Other identifiers are already card ids and are returned unchanged. Results are
cached, failures briefly, and concurrent lookups of one identifier share a request.
*/
type Resolver struct {
	client  *resty.Client
	sel     Selectors
	cache   *ttlcache.Cache[string, resolved]
	flights singleflight.Group
}

func NewResolver(opts Options) *Resolver {
	opts.setDefaults()
	return &Resolver{
		client: newClient(opts),
		sel:    opts.Selectors,
		cache: ttlcache.New[string, resolved](
			ttlcache.WithTTL[string, resolved](resolvedTTL),
			ttlcache.WithCapacity[string, resolved](resolverCapacity),
		),
	}
}

// NeedsResolve reports whether id carries a market or request prefix.
func NeedsResolve(id string) bool {
	return strings.HasPrefix(id, MarketPrefix) || strings.HasPrefix(id, RequestPrefix)
}

func (r *Resolver) Resolve(ctx context.Context, id string) (string, error) {
	if !NeedsResolve(id) {
		return id, nil
	}
	loader := ttlcache.NewSuppressedLoader[string, resolved](r.loader(ctx), &r.flights)
	item := r.cache.Get(id, ttlcache.WithLoader[string, resolved](loader))
	if item == nil {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", errors.Errorf("resolve %s: no result", id)
	}
	res := item.Value()
	return res.id, res.err
}

/*
ResolveAll resolves every id in order. Identifiers that cannot be resolved are
logged and left out.
*/
func (r *Resolver) ResolveAll(ctx context.Context, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		cardID, err := r.Resolve(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return out
			}
			log.WithField("id", id).Warnf("Failed to resolve: %v", err)
			continue
		}
		out = append(out, cardID)
	}
	return out
}

// Len is the number of cached resolutions.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

func (r *Resolver) Clear() {
	r.cache.DeleteAll()
}

func (r *Resolver) loader(ctx context.Context) ttlcache.LoaderFunc[string, resolved] {
	return func(c *ttlcache.Cache[string, resolved], key string) *ttlcache.Item[string, resolved] {
		cardID, err := r.lookup(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				// not cached, the next caller tries again
				return nil
			}
			return c.Set(key, resolved{err: err}, failedTTL)
		}
		log.Infof("Resolved %s to card %s", key, cardID)
		return c.Set(key, resolved{id: cardID}, ttlcache.DefaultTTL)
	}
}

func (r *Resolver) lookup(ctx context.Context, key string) (string, error) {
	var path, raw string
	switch {
	case strings.HasPrefix(key, MarketPrefix):
		raw = strings.TrimPrefix(key, MarketPrefix)
		path = "/market/{id}"
	default:
		raw = strings.TrimPrefix(key, RequestPrefix)
		path = "/market/requests/{id}"
	}
	if raw == "" {
		return "", types.NewNotFoundError("resolve "+key, errors.New("empty id"))
	}

	op := "resolve " + key
	doc, err := get(ctx, r.client.R().SetPathParam("id", raw), path, op)
	if err != nil {
		return "", err
	}
	wrapper := doc.Find(".card-show__wrapper").First()
	if wrapper.Length() == 0 {
		return "", types.NewParseError(op, errors.New("card wrapper not found"))
	}
	href, ok := wrapper.Find(r.sel.CardLink).First().Attr("href")
	if !ok {
		return "", types.NewParseError(op, errors.New("card link not found"))
	}
	m := cardIDPattern.FindStringSubmatch(href)
	if m == nil {
		return "", types.NewParseError(op, errors.Errorf("no card id in %q", href))
	}
	return m[1], nil
}
