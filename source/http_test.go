package source_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/cardstats/source"
	"github.com/krisalay/cardstats/types"
)

func ownersPage(n int, pages ...int) string {
	var b strings.Builder
	b.WriteString("<html><body><div class=\"card-show\">")
	for i := 0; i < n; i++ {
		b.WriteString(`<a class="card-show__owner" href="/users/1">user</a>`)
	}
	b.WriteString(`</div><ul class="pagination">`)
	for _, p := range pages {
		fmt.Fprintf(&b, `<li><a href="?page=%d">%d</a></li>`, p, p)
	}
	b.WriteString(`<li><a href="?page=2">&raquo;</a></li></ul></body></html>`)
	return b.String()
}

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchOwnersPage(t *testing.T) {
	var gotPath, gotPage, gotUA string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotPage, gotUA = r.URL.Path, r.URL.Query().Get("page"), r.UserAgent()
		_, _ = w.Write([]byte(ownersPage(5, 1, 2, 3, 14)))
	})

	src := source.NewHTTPSource(source.Options{BaseURL: srv.URL, UserAgent: "test-agent"})
	pg, err := src.FetchPage(context.Background(), "321", types.Owners, 2)
	require.NoError(t, err)
	assert.Equal(t, types.Page{Items: 5, PageCount: 14}, pg)
	assert.Equal(t, "/cards/321/users", gotPath)
	assert.Equal(t, "2", gotPage)
	assert.Equal(t, "test-agent", gotUA)
}

func TestFetchWantsPageWithoutPagination(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cards/9/offers/want", r.URL.Path)
		_, _ = w.Write([]byte(`<html><body>
			<div class="users-list__item">a</div>
			<div class="user-card">b</div>
			<div class="profile__friends-item">c</div>
		</body></html>`))
	})

	src := source.NewHTTPSource(source.Options{BaseURL: srv.URL})
	pg, err := src.FetchPage(context.Background(), "9", types.Wants, 1)
	require.NoError(t, err)
	assert.Equal(t, types.Page{Items: 3, PageCount: 1}, pg)
}

func TestFetchClassifiesFailures(t *testing.T) {
	cases := []struct {
		name string
		h    http.HandlerFunc
		kind types.ErrorKind
	}{
		{"throttled", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }, types.KindThrottled},
		{"not found", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) }, types.KindNotFound},
		{"server error", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) }, types.KindNetwork},
		{"empty body", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }, types.KindParse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, tc.h)
			src := source.NewHTTPSource(source.Options{BaseURL: srv.URL})
			_, err := src.FetchPage(context.Background(), "1", types.Owners, 1)
			require.Error(t, err)
			assert.Equal(t, tc.kind, types.KindOf(err))
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	src := source.NewHTTPSource(source.Options{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := src.FetchPage(context.Background(), "1", types.Owners, 1)
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))
}

func TestFetchNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	src := source.NewHTTPSource(source.Options{BaseURL: url})
	_, err := src.FetchPage(context.Background(), "1", types.Owners, 1)
	require.Error(t, err)
	assert.Equal(t, types.KindNetwork, types.KindOf(err))
}

func TestFetchCancelledContext(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(ownersPage(1)))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := source.NewHTTPSource(source.Options{BaseURL: srv.URL})
	_, err := src.FetchPage(ctx, "1", types.Owners, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

const lotPage = `<html><body>
<div class="card-show__wrapper">
  <a href="/cards/777/users">owners</a>
</div>
</body></html>`

func TestResolverMapsPrefixedIDs(t *testing.T) {
	var (
		mu   sync.Mutex
		hits = map[string]int{}
	)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		switch r.URL.Path {
		case "/market/15", "/market/requests/16":
			_, _ = w.Write([]byte(lotPage))
		case "/market/17":
			_, _ = w.Write([]byte(`<html><body><p>sold</p></body></html>`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	r := source.NewResolver(source.Options{BaseURL: srv.URL})
	ctx := context.Background()

	id, err := r.Resolve(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, "123", id)

	for i := 0; i < 3; i++ {
		id, err = r.Resolve(ctx, "market:15")
		require.NoError(t, err)
		assert.Equal(t, "777", id)
	}
	id, err = r.Resolve(ctx, "request:16")
	require.NoError(t, err)
	assert.Equal(t, "777", id)

	_, err = r.Resolve(ctx, "market:17")
	assert.Equal(t, types.KindParse, types.KindOf(err))
	_, err = r.Resolve(ctx, "market:404")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	mu.Lock()
	assert.Equal(t, 1, hits["/market/15"])
	mu.Unlock()

	out := r.ResolveAll(ctx, []string{"1", "market:15", "market:17", "request:16"})
	assert.Equal(t, []string{"1", "777", "777"}, out)
}

func TestResolverSharesConcurrentLookups(t *testing.T) {
	var (
		mu   sync.Mutex
		hits int
	)
	gate := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		<-gate
		_, _ = w.Write([]byte(lotPage))
	})
	r := source.NewResolver(source.Options{BaseURL: srv.URL})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.Resolve(context.Background(), "market:1")
			assert.NoError(t, err)
			assert.Equal(t, "777", id)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, r.Len())
}
