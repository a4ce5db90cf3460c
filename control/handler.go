// Package control is the operator command surface: a request/response protocol
// over the cache, the scheduler and the rate limiter.
package control

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	api "github.com/krisalay/cardstats/api"
	"github.com/krisalay/cardstats/discovery"
	"github.com/krisalay/cardstats/ratelimit"
	"github.com/krisalay/cardstats/scheduler"
	"github.com/krisalay/cardstats/source"
	"github.com/krisalay/cardstats/storage"
	"github.com/krisalay/cardstats/types"
)

// Action names a command.
type Action string

const (
	GetStats          Action = "get-stats"
	SetEnabled        Action = "set-enabled"
	RefreshAll        Action = "refresh-all"
	ExportCache       Action = "export-cache"
	ImportCache       Action = "import-cache"
	PruneErrors       Action = "prune-errors"
	PriorityUpdateOne Action = "priority-update-one"
	PruneByAge        Action = "prune-by-age"
	ClearCache        Action = "clear-cache"
	ClearRateLimit    Action = "clear-rate-limit"
	Cancel            Action = "cancel"
	GetItem           Action = "get-item"
)

// EnabledKey is the storage key of the persisted enabled flag.
const EnabledKey = "mbuf_enabled"

const DefaultMaxEntries = 500000

type Request struct {
	Action Action `json:"action"`

	// Enabled is the new state for set-enabled.
	Enabled *bool `json:"enabled,omitempty"`

	// ID is the identifier for priority-update-one and get-item.
	ID string `json:"id,omitempty"`

	// Data is the entry object for import-cache.
	Data json.RawMessage `json:"data,omitempty"`

	// MaxAgeHours is the age limit for prune-by-age.
	MaxAgeHours float64 `json:"maxAgeHours,omitempty"`
}

// Response always carries Success; Error is set when it is false.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	Enabled  *bool                       `json:"enabled,omitempty"`
	Removed  *int                        `json:"removed,omitempty"`
	Imported *int                        `json:"imported,omitempty"`
	Data     map[string]types.CacheEntry `json:"data,omitempty"`
	Stats    *Stats                      `json:"stats,omitempty"`
	Item     *types.View                 `json:"item,omitempty"`
}

type Memory struct {
	Bytes       int64   `json:"bytes"`
	Entries     int     `json:"entries"`
	MaxEntries  int     `json:"maxEntries"`
	PercentFull float64 `json:"percentFull"`
}

// Stats is the get-stats payload.
type Stats struct {
	api.Stats
	PendingFetches int             `json:"pendingFetches"`
	RateLimit      ratelimit.Stats `json:"rateLimitInfo"`
	Enabled        bool            `json:"enabled"`
	Memory         Memory          `json:"memory"`
}

// Deps are the collaborators of a Handler. Discovery, Resolver and Store are optional.
type Deps struct {
	Cache     api.Cache
	Scheduler *scheduler.Scheduler
	Limiter   ratelimit.Limiter
	Discovery discovery.Source
	Resolver  *source.Resolver
	Store     storage.Store

	MaxEntries int
}

/*
Handler executes control commands.

Commands that change what should be on screen (refresh-all, import-cache,
prune-errors, clear-cache, enabling) answer at once and start a refresh pass in
the background. Passes run on the handler's base context.
*/
type Handler struct {
	deps Deps
	ctx  context.Context
	wg   sync.WaitGroup
}

func NewHandler(ctx context.Context, deps Deps) *Handler {
	if deps.MaxEntries <= 0 {
		deps.MaxEntries = DefaultMaxEntries
	}
	return &Handler{deps: deps, ctx: ctx}
}

func fail(err error) Response {
	return Response{Error: err.Error()}
}

func (h *Handler) Handle(ctx context.Context, req Request) Response {
	log.Debugf("Control command %q", req.Action)

	switch req.Action {
	case GetStats:
		st := h.Stats()
		return Response{Success: true, Stats: &st}

	case SetEnabled:
		if req.Enabled == nil {
			return fail(errors.New("enabled is required"))
		}
		if err := h.SetEnabled(ctx, *req.Enabled); err != nil {
			return fail(err)
		}
		on := *req.Enabled
		return Response{Success: true, Enabled: &on}

	case RefreshAll:
		h.deps.Scheduler.ClearFailures()
		h.StartPass()
		return Response{Success: true}

	case ExportCache:
		return Response{Success: true, Data: h.deps.Cache.Export()}

	case ImportCache:
		if len(req.Data) == 0 {
			return fail(errors.New("data is required"))
		}
		n, err := h.deps.Cache.Import(ctx, req.Data)
		if err != nil {
			return fail(err)
		}
		h.StartPass()
		return Response{Success: true, Imported: &n}

	case PruneErrors:
		n, err := h.deps.Cache.PruneErrors(ctx)
		if err != nil {
			return fail(err)
		}
		h.deps.Scheduler.ClearFailures()
		h.StartPass()
		return Response{Success: true, Removed: &n}

	case PruneByAge:
		if req.MaxAgeHours <= 0 {
			return fail(errors.New("maxAgeHours must be positive"))
		}
		maxAge := time.Duration(req.MaxAgeHours * float64(time.Hour))
		n, err := h.deps.Cache.PruneByAge(ctx, maxAge)
		if err != nil {
			return fail(err)
		}
		return Response{Success: true, Removed: &n}

	case PriorityUpdateOne:
		if req.ID == "" {
			return fail(errors.New("id is required"))
		}
		view, err := h.PriorityUpdate(ctx, req.ID)
		if err != nil {
			return fail(err)
		}
		return Response{Success: true, Item: &view}

	case ClearCache:
		if err := h.deps.Cache.Clear(ctx); err != nil {
			return fail(err)
		}
		h.deps.Scheduler.ClearFailures()
		h.StartPass()
		return Response{Success: true}

	case ClearRateLimit:
		h.deps.Limiter.Reset()
		log.Info("Rate limit window cleared")
		return Response{Success: true}

	case Cancel:
		h.deps.Scheduler.Cancel()
		return Response{Success: true}

	case GetItem:
		id, err := h.resolve(ctx, req.ID)
		if err != nil {
			return fail(err)
		}
		view, ok := h.deps.Cache.View(id)
		if !ok {
			return fail(errors.Errorf("no entry for %s", id))
		}
		return Response{Success: true, Item: &view}

	default:
		return fail(errors.Errorf("Unknown action %q", req.Action))
	}
}

func (h *Handler) Stats() Stats {
	cs := h.deps.Cache.Stats()
	st := Stats{
		Stats:          cs,
		PendingFetches: h.deps.Scheduler.Pending(),
		RateLimit:      h.deps.Limiter.Stats(),
		Enabled:        h.deps.Scheduler.Enabled(),
		Memory: Memory{
			Entries:     cs.Total,
			MaxEntries:  h.deps.MaxEntries,
			PercentFull: float64(cs.Total) * 100 / float64(h.deps.MaxEntries),
		},
	}
	if m, ok := h.deps.Cache.(interface{ MemoryEstimate() int64 }); ok {
		st.Memory.Bytes = m.MemoryEstimate()
	}
	return st
}

// SetEnabled switches the scheduler and persists the flag. Enabling starts a pass.
func (h *Handler) SetEnabled(ctx context.Context, on bool) error {
	h.deps.Scheduler.SetEnabled(on)
	if h.deps.Store != nil {
		raw, _ := json.Marshal(on)
		if err := h.deps.Store.Set(ctx, EnabledKey, raw); err != nil {
			return errors.Wrap(err, "failed to persist enabled flag")
		}
	}
	log.Infof("Refresh enabled: %t", on)
	if on {
		h.StartPass()
	}
	return nil
}

// LoadEnabled restores the persisted enabled flag, if any.
func (h *Handler) LoadEnabled(ctx context.Context) error {
	if h.deps.Store == nil {
		return nil
	}
	raw, err := h.deps.Store.Get(ctx, EnabledKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read enabled flag")
	}
	var on bool
	if err := json.Unmarshal(raw, &on); err != nil {
		return errors.Wrap(err, "malformed enabled flag")
	}
	h.deps.Scheduler.SetEnabled(on)
	return nil
}

// PriorityUpdate resolves id and refreshes it now.
func (h *Handler) PriorityUpdate(ctx context.Context, id string) (types.View, error) {
	cardID, err := h.resolve(ctx, id)
	if err != nil {
		return types.View{}, err
	}
	if _, err := h.deps.Scheduler.PriorityUpdate(ctx, cardID); err != nil {
		return types.View{}, err
	}
	view, _ := h.deps.Cache.View(cardID)
	return view, nil
}

func (h *Handler) resolve(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", errors.New("id is required")
	}
	if h.deps.Resolver == nil || !source.NeedsResolve(id) {
		return id, nil
	}
	return h.deps.Resolver.Resolve(ctx, id)
}

// RefreshPass runs one scheduler pass over the discovered identifiers.
func (h *Handler) RefreshPass(ctx context.Context) (scheduler.Summary, error) {
	if h.deps.Discovery == nil {
		return scheduler.Summary{}, nil
	}
	ids, err := h.deps.Discovery.Items(ctx)
	if err != nil {
		return scheduler.Summary{}, errors.Wrap(err, "discovery failed")
	}
	return h.Refresh(ctx, ids)
}

// Refresh resolves prefixed identifiers to card ids and runs one scheduler pass over them.
// Identifiers that fail to resolve are skipped.
func (h *Handler) Refresh(ctx context.Context, ids []string) (scheduler.Summary, error) {
	if h.deps.Resolver != nil {
		ids = h.deps.Resolver.ResolveAll(ctx, ids)
	}
	return h.deps.Scheduler.ProcessAll(ctx, ids)
}

// StartPass runs RefreshPass in the background.
func (h *Handler) StartPass() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		sum, err := h.RefreshPass(h.ctx)
		if err != nil {
			log.Warnf("Refresh pass failed: %v", err)
			return
		}
		log.WithFields(log.Fields{
			"hits":     sum.Hits,
			"fetched":  sum.Fetched,
			"failed":   sum.Failed,
			"dropped":  sum.Dropped,
			"cooldown": sum.Cooldown,
		}).Info("Refresh pass finished")
	}()
}

// Wait blocks until every background pass has returned.
func (h *Handler) Wait() {
	h.wg.Wait()
}
