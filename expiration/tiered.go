package expiration

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/krisalay/cardstats/types"
)

/*
Tier maps owner counts up to and including MaxOwners to a TTL.
*/
type Tier struct {
	MaxOwners int
	TTL       time.Duration
}

/*
Tiered implements rarity-based freshness.

Items with few owners change status quickly relative to their small denominator,
so they get a short TTL. Popular items are stable and are kept for days.
Counts above the last breakpoint use Default.
*/
type Tiered struct {
	tiers          []Tier
	fallback       time.Duration
	manualCooldown time.Duration
}

// DefaultTiers are the six freshness tiers used in production.
var DefaultTiers = []Tier{
	{MaxOwners: 60, TTL: 2 * time.Hour},
	{MaxOwners: 110, TTL: 6 * time.Hour},
	{MaxOwners: 240, TTL: 24 * time.Hour},
	{MaxOwners: 600, TTL: 96 * time.Hour},
	{MaxOwners: 1200, TTL: 192 * time.Hour},
}

const (
	DefaultFallbackTTL    = 336 * time.Hour
	DefaultManualCooldown = time.Hour
)

var ErrNonMonotonicTiers = errors.New("tier TTLs must not decrease as owner counts grow")

// NewTiered validates tiers and returns a strategy. Tiers are sorted by MaxOwners;
// a TTL that is shorter than the one before it is rejected.
func NewTiered(tiers []Tier, fallback, manualCooldown time.Duration) (*Tiered, error) {
	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MaxOwners < sorted[j].MaxOwners })

	prev := time.Duration(0)
	for _, t := range sorted {
		if t.TTL < prev {
			return nil, errors.Wrapf(ErrNonMonotonicTiers, "tier <= %d owners", t.MaxOwners)
		}
		prev = t.TTL
	}
	if fallback < prev {
		return nil, errors.Wrap(ErrNonMonotonicTiers, "fallback tier")
	}
	return &Tiered{tiers: sorted, fallback: fallback, manualCooldown: manualCooldown}, nil
}

// NewDefaultTiered returns the production tiers with a one hour manual cooldown.
func NewDefaultTiered() *Tiered {
	t, err := NewTiered(DefaultTiers, DefaultFallbackTTL, DefaultManualCooldown)
	if err != nil {
		panic(err)
	}
	return t
}

// TTL returns the tier duration for owners. Error counts get zero.
func (t *Tiered) TTL(owners int) time.Duration {
	if owners == types.ErrorCount {
		return 0
	}
	for _, tier := range t.tiers {
		if owners <= tier.MaxOwners {
			return tier.TTL
		}
	}
	return t.fallback
}

func (t *Tiered) IsValid(ent *types.CacheEntry, now time.Time) bool {
	if ent == nil || ent.CapturedAt.IsZero() {
		return false
	}
	if ent.HasError() {
		return false
	}
	return now.Sub(ent.CapturedAt) < t.TTL(ent.Owners)
}

func (t *Tiered) IsRecentlyManual(ent *types.CacheEntry, now time.Time) bool {
	if ent == nil || ent.ManualOverrideAt == nil {
		return false
	}
	return now.Sub(*ent.ManualOverrideAt) < t.manualCooldown
}
