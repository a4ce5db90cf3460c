package types

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ErrorCount is stored in Owners and Wants when the last fetch for an item failed.
const ErrorCount = -1

// CacheEntry is the last known popularity of one item.
// Entries are mutated in place by Set and only ever removed by explicit prune operations.
type CacheEntry struct {
	Owners int
	Wants  int

	// CapturedAt is the time of the last fetch, successful or not.
	CapturedAt time.Time

	// ManualOverrideAt is set only when a human-triggered refresh wrote this entry.
	ManualOverrideAt *time.Time
}

// HasError reports whether the entry carries the error sentinel.
func (e *CacheEntry) HasError() bool {
	return e != nil && e.Owners == ErrorCount
}

// Clone returns a copy that shares no pointers with e.
func (e CacheEntry) Clone() CacheEntry {
	if e.ManualOverrideAt != nil {
		t := *e.ManualOverrideAt
		e.ManualOverrideAt = &t
	}
	return e
}

// wireEntry is the exported JSON shape. Timestamps are epoch milliseconds so that
// exports from older tooling can be imported unchanged.
type wireEntry struct {
	Owners       *int   `json:"owners"`
	Wants        *int   `json:"wants"`
	Ts           *int64 `json:"ts"`
	ManualUpdate *int64 `json:"manualUpdate"`
}

var ErrMalformedEntry = errors.New("malformed cache entry")

func (e CacheEntry) MarshalJSON() ([]byte, error) {
	ts := e.CapturedAt.UnixMilli()
	w := wireEntry{Owners: &e.Owners, Wants: &e.Wants, Ts: &ts}
	if e.ManualOverrideAt != nil {
		m := e.ManualOverrideAt.UnixMilli()
		w.ManualUpdate = &m
	}
	return json.Marshal(w)
}

// UnmarshalJSON rejects entries without a numeric ts or with missing counts.
func (e *CacheEntry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(ErrMalformedEntry, err.Error())
	}
	if w.Ts == nil || w.Owners == nil || w.Wants == nil {
		return ErrMalformedEntry
	}
	if *w.Owners < ErrorCount || *w.Wants < ErrorCount {
		return ErrMalformedEntry
	}
	e.Owners = *w.Owners
	e.Wants = *w.Wants
	e.CapturedAt = time.UnixMilli(*w.Ts)
	e.ManualOverrideAt = nil
	if w.ManualUpdate != nil && *w.ManualUpdate > 0 {
		m := time.UnixMilli(*w.ManualUpdate)
		e.ManualOverrideAt = &m
	}
	return nil
}

// View is what the presentation layer needs to render one item.
type View struct {
	Owners            int  `json:"owners"`
	Wants             int  `json:"wants"`
	IsExpired         bool `json:"isExpired"`
	IsManuallyUpdated bool `json:"isManuallyUpdated"`
	HasError          bool `json:"hasError"`
}
