// Package ratelimit caps outbound requests to the remote listing.
package ratelimit

import (
	"time"

	"github.com/pkg/errors"
)

// Limiter admits or denies one outbound request. It never blocks; callers decide
// whether to wait for Stats().ResetIn and try again.
type Limiter interface {
	TryAcquire() bool
	Stats() Stats
	Reset()
}

// Stats describe the current window.
type Stats struct {
	Current   int           `json:"current"`
	Max       int           `json:"max"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"-"`

	// ResetInSeconds is ResetIn rounded up to whole seconds.
	ResetInSeconds int `json:"resetIn"`
}

var ErrRateLimitExceeded = errors.New("rate limit exceeded")
