package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a failed remote fetch.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNetwork
	KindTimeout
	// KindThrottled is a rate limit imposed by the remote side, distinct from the local limiter.
	KindThrottled
	KindParse
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindThrottled:
		return "throttled"
	case KindParse:
		return "parse"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// FetchError is returned by a Source. The kind is fixed where the failure is classified
// and never derived from the message afterwards.
type FetchError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches any *FetchError of the same kind, so errors.Is(err, ErrThrottled) works.
func (e *FetchError) Is(target error) bool {
	if t, ok := target.(*FetchError); ok {
		return t.Kind == e.Kind
	}
	return false
}

var (
	ErrNetwork   = &FetchError{Kind: KindNetwork}
	ErrTimeout   = &FetchError{Kind: KindTimeout}
	ErrThrottled = &FetchError{Kind: KindThrottled}
	ErrParse     = &FetchError{Kind: KindParse}
	ErrNotFound  = &FetchError{Kind: KindNotFound}
)

func NewNetworkError(op string, err error) error {
	return &FetchError{Kind: KindNetwork, Op: op, Err: err}
}

func NewTimeoutError(op string, err error) error {
	return &FetchError{Kind: KindTimeout, Op: op, Err: err}
}

func NewThrottledError(op string, err error) error {
	return &FetchError{Kind: KindThrottled, Op: op, Err: err}
}

func NewParseError(op string, err error) error {
	return &FetchError{Kind: KindParse, Op: op, Err: err}
}

func NewNotFoundError(op string, err error) error {
	return &FetchError{Kind: KindNotFound, Op: op, Err: err}
}

// KindOf returns the kind of the first *FetchError in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
