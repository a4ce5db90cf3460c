package types

// This file defines how the pipeline reports what it is doing.

/*
Metrics is called at each event of the acquisition lifecycle.
The pipeline never reads anything back, so implementations are free to aggregate however they like.
*/
type Metrics interface {

	// Hit is called when a cached entry is fresh (or recently manual) and no fetch is needed.
	Hit()

	// Miss is called when an identifier needs a refresh.
	Miss()

	// Request is called for every outbound page request admitted by the rate limiter.
	Request(kind ListingKind)

	// RateLimited is called when the local rate limiter denies a slot.
	RateLimited()

	// Retry is called before each retry attempt with the kind of the failure being retried.
	Retry(kind ErrorKind)

	// Committed is called when a fetch result (success or error sentinel) is written to the cache.
	Committed(failed bool)

	// Dropped is called when a result is discarded because its batch was cancelled.
	Dropped()
}

/*
NoopMetrics ignores every event. It lets callers skip metrics entirely
without nil checks throughout the pipeline.
*/
type NoopMetrics struct{}

func (NoopMetrics) Hit()                {}
func (NoopMetrics) Miss()               {}
func (NoopMetrics) Request(ListingKind) {}
func (NoopMetrics) RateLimited()        {}
func (NoopMetrics) Retry(ErrorKind)     {}
func (NoopMetrics) Committed(bool)      {}
func (NoopMetrics) Dropped()            {}
