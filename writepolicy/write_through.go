package writepolicy

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

/*
WriteThroughPolicy saves on every write, synchronously.

So the flow is: cache write → full save. Only suitable for small caches and one-shot runs;
the write-back policy is the default.
*/
type WriteThroughPolicy struct {
	save SaveFunc

	// mu serializes saves so two writers never overlap a physical write.
	mu    sync.Mutex
	dirty bool
}

func NewWriteThroughPolicy(save SaveFunc) *WriteThroughPolicy {
	return &WriteThroughPolicy{save: save}
}

// OnWrite saves immediately. A failed save stays dirty for the next Flush.
func (w *WriteThroughPolicy) OnWrite(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.save(context.Background()); err != nil {
		w.dirty = true
		log.Errorf("Failed to persist cache after writing %s: %v", key, err)
		return
	}
	w.dirty = false
}

func (w *WriteThroughPolicy) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirty {
		return nil
	}
	if err := w.save(ctx); err != nil {
		return err
	}
	w.dirty = false
	return nil
}

// Close flushes a previously failed save.
func (w *WriteThroughPolicy) Close(ctx context.Context) error {
	return w.Flush(ctx)
}
