package writepolicy

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// This file implements the debounced "write-back" policy.

// State is the lifecycle of the write-back policy.
type State int

const (
	// Idle: nothing pending.
	Idle State = iota
	// Scheduled: a write happened and the debounce timer is running.
	Scheduled
	// Saving: a physical save is in flight.
	Saving
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Saving:
		return "saving"
	default:
		return "idle"
	}
}

// saveOp is one physical save. Everybody who asks for a save while it runs shares its result.
type saveOp struct {
	done chan struct{}
	err  error
}

/*
WriteBackPolicy coalesces writes: every OnWrite marks the cache dirty and restarts
the debounce timer; the save runs once the writes go quiet for the configured delay.
At most one save is ever in flight.
*/
type WriteBackPolicy struct {
	save  SaveFunc
	delay time.Duration

	mu       sync.Mutex
	dirty    bool
	pending  bool // debounce timer armed
	seq      uint64
	closed   bool
	timer    *time.Timer
	inflight *saveOp

	// wg tracks timer-triggered saves so Close can wait for them.
	wg sync.WaitGroup
}

// NewWriteBackPolicy creates a write-back policy that calls save after delay of quiet.
func NewWriteBackPolicy(save SaveFunc, delay time.Duration) *WriteBackPolicy {
	return &WriteBackPolicy{save: save, delay: delay}
}

// OnWrite marks the cache dirty and (re)starts the debounce timer.
func (w *WriteBackPolicy) OnWrite(string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.dirty = true
	if w.closed {
		return
	}
	if w.timer != nil && w.timer.Stop() {
		// the stopped timer will never run fire
		w.wg.Done()
	}
	w.wg.Add(1)
	w.pending = true
	w.seq++
	seq := w.seq
	w.timer = time.AfterFunc(w.delay, func() { w.fire(seq) })
}

func (w *WriteBackPolicy) fire(seq uint64) {
	defer w.wg.Done()

	w.mu.Lock()
	if w.seq == seq {
		w.pending = false
	}
	w.mu.Unlock()

	if err := w.Flush(context.Background()); err != nil {
		log.Errorf("Failed to persist cache: %v", err)
	}
}

// Flush saves now if dirty. Concurrent callers wait on the in-flight save.
func (w *WriteBackPolicy) Flush(ctx context.Context) error {
	w.mu.Lock()
	if op := w.inflight; op != nil {
		w.mu.Unlock()
		select {
		case <-op.done:
			return op.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !w.dirty {
		w.mu.Unlock()
		return nil
	}
	op := &saveOp{done: make(chan struct{})}
	w.inflight = op
	w.dirty = false
	w.mu.Unlock()

	op.err = w.save(ctx)

	w.mu.Lock()
	if op.err != nil {
		// keep the changes for the next attempt
		w.dirty = true
	}
	w.inflight = nil
	w.mu.Unlock()

	close(op.done)
	return op.err
}

// State reports where the policy is in Idle -> Scheduled -> Saving -> Idle.
func (w *WriteBackPolicy) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.inflight != nil:
		return Saving
	case w.pending:
		return Scheduled
	default:
		return Idle
	}
}

/*
Close shuts down the write-back policy gracefully.
1. Stop accepting new timers
2. Wait for a timer-triggered save that already started
3. Flush whatever is still dirty

Without this, writes from the last debounce window would be lost at shutdown.
*/
func (w *WriteBackPolicy) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil && w.timer.Stop() {
		w.wg.Done()
	}
	w.pending = false
	w.mu.Unlock()

	w.wg.Wait()
	return w.Flush(ctx)
}
