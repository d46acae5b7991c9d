// Package gpu arbitrates the fixed pool of GPU slots. Slot ownership lives
// in a shared-state hash so operators can inspect it, while a process-local
// mutex makes the scan-and-claim race-free.
package gpu

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/ident"
	"github.com/wholehead/axon/internal/metrics"
	"github.com/wholehead/axon/internal/state"
)

// SlotFree marks an unheld slot in the lock hash.
const SlotFree = "free"

const defaultAcquirePoll = 150 * time.Millisecond

// Arbiter grants and releases GPU slots.
type Arbiter struct {
	st         state.State
	keys       state.Keys
	count      int
	minFreeMiB int
	prober     Prober
	clk        ident.Clock
	log        *zap.Logger
	met        *metrics.Set
	poll       time.Duration

	mu sync.Mutex
}

// Option adjusts arbiter behavior.
type Option func(*Arbiter)

// WithProber gates slot grants on live free memory: slots whose device
// reports less than minFreeMiB free are skipped. A probe failure disables
// the gate for that attempt rather than blocking grants.
func WithProber(p Prober, minFreeMiB int) Option {
	return func(a *Arbiter) { a.prober, a.minFreeMiB = p, minFreeMiB }
}

// WithClock substitutes the wait clock.
func WithClock(clk ident.Clock) Option {
	return func(a *Arbiter) { a.clk = clk }
}

// WithAcquirePoll overrides the retry interval of AcquireWait.
func WithAcquirePoll(d time.Duration) Option {
	return func(a *Arbiter) { a.poll = d }
}

// NewArbiter builds an arbiter over count slots.
func NewArbiter(st state.State, keys state.Keys, count int, log *zap.Logger, met *metrics.Set, opts ...Option) *Arbiter {
	a := &Arbiter{
		st:    st,
		keys:  keys,
		count: count,
		clk:   ident.SystemClock(),
		log:   log,
		met:   met,
		poll:  defaultAcquirePoll,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Count returns the slot pool size.
func (a *Arbiter) Count() int { return a.count }

// Init seeds the lock hash with free slots if it does not exist yet.
// Existing state survives restarts so running jobs keep their slots.
func (a *Arbiter) Init(ctx context.Context) error {
	locks, err := a.st.HGetAll(ctx, a.keys.GPULocks())
	if err != nil {
		return err
	}
	if len(locks) > 0 {
		return nil
	}
	for i := 0; i < a.count; i++ {
		if err := a.st.HSet(ctx, a.keys.GPULocks(), strconv.Itoa(i), SlotFree); err != nil {
			return err
		}
	}
	return nil
}

// TryAcquire claims the lowest free slot for owner. ok is false when every
// slot is held or memory-gated.
func (a *Arbiter) TryAcquire(ctx context.Context, owner string) (int, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	low := map[int]bool{}
	if a.prober != nil && a.minFreeMiB > 0 {
		stats, err := a.prober.Probe(ctx)
		if err != nil {
			a.log.Warn("device probe failed, skipping memory gate", zap.Error(err))
		} else {
			for _, s := range stats {
				if s.MemFreeMiB() < a.minFreeMiB {
					low[s.Index] = true
				}
			}
		}
	}

	locks, err := a.st.HGetAll(ctx, a.keys.GPULocks())
	if err != nil {
		return 0, false, err
	}
	for i := 0; i < a.count; i++ {
		holder, ok := locks[strconv.Itoa(i)]
		if ok && holder != SlotFree {
			continue
		}
		if low[i] {
			continue
		}
		if err := a.st.HSet(ctx, a.keys.GPULocks(), strconv.Itoa(i), owner); err != nil {
			return 0, false, err
		}
		a.met.GPUAcquires.Inc()
		a.met.GPUSlotsBusy.Inc()
		return i, true, nil
	}
	return 0, false, nil
}

// AcquireWait blocks until a slot is granted or ctx ends.
func (a *Arbiter) AcquireWait(ctx context.Context, owner string) (int, error) {
	for {
		slot, ok, err := a.TryAcquire(ctx, owner)
		if err != nil {
			return 0, err
		}
		if ok {
			return slot, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-a.clk.After(a.poll):
		}
	}
}

// Release frees a slot. Only the recorded owner may release it; a mismatch
// indicates a bookkeeping bug and leaves the slot untouched.
func (a *Arbiter) Release(ctx context.Context, slot int, owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	field := strconv.Itoa(slot)
	holder, err := a.st.HGet(ctx, a.keys.GPULocks(), field)
	if err != nil && err != state.ErrMiss {
		return err
	}
	if err == nil && holder != owner && holder != SlotFree {
		return fmt.Errorf("gpu: slot %d held by %q, not %q", slot, holder, owner)
	}
	if err := a.st.HSet(ctx, a.keys.GPULocks(), field, SlotFree); err != nil {
		return err
	}
	a.met.GPUSlotsBusy.Dec()
	return nil
}

// Usage returns the raw lock hash for health reporting.
func (a *Arbiter) Usage(ctx context.Context) (map[string]string, error) {
	return a.st.HGetAll(ctx, a.keys.GPULocks())
}
