package sessionfs

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/ident"
	"github.com/wholehead/axon/internal/metrics"
)

// BusyFunc reports whether a session still has queued or running work.
// PurgeFunc removes a session's shared-state keys. Both are supplied by the
// orchestrator so this package stays ignorant of the coordination layer.
type (
	BusyFunc  func(ctx context.Context, sid string) (bool, error)
	PurgeFunc func(ctx context.Context, sid string) error
)

// Reaper removes sessions whose directory has exceeded the retention period.
// Sessions with in-flight work survive regardless of age.
type Reaper struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	busy      BusyFunc
	purge     PurgeFunc
	clk       ident.Clock
	log       *zap.Logger
	met       *metrics.Set
}

// NewReaper wires a reaper. busy and purge may be nil, in which case age is
// the only criterion and no shared-state cleanup happens.
func NewReaper(store *Store, retention, interval time.Duration, busy BusyFunc, purge PurgeFunc, clk ident.Clock, log *zap.Logger, met *metrics.Set) *Reaper {
	return &Reaper{
		store:     store,
		retention: retention,
		interval:  interval,
		busy:      busy,
		purge:     purge,
		clk:       clk,
		log:       log,
		met:       met,
	}
}

// Run sweeps on a fixed interval until the context ends. It is shaped as a
// supervisor child: it only returns on cancellation.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := r.clk.Ticker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.log.Warn("reap sweep failed", zap.Error(err))
			} else if n > 0 {
				r.log.Info("reaped sessions", zap.Int("count", n))
			}
		}
	}
}

// Sweep performs one pass and returns how many sessions were removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	ids, err := r.store.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sid := range ids {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		info, err := os.Stat(r.store.Dir(sid))
		if err != nil {
			continue
		}
		if r.clk.Now().Sub(info.ModTime()) < r.retention {
			continue
		}
		if r.busy != nil {
			busy, err := r.busy(ctx, sid)
			if err != nil {
				r.log.Warn("busy check failed, keeping session", zap.String("session", sid), zap.Error(err))
				continue
			}
			if busy {
				continue
			}
		}
		if err := r.store.Remove(sid); err != nil {
			r.log.Warn("remove failed", zap.String("session", sid), zap.Error(err))
			continue
		}
		if r.purge != nil {
			if err := r.purge(ctx, sid); err != nil {
				r.log.Warn("shared-state purge failed", zap.String("session", sid), zap.Error(err))
			}
		}
		r.met.SessionsReaped.Inc()
		removed++
	}
	return removed, nil
}
