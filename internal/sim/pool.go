// Package sim runs the two external simulators. Each owns a queue in shared
// state and a bounded worker pool; jobs stream child-process output into
// progress events and collect the artifacts the results endpoints serve.
package sim

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wholehead/axon/internal/events"
	"github.com/wholehead/axon/internal/ident"
	"github.com/wholehead/axon/internal/metrics"
	"github.com/wholehead/axon/internal/sessionfs"
	"github.com/wholehead/axon/internal/state"
	"github.com/wholehead/axon/internal/volume"
)

const defaultPoll = 500 * time.Millisecond

// Deps are the collaborators both simulators share.
type Deps struct {
	State state.State
	Keys  state.Keys
	Bus   *events.Bus
	FS    *sessionfs.Store
	Vols  volume.Store
	Log   *zap.Logger
	Met   *metrics.Set
}

// pool drains one simulation queue into a bounded worker set. Dequeues are
// eager; capacity is enforced by the semaphore so a full pool backpressures
// the workers, not the queue reader.
type pool struct {
	queue string
	st    state.State
	sem   *semaphore.Weighted
	poll  time.Duration
	clk   ident.Clock
	log   *zap.Logger
	run   func(ctx context.Context, sid string)
	wg    sync.WaitGroup
}

func newPool(queue string, st state.State, workers int, poll time.Duration, clk ident.Clock, log *zap.Logger, run func(context.Context, string)) *pool {
	if workers < 1 {
		workers = 1
	}
	if poll <= 0 {
		poll = defaultPoll
	}
	if clk == nil {
		clk = ident.SystemClock()
	}
	return &pool{
		queue: queue,
		st:    st,
		sem:   semaphore.NewWeighted(int64(workers)),
		poll:  poll,
		clk:   clk,
		log:   log,
		run:   run,
	}
}

// Run polls the queue until ctx is canceled, then waits for in-flight work.
func (p *pool) Run(ctx context.Context) error {
	defer p.wg.Wait()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := p.st.LPop(ctx, p.queue)
		if errors.Is(err, state.ErrMiss) {
			if !p.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn("simulation dequeue failed", zap.String("queue", p.queue), zap.Error(err))
			}
			if !p.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		sid := strings.TrimSpace(raw)
		if sid == "" {
			continue
		}
		p.wg.Add(1)
		go func(sid string) {
			defer p.wg.Done()
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer p.sem.Release(1)
			p.run(ctx, sid)
		}(sid)
	}
}

func (p *pool) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.clk.After(p.poll):
		return true
	}
}
