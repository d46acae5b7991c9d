// Package supervise keeps long-running workers alive. Each child runs in its
// own goroutine; panics are converted to errors, and a child that errors out
// restarts with a linear backoff until its restart budget is spent.
package supervise

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/ident"
)

// Stats is a snapshot of child outcomes since the supervisor started.
type Stats struct {
	Active    int
	Failed    int
	Restarted int
}

type child struct {
	name        string
	run         func(context.Context) error
	restarts    int
	maxRestarts int
}

// Supervisor runs named children until Stop, or until a child exhausts its
// restart budget.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	clk    ident.Clock
	log    *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// Option adjusts supervisor behavior.
type Option func(*Supervisor)

// WithClock substitutes the clock used for restart backoffs.
func WithClock(clk ident.Clock) Option {
	return func(s *Supervisor) { s.clk = clk }
}

// New builds a supervisor with no children.
func New(log *zap.Logger, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		clk:    ident.SystemClock(),
		log:    log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts run in a supervised goroutine. A child that returns nil is
// finished; one that returns an error restarts after a linear backoff, at
// most maxRestarts times.
func (s *Supervisor) Spawn(name string, run func(context.Context) error, maxRestarts int) {
	c := &child{name: name, run: run, maxRestarts: maxRestarts}
	s.mu.Lock()
	s.stats.Active++
	s.mu.Unlock()
	s.wg.Add(1)
	go s.supervise(c)
}

func (s *Supervisor) supervise(c *child) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.stats.Active--
		s.mu.Unlock()
	}()

	for {
		err := s.runRecovered(c)
		if err == nil || s.ctx.Err() != nil {
			return
		}
		s.log.Error("worker failed", zap.String("worker", c.name), zap.Error(err))

		if c.restarts >= c.maxRestarts {
			s.log.Error("worker out of restarts",
				zap.String("worker", c.name),
				zap.Int("restarts", c.restarts))
			s.mu.Lock()
			s.stats.Failed++
			s.mu.Unlock()
			return
		}

		backoff := time.Duration(c.restarts+1) * time.Second
		s.log.Warn("restarting worker",
			zap.String("worker", c.name),
			zap.Duration("backoff", backoff))
		select {
		case <-s.ctx.Done():
			return
		case <-s.clk.After(backoff):
		}
		c.restarts++
		s.mu.Lock()
		s.stats.Restarted++
		s.mu.Unlock()
	}
}

// runRecovered runs the child once, converting a panic into an error so the
// restart loop can count it like any other failure.
func (s *Supervisor) runRecovered(c *child) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("worker panic: %w", e)
			} else {
				err = fmt.Errorf("worker panic: %v", r)
			}
		}
	}()
	return c.run(s.ctx)
}

// Stop cancels every child and waits for them to unwind.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Snapshot reports current child counts.
func (s *Supervisor) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
