package supervise

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type closer struct {
	name string
	fn   func(context.Context) error
}

// Graceful runs registered shutdown steps in reverse registration order, so
// dependents close before the things they depend on.
type Graceful struct {
	mu      sync.Mutex
	closers []closer
	timeout time.Duration
	log     *zap.Logger
}

// NewGraceful builds an empty shutdown stack sharing one deadline.
func NewGraceful(timeout time.Duration, log *zap.Logger) *Graceful {
	return &Graceful{timeout: timeout, log: log}
}

// Register pushes a shutdown step onto the stack.
func (g *Graceful) Register(name string, fn func(context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closers = append(g.closers, closer{name: name, fn: fn})
}

// Shutdown pops and runs every step. A failing step is logged and does not
// stop the rest; the first error is returned.
func (g *Graceful) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	g.mu.Lock()
	closers := g.closers
	g.closers = nil
	g.mu.Unlock()

	var firstErr error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(ctx); err != nil {
			g.log.Warn("shutdown step failed", zap.String("step", c.name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
