// Package scheduler drains the segmentation job queue and fans each job's
// model steps out over the GPU slots. One scheduler loop runs per process;
// the queue itself lives in shared state so enqueues survive restarts.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wholehead/axon/internal/events"
	"github.com/wholehead/axon/internal/faults"
	"github.com/wholehead/axon/internal/gpu"
	"github.com/wholehead/axon/internal/ident"
	"github.com/wholehead/axon/internal/metrics"
	"github.com/wholehead/axon/internal/registry"
	"github.com/wholehead/axon/internal/state"
)

const defaultPoll = 500 * time.Millisecond

// Step is one model execution within a job.
type Step struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// Job is the payload stored at the job data key. The queue itself carries
// only the session id.
type Job struct {
	SessionID string   `json:"session_id"`
	Models    []string `json:"models"`
	Space     string   `json:"space"`
	Steps     []Step   `json:"steps"`
	CreatedAt float64  `json:"created_at"`
}

type queueEntry struct {
	SessionID string `json:"session_id"`
}

// StepRunner executes one model step on a granted slot.
type StepRunner interface {
	RunModel(ctx context.Context, sid string, entry registry.Entry, inputPath string, slot int) (string, error)
}

// Scheduler owns both sides of the job queue: producers call Enqueue, Run
// drains.
type Scheduler struct {
	st      state.State
	keys    state.Keys
	arbiter *gpu.Arbiter
	runner  StepRunner
	bus     *events.Bus
	clk     ident.Clock
	log     *zap.Logger
	met     *metrics.Set

	poll       time.Duration
	jobTimeout time.Duration
	wg         sync.WaitGroup
}

// Option adjusts scheduler behavior.
type Option func(*Scheduler)

// WithPoll overrides the empty-queue sleep.
func WithPoll(d time.Duration) Option {
	return func(s *Scheduler) { s.poll = d }
}

// WithJobTimeout bounds one job's wall clock. Zero means unbounded.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.jobTimeout = d }
}

// WithClock substitutes the poll clock.
func WithClock(clk ident.Clock) Option {
	return func(s *Scheduler) { s.clk = clk }
}

// New builds a scheduler.
func New(st state.State, keys state.Keys, arbiter *gpu.Arbiter, runner StepRunner, bus *events.Bus,
	log *zap.Logger, met *metrics.Set, opts ...Option) *Scheduler {
	s := &Scheduler{
		st:      st,
		keys:    keys,
		arbiter: arbiter,
		runner:  runner,
		bus:     bus,
		clk:     ident.SystemClock(),
		log:     log,
		met:     met,
		poll:    defaultPoll,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue persists the payload, marks every step queued, pushes the queue
// entry and publishes the queued event. It returns the job's index in the
// queue at push time.
func (s *Scheduler) Enqueue(ctx context.Context, job Job) (int, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return 0, faults.E(faults.InputInvalid, "encode job", err)
	}
	if err := s.st.Set(ctx, s.keys.JobData(job.SessionID), string(payload), 0); err != nil {
		return 0, err
	}
	for _, step := range job.Steps {
		if err := s.st.HSet(ctx, s.keys.JobStatus(job.SessionID), step.Model, "queued"); err != nil {
			return 0, err
		}
	}
	entry, _ := json.Marshal(queueEntry{SessionID: job.SessionID})
	if err := s.st.RPush(ctx, s.keys.JobQueue(), string(entry)); err != nil {
		return 0, err
	}
	depth, err := s.st.LLen(ctx, s.keys.JobQueue())
	if err != nil {
		depth = 1
	}
	s.met.JobsEnqueued.Inc()
	s.bus.Publish(ctx, job.SessionID, events.Event{Event: "queued", Detail: strings.Join(job.Models, ",")})
	pos := int(depth) - 1
	if pos < 0 {
		pos = 0
	}
	return pos, nil
}

// QueuePosition reports a session's current index in the queue, or -1 when
// the job is no longer queued.
func (s *Scheduler) QueuePosition(ctx context.Context, sid string) (int, error) {
	raws, err := s.st.LRange(ctx, s.keys.JobQueue(), 0, -1)
	if err != nil {
		return -1, err
	}
	for i, raw := range raws {
		var entry queueEntry
		if json.Unmarshal([]byte(raw), &entry) == nil && entry.SessionID == sid {
			return i, nil
		}
	}
	return -1, nil
}

// Run is the dequeue loop. Each job executes on its own goroutine so a long
// job never blocks the next dequeue. Run returns after ctx is canceled and
// every in-flight job has settled.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := s.st.LPop(ctx, s.keys.JobQueue())
		if errors.Is(err, state.ErrMiss) {
			if !s.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("job dequeue failed", zap.Error(err))
			}
			if !s.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		var entry queueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.SessionID == "" {
			s.log.Warn("malformed queue entry dropped", zap.String("entry", raw))
			continue
		}
		s.wg.Add(1)
		go func(sid string) {
			defer s.wg.Done()
			s.execute(ctx, sid)
		}(entry.SessionID)
	}
}

func (s *Scheduler) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.clk.After(s.poll):
		return true
	}
}

// execute runs one job: fan the steps out over at most min(|steps|, slots)
// workers, collect failures, and publish exactly one terminal event after
// every step has settled.
func (s *Scheduler) execute(ctx context.Context, sid string) {
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	raw, err := s.st.Get(ctx, s.keys.JobData(sid))
	if err != nil {
		s.log.Error("job payload unavailable", zap.String("session", sid), zap.Error(err))
		s.bus.Publish(ctx, sid, events.Event{Event: "job_failed", Progress: -1, Error: "job payload unavailable"})
		s.met.JobsFailed.Inc()
		return
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil || len(job.Steps) == 0 {
		s.log.Error("job payload malformed", zap.String("session", sid), zap.Error(err))
		s.bus.Publish(ctx, sid, events.Event{Event: "job_failed", Progress: -1, Error: "job payload malformed"})
		s.met.JobsFailed.Inc()
		return
	}

	s.log.Info("job dequeued",
		zap.String("session", sid),
		zap.Strings("models", job.Models))
	s.bus.Publish(ctx, sid, events.Event{Event: "job_start", Detail: strings.Join(job.Models, ",")})

	limit := len(job.Steps)
	if n := s.arbiter.Count(); n < limit {
		limit = n
	}
	if limit < 1 {
		limit = 1
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []string
	)
	g.SetLimit(limit)
	for _, step := range job.Steps {
		step := step
		g.Go(func() error {
			// Step failures are collected, not propagated: one bad
			// model must not cancel its siblings.
			if err := s.runStep(ctx, sid, step); err != nil {
				mu.Lock()
				failed = append(failed, step.Model)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		sort.Strings(failed)
		s.bus.Publish(ctx, sid, events.Event{
			Event:    "job_failed",
			Progress: -1,
			Detail:   strings.Join(failed, ","),
			Error:    fmt.Sprintf("%d of %d steps failed", len(failed), len(job.Steps)),
		})
		s.met.JobsFailed.Inc()
		return
	}
	s.bus.Publish(ctx, sid, events.Event{Event: "job_complete"})
	s.met.JobsCompleted.Inc()
}

// runStep acquires a slot, runs the model, and releases the slot on every
// exit path, panics included. The runner publishes its own model_error;
// this layer publishes only when the runner could not (bad model, no slot,
// panic).
func (s *Scheduler) runStep(ctx context.Context, sid string, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panic: %v", r)
			s.setStatus(ctx, sid, step.Model, "error")
			s.bus.Publish(ctx, sid, events.Failure("model_error", step.Model, "internal", err.Error()))
		}
	}()

	entry, err := registry.Lookup(step.Model)
	if err != nil {
		s.setStatus(ctx, sid, step.Model, "error")
		s.bus.Publish(ctx, sid, events.Failure("model_error", step.Model, string(faults.InputInvalid), err.Error()))
		return err
	}

	s.setStatus(ctx, sid, step.Model, "waiting_gpu")
	owner := sid + ":" + step.Model
	slot, err := s.arbiter.AcquireWait(ctx, owner)
	if err != nil {
		kind := string(faults.KindOf(err))
		if kind == "" {
			kind = "internal"
		}
		s.setStatus(ctx, sid, step.Model, "error")
		s.bus.Publish(ctx, sid, events.Failure("model_error", step.Model, kind, err.Error()))
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.arbiter.Release(releaseCtx, slot, owner); err != nil {
			s.log.Error("slot release failed",
				zap.String("session", sid),
				zap.String("model", step.Model),
				zap.Int("slot", slot),
				zap.Error(err))
		}
	}()

	s.setStatus(ctx, sid, step.Model, "running")
	if _, err := s.runner.RunModel(ctx, sid, entry, step.Input, slot); err != nil {
		s.setStatus(ctx, sid, step.Model, "error")
		return err
	}
	s.setStatus(ctx, sid, step.Model, "complete")
	return nil
}

func (s *Scheduler) setStatus(ctx context.Context, sid, model, status string) {
	if err := s.st.HSet(ctx, s.keys.JobStatus(sid), model, status); err != nil {
		s.log.Warn("status update dropped",
			zap.String("session", sid),
			zap.String("model", model),
			zap.String("status", status),
			zap.Error(err))
	}
}
