package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/events"
	"github.com/wholehead/axon/internal/faults"
	"github.com/wholehead/axon/internal/gpu"
	"github.com/wholehead/axon/internal/metrics"
	"github.com/wholehead/axon/internal/registry"
	"github.com/wholehead/axon/internal/state"
)

// fakeStepRunner tracks concurrency and fails the models it is told to.
type fakeStepRunner struct {
	mu            sync.Mutex
	running       int
	maxConcurrent int
	calls         []string
	slots         map[string]int
	errs          map[string]error
	panics        map[string]bool
	delay         time.Duration
}

func (f *fakeStepRunner) RunModel(ctx context.Context, sid string, entry registry.Entry, inputPath string, slot int) (string, error) {
	f.mu.Lock()
	f.running++
	if f.running > f.maxConcurrent {
		f.maxConcurrent = f.running
	}
	f.calls = append(f.calls, entry.Name)
	if f.slots == nil {
		f.slots = map[string]int{}
	}
	f.slots[entry.Name] = slot
	f.mu.Unlock()

	if f.panics[entry.Name] {
		panic("runner exploded on " + entry.Name)
	}

	time.Sleep(f.delay)

	f.mu.Lock()
	f.running--
	f.mu.Unlock()
	if err := f.errs[entry.Name]; err != nil {
		return "", err
	}
	return "/out/" + entry.Name, nil
}

type schedFixture struct {
	sched   *Scheduler
	st      state.State
	keys    state.Keys
	arbiter *gpu.Arbiter
	runner  *fakeStepRunner
}

func newSchedFixture(t *testing.T, slots int, runner *fakeStepRunner) *schedFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st := state.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })

	keys := state.Keys{Prefix: "axon"}
	arb := gpu.NewArbiter(st, keys, slots, zap.NewNop(), metrics.Nop(), gpu.WithAcquirePoll(10*time.Millisecond))
	require.NoError(t, arb.Init(context.Background()))

	bus := events.NewBus(st, keys, "secret", zap.NewNop(), metrics.Nop())
	s := New(st, keys, arb, runner, bus, zap.NewNop(), metrics.Nop(), WithPoll(20*time.Millisecond))
	return &schedFixture{sched: s, st: st, keys: keys, arbiter: arb, runner: runner}
}

func (f *schedFixture) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func (f *schedFixture) tags(t *testing.T, sid string) []string {
	t.Helper()
	raws, err := f.st.LRange(context.Background(), f.keys.EventBuffer(sid), 0, -1)
	require.NoError(t, err)
	var tags []string
	for _, raw := range raws {
		var env events.Envelope
		require.NoError(t, json.Unmarshal([]byte(raw), &env))
		tags = append(tags, env.Tag())
	}
	return tags
}

func (f *schedFixture) waitTerminal(t *testing.T, sid string) string {
	t.Helper()
	var last string
	require.Eventually(t, func() bool {
		tags := f.tags(t, sid)
		if len(tags) == 0 {
			return false
		}
		last = tags[len(tags)-1]
		return last == "job_complete" || last == "job_failed"
	}, 5*time.Second, 20*time.Millisecond)
	return last
}

func twoStepJob(sid string) Job {
	return Job{
		SessionID: sid,
		Models:    []string{"grace", "dominopp"},
		Space:     "native",
		Steps: []Step{
			{Model: "grace", Input: "/in/native.gz"},
			{Model: "dominopp", Input: "/in/native.gz"},
		},
	}
}

func TestEnqueueReportsQueuePosition(t *testing.T) {
	f := newSchedFixture(t, 1, &fakeStepRunner{})
	ctx := context.Background()

	// 1. Two enqueues land at positions 0 and 1.
	pos, err := f.sched.Enqueue(ctx, twoStepJob("s1"))
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
	pos, err = f.sched.Enqueue(ctx, twoStepJob("s2"))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	// 2. QueuePosition agrees while the jobs sit in the queue.
	got, err := f.sched.QueuePosition(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	got, err = f.sched.QueuePosition(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, -1, got)

	// 3. Every step starts out queued and the queued event is published.
	status, err := f.st.HGetAll(ctx, f.keys.JobStatus("s1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"grace": "queued", "dominopp": "queued"}, status)
	assert.Equal(t, []string{"queued"}, f.tags(t, "s1"))
}

func TestSingleSlotSerializesSteps(t *testing.T) {
	runner := &fakeStepRunner{delay: 80 * time.Millisecond}
	f := newSchedFixture(t, 1, runner)
	_, err := f.sched.Enqueue(context.Background(), twoStepJob("s1"))
	require.NoError(t, err)
	f.start(t)

	require.Equal(t, "job_complete", f.waitTerminal(t, "s1"))

	// 1. Both steps ran, never concurrently, on the only slot.
	assert.ElementsMatch(t, []string{"grace", "dominopp"}, runner.calls)
	assert.Equal(t, 1, runner.maxConcurrent)
	assert.Equal(t, 0, runner.slots["grace"])
	assert.Equal(t, 0, runner.slots["dominopp"])

	// 2. Every step landed complete and the slot went back to free.
	status, err := f.st.HGetAll(context.Background(), f.keys.JobStatus("s1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"grace": "complete", "dominopp": "complete"}, status)
	usage, err := f.arbiter.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"0": gpu.SlotFree}, usage)
}

func TestStepFailureDoesNotCancelSiblings(t *testing.T) {
	runner := &fakeStepRunner{
		delay: 20 * time.Millisecond,
		errs:  map[string]error{"grace": faults.Ef(faults.OOM, "infer grace", "out of memory")},
	}
	f := newSchedFixture(t, 2, runner)
	_, err := f.sched.Enqueue(context.Background(), twoStepJob("s1"))
	require.NoError(t, err)
	f.start(t)

	require.Equal(t, "job_failed", f.waitTerminal(t, "s1"))

	// 1. The healthy sibling still ran to completion.
	assert.ElementsMatch(t, []string{"grace", "dominopp"}, runner.calls)
	status, err := f.st.HGetAll(context.Background(), f.keys.JobStatus("s1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"grace": "error", "dominopp": "complete"}, status)

	// 2. The terminal event names the failed model.
	raws, err := f.st.LRange(context.Background(), f.keys.EventBuffer("s1"), -1, -1)
	require.NoError(t, err)
	require.Len(t, raws, 1)
	var env events.Envelope
	require.NoError(t, json.Unmarshal([]byte(raws[0]), &env))
	var ev events.Event
	require.NoError(t, json.Unmarshal(env.Event, &ev))
	assert.Equal(t, "job_failed", ev.Event)
	assert.Equal(t, -1, ev.Progress)
	assert.Equal(t, "grace", ev.Detail)

	// 3. Both slots returned to free despite the failure.
	usage, err := f.arbiter.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"0": gpu.SlotFree, "1": gpu.SlotFree}, usage)
}

func TestPanickingStepReleasesItsSlot(t *testing.T) {
	runner := &fakeStepRunner{
		delay:  10 * time.Millisecond,
		panics: map[string]bool{"grace": true},
	}
	f := newSchedFixture(t, 2, runner)
	_, err := f.sched.Enqueue(context.Background(), twoStepJob("s1"))
	require.NoError(t, err)
	f.start(t)

	require.Equal(t, "job_failed", f.waitTerminal(t, "s1"))

	// 1. The panic became a step error; the sibling still completed.
	status, err := f.st.HGetAll(context.Background(), f.keys.JobStatus("s1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"grace": "error", "dominopp": "complete"}, status)

	// 2. Both slots went back to free.
	usage, err := f.arbiter.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"0": gpu.SlotFree, "1": gpu.SlotFree}, usage)
}

func TestUnknownModelFailsItsStepOnly(t *testing.T) {
	runner := &fakeStepRunner{}
	f := newSchedFixture(t, 2, runner)
	job := Job{
		SessionID: "s1",
		Models:    []string{"grace", "ghost"},
		Steps: []Step{
			{Model: "grace", Input: "/in/native.gz"},
			{Model: "ghost", Input: "/in/native.gz"},
		},
	}
	_, err := f.sched.Enqueue(context.Background(), job)
	require.NoError(t, err)
	f.start(t)

	require.Equal(t, "job_failed", f.waitTerminal(t, "s1"))
	assert.Equal(t, []string{"grace"}, runner.calls)

	status, err := f.st.HGetAll(context.Background(), f.keys.JobStatus("s1"))
	require.NoError(t, err)
	assert.Equal(t, "error", status["ghost"])
	assert.Equal(t, "complete", status["grace"])
}

func TestMalformedQueueEntriesAreDropped(t *testing.T) {
	runner := &fakeStepRunner{}
	f := newSchedFixture(t, 1, runner)
	ctx := context.Background()

	require.NoError(t, f.st.RPush(ctx, f.keys.JobQueue(), "not json"))
	_, err := f.sched.Enqueue(ctx, twoStepJob("s1"))
	require.NoError(t, err)
	f.start(t)

	// The garbage entry is skipped and the real job still completes.
	require.Equal(t, "job_complete", f.waitTerminal(t, "s1"))
}

func TestMissingPayloadFailsTheJob(t *testing.T) {
	runner := &fakeStepRunner{}
	f := newSchedFixture(t, 1, runner)
	ctx := context.Background()

	entry, err := json.Marshal(map[string]string{"session_id": "s1"})
	require.NoError(t, err)
	require.NoError(t, f.st.RPush(ctx, f.keys.JobQueue(), string(entry)))
	f.start(t)

	require.Equal(t, "job_failed", f.waitTerminal(t, "s1"))
	assert.Empty(t, runner.calls)
}

func TestJobStartPrecedesStepsAndTerminalIsLast(t *testing.T) {
	runner := &fakeStepRunner{delay: 10 * time.Millisecond}
	f := newSchedFixture(t, 2, runner)
	_, err := f.sched.Enqueue(context.Background(), twoStepJob("s1"))
	require.NoError(t, err)
	f.start(t)

	require.Equal(t, "job_complete", f.waitTerminal(t, "s1"))

	tags := f.tags(t, "s1")
	require.GreaterOrEqual(t, len(tags), 3)
	assert.Equal(t, "queued", tags[0])
	assert.Equal(t, "job_start", tags[1])
	assert.Equal(t, "job_complete", tags[len(tags)-1])
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newSchedFixture(t, 1, &fakeStepRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
