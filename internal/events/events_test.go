package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/metrics"
	"github.com/wholehead/axon/internal/state"
)

const testSecret = "test-secret"

func newTestBus(t *testing.T, opts ...Option) (*Bus, state.State, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := state.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })
	bus := NewBus(st, state.Keys{Prefix: "axon"}, testSecret, zap.NewNop(), metrics.Nop(), opts...)
	return bus, st, mr
}

// independentSig recomputes the signature the way an external consumer
// holding the shared secret would.
func independentSig(t *testing.T, eventJSON []byte) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(eventJSON, &m))
	canon, err := json.Marshal(m)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPublishedEnvelopesCarryValidSignatures(t *testing.T) {
	bus, st, _ := newTestBus(t)
	ctx := context.Background()

	// 1. Publish an event with every field populated.
	bus.Publish(ctx, "s1", Event{Event: "model_error", Progress: -1, Model: "grace", Detail: "oom", Error: "out of memory"})

	// 2. Pull the raw envelope straight off the buffer.
	raw, err := st.LPop(ctx, "axon:sse:s1")
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	// 3. The signature matches an independent recomputation and Verify agrees.
	assert.Equal(t, independentSig(t, env.Event), env.Sig)
	assert.True(t, bus.Verify(env))

	// 4. The nested event is intact.
	var got Event
	require.NoError(t, json.Unmarshal(env.Event, &got))
	assert.Equal(t, "model_error", got.Event)
	assert.Equal(t, -1, got.Progress)
	assert.Equal(t, "grace", got.Model)
	assert.Equal(t, "oom", got.Detail)
}

func TestPublishSetsBufferTTL(t *testing.T) {
	bus, _, mr := newTestBus(t)

	bus.Publish(context.Background(), "s1", Event{Event: "queued"})
	assert.Equal(t, time.Hour, mr.TTL("axon:sse:s1"))
}

func TestStreamDeliversInPublishOrder(t *testing.T) {
	bus, _, _ := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 1. Publish a ladder ending in a terminal event.
	tags := []string{"queued", "job_start", "model_load_start", "model_complete", "job_complete"}
	for _, tag := range tags {
		bus.Publish(ctx, "s1", Event{Event: tag})
	}

	// 2. Drain the stream to completion.
	var got []string
	for env := range bus.Stream(ctx, "s1", JobTerminals) {
		got = append(got, env.Tag())
	}

	// 3. Order is preserved and stream_end trails the terminal.
	want := append(append([]string{}, tags...), "stream_end")
	assert.Equal(t, want, got)
}

func TestStreamHeartbeatsWhileQuiet(t *testing.T) {
	bus, _, _ := newTestBus(t, WithTimings(time.Second, 200*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := bus.Stream(ctx, "quiet", JobTerminals)

	select {
	case env := <-ch:
		require.Equal(t, "heartbeat", env.Tag())
		assert.True(t, bus.Verify(env))

		var hb Event
		require.NoError(t, json.Unmarshal(env.Event, &hb))
		assert.Greater(t, hb.TS, float64(0))
	case <-time.After(8 * time.Second):
		t.Fatal("no heartbeat on quiet stream")
	}
}

func TestStreamDropsTamperedEnvelopes(t *testing.T) {
	bus, st, _ := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 1. Forge an envelope with a bad signature, then publish a real terminal.
	forged, err := json.Marshal(Envelope{Event: json.RawMessage(`{"event":"job_complete"}`), Sig: "00ff"})
	require.NoError(t, err)
	require.NoError(t, st.RPush(ctx, "axon:sse:s1", string(forged)))
	bus.Publish(ctx, "s1", Event{Event: "job_complete"})

	// 2. Only the genuine envelope and the trailer come through.
	var got []string
	for env := range bus.Stream(ctx, "s1", JobTerminals) {
		got = append(got, env.Tag())
	}
	assert.Equal(t, []string{"job_complete", "stream_end"}, got)
}

func TestStreamClosesOnCancel(t *testing.T) {
	bus, _, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch := bus.Stream(ctx, "s1", JobTerminals)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close on cancel")
	}
}

func TestTerminalSets(t *testing.T) {
	assert.Contains(t, JobTerminals, "job_complete")
	assert.Contains(t, JobTerminals, "job_failed")
	assert.Contains(t, RoastTerminals, "roast_error")
	assert.Contains(t, SimnibsTerminals, "simnibs_complete")
}

func TestFailureHelper(t *testing.T) {
	ev := Failure("roast_error", "", "timeout", "deadline exceeded")
	assert.Equal(t, -1, ev.Progress)
	assert.Equal(t, "timeout", ev.Detail)

	m := ev.AsMap()
	assert.Equal(t, "roast_error", m["event"])
	assert.Equal(t, -1, m["progress"])
	_, hasModel := m["model"]
	assert.False(t, hasModel)
}
