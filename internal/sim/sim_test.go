package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/events"
	"github.com/wholehead/axon/internal/metrics"
	"github.com/wholehead/axon/internal/sessionfs"
	"github.com/wholehead/axon/internal/state"
	"github.com/wholehead/axon/internal/volume"
)

type simFixture struct {
	deps Deps
	st   state.State
	keys state.Keys
	fs   *sessionfs.Store
	vols volume.Store
}

func newSimFixture(t *testing.T) *simFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st := state.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })

	keys := state.Keys{Prefix: "axon"}
	bus := events.NewBus(st, keys, "secret", zap.NewNop(), metrics.Nop())
	fs, err := sessionfs.New(t.TempDir())
	require.NoError(t, err)

	vols := volume.FSStore{}
	return &simFixture{
		deps: Deps{State: st, Keys: keys, Bus: bus, FS: fs, Vols: vols, Log: zap.NewNop(), Met: metrics.Nop()},
		st:   st,
		keys: keys,
		fs:   fs,
		vols: vols,
	}
}

func writeGzippedInput(t *testing.T, f *simFixture, sid string) {
	t.Helper()
	require.NoError(t, volume.GzipTo(f.fs.InputNative(sid), bytes.NewReader([]byte("t1 voxels"))))
}

// seedSession stages a session with a gzipped native input and a saved
// segmentation for the given model.
func (f *simFixture) seedSession(t *testing.T, sid, model string, labels []uint8) {
	t.Helper()
	require.NoError(t, f.fs.Create(sid))
	writeGzippedInput(t, f, sid)

	lv := volume.NewLabelVolume([3]int{len(labels), 1, 1}, volume.EyeAffine())
	copy(lv.Data, labels)
	_, err := f.fs.ModelDir(sid, model)
	require.NoError(t, err)
	require.NoError(t, f.vols.SaveLabels(f.fs.ModelOutput(sid, model), lv))
}

// ladder pulls (tag, progress) pairs off the session's event buffer.
func (f *simFixture) ladder(t *testing.T, sid string) []eventRec {
	t.Helper()
	raws, err := f.st.LRange(context.Background(), f.keys.EventBuffer(sid), 0, -1)
	require.NoError(t, err)
	var out []eventRec
	for _, raw := range raws {
		var env events.Envelope
		require.NoError(t, json.Unmarshal([]byte(raw), &env))
		var ev events.Event
		require.NoError(t, json.Unmarshal(env.Event, &ev))
		out = append(out, eventRec{ev.Event, ev.Progress})
	}
	return out
}

// lastEvent decodes the most recent event on the session's buffer.
func (f *simFixture) lastEvent(t *testing.T, sid string) events.Event {
	t.Helper()
	raws, err := f.st.LRange(context.Background(), f.keys.EventBuffer(sid), -1, -1)
	require.NoError(t, err)
	require.NotEmpty(t, raws)
	var env events.Envelope
	require.NoError(t, json.Unmarshal([]byte(raws[len(raws)-1]), &env))
	var ev events.Event
	require.NoError(t, json.Unmarshal(env.Event, &ev))
	return ev
}

// runUntil starts the loop and waits for the session's terminal event.
func runUntil(t *testing.T, run func(context.Context) error, terminal func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = run(ctx)
	}()
	require.Eventually(t, terminal, 10*time.Second, 25*time.Millisecond)
	cancel()
	<-done
}
