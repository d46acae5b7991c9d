package sessionfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/ident"
	"github.com/wholehead/axon/internal/metrics"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPathsAreStable(t *testing.T) {
	s := newTestStore(t)

	// The same inputs always resolve to the same artifact paths.
	assert.Equal(t, s.InputNative("s1"), s.InputNative("s1"))
	assert.Equal(t, filepath.Join(s.Root(), "s1", "input_native.nii.gz"), s.InputNative("s1"))
	assert.Equal(t, filepath.Join(s.Root(), "s1", "input_fs.nii"), s.InputConformed("s1"))
	assert.Equal(t, filepath.Join(s.Root(), "s1", "grace", "output.nii.gz"), s.ModelOutput("s1", "grace"))
	assert.Equal(t, filepath.Join(s.Root(), "s1", "grace", "output_fs.nii.gz"), s.ModelOutputConformed("s1", "grace"))
	assert.Equal(t, filepath.Join(s.Root(), "s1", "logs.jsonl"), s.LogPath("s1"))
}

func TestCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Create("s1"))
	require.NoError(t, s.Create("s1"))
	assert.True(t, s.Exists("s1"))

	dir, err := s.ModelDir("s1", "domino")
	require.NoError(t, err)
	dir2, err := s.ModelDir("s1", "domino")
	require.NoError(t, err)
	assert.Equal(t, dir, dir2)

	roast, err := s.RoastDir("s1")
	require.NoError(t, err)
	assert.DirExists(t, roast)

	sn, err := s.SimnibsDir("s1", "dominopp")
	require.NoError(t, err)
	assert.DirExists(t, sn)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("a"))
	require.NoError(t, s.Create("b"))
	// Stray files in the root are not sessions.
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "noise.txt"), []byte("x"), 0o644))

	ids, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func backdate(t *testing.T, dir string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(dir, old, old))
}

func TestSweepRemovesOnlyExpiredIdleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// 1. Three sessions: expired-idle, expired-busy, fresh.
	for _, sid := range []string{"old-idle", "old-busy", "fresh"} {
		require.NoError(t, s.Create(sid))
	}
	backdate(t, s.Dir("old-idle"), 48*time.Hour)
	backdate(t, s.Dir("old-busy"), 48*time.Hour)

	busy := func(_ context.Context, sid string) (bool, error) {
		return sid == "old-busy", nil
	}
	purged := []string{}
	purge := func(_ context.Context, sid string) error {
		purged = append(purged, sid)
		return nil
	}

	r := NewReaper(s, 24*time.Hour, time.Hour, busy, purge, ident.SystemClock(), zap.NewNop(), metrics.Nop())

	// 2. Sweep.
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 3. Only the expired idle session is gone, and only it was purged.
	assert.False(t, s.Exists("old-idle"))
	assert.True(t, s.Exists("old-busy"))
	assert.True(t, s.Exists("fresh"))
	assert.Equal(t, []string{"old-idle"}, purged)
}

func TestSweepKeepsSessionWhenBusyCheckFails(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create("old"))
	backdate(t, s.Dir("old"), 48*time.Hour)

	busy := func(context.Context, string) (bool, error) {
		return false, assert.AnError
	}
	r := NewReaper(s, 24*time.Hour, time.Hour, busy, nil, ident.SystemClock(), zap.NewNop(), metrics.Nop())

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, s.Exists("old"))
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	r := NewReaper(s, time.Hour, time.Minute, nil, nil, ident.SystemClock(), zap.NewNop(), metrics.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop on cancel")
	}
}
