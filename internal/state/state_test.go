package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedis(rdb)
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

func TestKVRoundTrip(t *testing.T) {
	st, mr := newTestState(t)
	ctx := context.Background()

	// 1. Missing key reports ErrMiss, not an error.
	_, err := st.Get(ctx, "absent")
	require.ErrorIs(t, err, ErrMiss)

	// 2. Set with TTL round-trips and expires.
	require.NoError(t, st.Set(ctx, "k", "v", time.Minute))
	v, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	mr.FastForward(2 * time.Minute)
	_, err = st.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestSetNXIsAtomic(t *testing.T) {
	st, _ := newTestState(t)
	ctx := context.Background()

	ok, err := st.SetNX(ctx, "lock", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.SetNX(ctx, "lock", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := st.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "owner-a", v)
}

func TestQueueDeliversEachEntryOnce(t *testing.T) {
	st, _ := newTestState(t)
	ctx := context.Background()

	// 1. Fill the queue.
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, st.RPush(ctx, "q", fmt.Sprintf("job-%d", i)))
	}

	// 2. Drain it from eight competing consumers.
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := st.LPop(ctx, "q")
				if err != nil {
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 3. Every entry was delivered exactly once.
	require.Len(t, seen, n)
	for v, count := range seen {
		assert.Equal(t, 1, count, "entry %s delivered %d times", v, count)
	}
}

func TestQueueOrderIsFIFO(t *testing.T) {
	st, _ := newTestState(t)
	ctx := context.Background()

	require.NoError(t, st.RPush(ctx, "q", "a", "b", "c"))

	n, err := st.LLen(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []string{"a", "b", "c"} {
		got, err := st.LPop(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = st.LPop(ctx, "q")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestBLPopTimeoutReportsMiss(t *testing.T) {
	st, _ := newTestState(t)
	ctx := context.Background()

	// go-redis rounds blocking timeouts below one second up to one second,
	// so that is the smallest honest wait.
	start := time.Now()
	_, err := st.BLPop(ctx, time.Second, "empty")
	assert.ErrorIs(t, err, ErrMiss)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestBLPopReturnsValue(t *testing.T) {
	st, _ := newTestState(t)
	ctx := context.Background()

	require.NoError(t, st.RPush(ctx, "q", "payload"))
	v, err := st.BLPop(ctx, time.Second, "q")
	require.NoError(t, err)
	assert.Equal(t, "payload", v)
}

func TestHashAndSetOps(t *testing.T) {
	st, _ := newTestState(t)
	ctx := context.Background()

	require.NoError(t, st.HSet(ctx, "h", "grace", "queued"))
	require.NoError(t, st.HSet(ctx, "h", "domino", "running"))

	v, err := st.HGet(ctx, "h", "grace")
	require.NoError(t, err)
	assert.Equal(t, "queued", v)

	_, err = st.HGet(ctx, "h", "nope")
	assert.ErrorIs(t, err, ErrMiss)

	all, err := st.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"grace": "queued", "domino": "running"}, all)

	require.NoError(t, st.SAdd(ctx, "s", "sid-1", "sid-2"))
	members, err := st.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sid-1", "sid-2"}, members)

	require.NoError(t, st.SRem(ctx, "s", "sid-1"))
	members, err = st.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"sid-2"}, members)
}

func TestKeysLayout(t *testing.T) {
	k := Keys{Prefix: "axon"}

	assert.Equal(t, "axon:queue:jobs", k.JobQueue())
	assert.Equal(t, "axon:job:s1:data", k.JobData("s1"))
	assert.Equal(t, "axon:job:s1:status", k.JobStatus("s1"))
	assert.Equal(t, "axon:sse:s1", k.EventBuffer("s1"))
	assert.Equal(t, "axon:gpu_locks", k.GPULocks())
	assert.Equal(t, "axon:queue:roast", k.RoastQueue())
	assert.Equal(t, "axon:simnibs:s1:progress", k.SimnibsProgress("s1"))
	assert.Equal(t, "axon:sessions", k.Sessions())

	// Cleanup covers every per-session key family.
	keys := k.SessionKeys("s1")
	assert.Len(t, keys, 10)
	assert.Contains(t, keys, "axon:sse:s1")
	assert.Contains(t, keys, "axon:roast:s1:status")
}
