package predictor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/faults"
	"github.com/wholehead/axon/internal/registry"
)

func testEntry(t *testing.T, name string) registry.Entry {
	t.Helper()
	e, err := registry.Lookup(name)
	require.NoError(t, err)
	return e
}

func TestFakeScriptsErrorsPerCall(t *testing.T) {
	f := &Fake{Classes: 3, WinningClass: 2, Errs: []error{ErrOOM, nil}}

	// 1. First call hits the scripted out-of-memory.
	_, err := f.Predict(context.Background(), [][]float32{make([]float32, 8)}, [3]int{2, 2, 2})
	require.ErrorIs(t, err, ErrOOM)

	// 2. Second call succeeds and records the batch shape.
	out, err := f.Predict(context.Background(), [][]float32{make([]float32, 8), make([]float32, 8)}, [3]int{2, 2, 2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []FakeCall{{Batch: 1, Dim: [3]int{2, 2, 2}}, {Batch: 2, Dim: [3]int{2, 2, 2}}}, f.Calls)

	// 3. Logits put the winning class on top for every voxel.
	assert.EqualValues(t, 0, out[0][0])
	assert.EqualValues(t, 1, out[0][2*8])
}

func TestFakeCountsLifecycleHooks(t *testing.T) {
	f := &Fake{Classes: 2}
	f.ReleaseCaches()
	f.ReleaseCaches()
	require.NoError(t, f.Close())

	assert.Equal(t, 2, f.Released)
	assert.Equal(t, 1, f.Closed)
}

func TestWASMFactoryMissingCheckpoint(t *testing.T) {
	f := NewWASMFactory(t.TempDir(), zap.NewNop())

	_, err := f.Open(context.Background(), testEntry(t, "grace"), 0)
	require.Error(t, err)
	assert.Equal(t, faults.MissingModel, faults.KindOf(err))
}

func TestFakeFactoryRecordsOpens(t *testing.T) {
	f := &FakeFactory{P: &Fake{Classes: 2}}

	p, err := f.Open(context.Background(), testEntry(t, "grace"), 0)
	require.NoError(t, err)
	require.NotNil(t, p)
	_, err = f.Open(context.Background(), testEntry(t, "domino"), 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"grace", "domino"}, f.Opens)
}
