// Package predictor defines the opaque model-execution contract the
// pipeline runs against, plus the WASM reference backend.
package predictor

import (
	"context"
	"errors"

	"github.com/wholehead/axon/internal/registry"
)

// ErrOOM reports device memory exhaustion. The pipeline reacts by shrinking
// the tile batch; any other error is a plain prediction failure.
var ErrOOM = errors.New("predictor: out of device memory")

// Predictor executes one loaded model. Predict consumes a batch of dense
// tiles (x fastest) and returns one class-major logit buffer per tile.
type Predictor interface {
	Predict(ctx context.Context, tiles [][]float32, dim [3]int) ([][]float32, error)
	Close() error
}

// CacheReleaser is implemented by backends that can drop device-side caches
// between out-of-memory retries.
type CacheReleaser interface {
	ReleaseCaches()
}

// Factory opens predictors. slot is the granted GPU slot index; backends
// without per-device state ignore it.
type Factory interface {
	Open(ctx context.Context, entry registry.Entry, slot int) (Predictor, error)
}
