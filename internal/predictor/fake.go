package predictor

import (
	"context"

	"github.com/wholehead/axon/internal/registry"
)

// FakeCall records one Predict invocation.
type FakeCall struct {
	Batch int
	Dim   [3]int
}

// Fake is a scriptable in-memory predictor for tests. Errs are consumed one
// per call; a nil entry (or running past the end) means success. Successful
// calls return logits that make WinningClass the argmax everywhere.
type Fake struct {
	Classes      int
	WinningClass int
	Errs         []error

	Calls    []FakeCall
	Released int
	Closed   int
}

func (f *Fake) Predict(ctx context.Context, tiles [][]float32, dim [3]int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	call := len(f.Calls)
	f.Calls = append(f.Calls, FakeCall{Batch: len(tiles), Dim: dim})
	if call < len(f.Errs) && f.Errs[call] != nil {
		return nil, f.Errs[call]
	}
	tileN := dim[0] * dim[1] * dim[2]
	out := make([][]float32, len(tiles))
	for b := range tiles {
		logits := make([]float32, f.Classes*tileN)
		for v := 0; v < tileN; v++ {
			logits[f.WinningClass*tileN+v] = 1
		}
		out[b] = logits
	}
	return out, nil
}

func (f *Fake) ReleaseCaches() { f.Released++ }

func (f *Fake) Close() error {
	f.Closed++
	return nil
}

var _ Predictor = (*Fake)(nil)
var _ CacheReleaser = (*Fake)(nil)

// FakeFactory hands out a fixed predictor.
type FakeFactory struct {
	P       Predictor
	OpenErr error
	Opens   []string
}

func (f *FakeFactory) Open(ctx context.Context, entry registry.Entry, slot int) (Predictor, error) {
	f.Opens = append(f.Opens, entry.Name)
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	return f.P, nil
}

var _ Factory = (*FakeFactory)(nil)
