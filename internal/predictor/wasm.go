package predictor

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sync"

	wasmer "github.com/wasmerio/wasmer-go/wasmer"
	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/faults"
	"github.com/wholehead/axon/internal/registry"
)

// WASMFactory opens model checkpoints compiled to WASM. The module contract:
// exports memory, malloc, free and
// predict(in, batch, d, h, w, out) -> i32, with 0 success, 1 out-of-memory,
// anything else a prediction failure. An optional release_caches export is
// called between out-of-memory retries.
type WASMFactory struct {
	modelRoot string
	log       *zap.Logger
}

// NewWASMFactory serves checkpoints from modelRoot.
func NewWASMFactory(modelRoot string, log *zap.Logger) *WASMFactory {
	return &WASMFactory{modelRoot: modelRoot, log: log}
}

func (f *WASMFactory) Open(ctx context.Context, entry registry.Entry, slot int) (Predictor, error) {
	path := filepath.Join(f.modelRoot, entry.Checkpoint)
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.E(faults.MissingModel, "open checkpoint "+entry.Name, err)
	}

	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, faults.E(faults.PredictFailure, "compile checkpoint "+entry.Name, err)
	}
	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		return nil, faults.E(faults.PredictFailure, "instantiate checkpoint "+entry.Name, err)
	}

	p := &wasmPredictor{
		name:     entry.Name,
		classes:  entry.NumClasses,
		instance: instance,
		log:      f.log.With(zap.String("model", entry.Name), zap.Int("slot", slot)),
	}
	if p.memory, err = instance.Exports.GetMemory("memory"); err != nil {
		return nil, faults.E(faults.PredictFailure, "checkpoint "+entry.Name+" exports no memory", err)
	}
	if p.predict, err = instance.Exports.GetFunction("predict"); err != nil {
		return nil, faults.E(faults.PredictFailure, "checkpoint "+entry.Name+" exports no predict", err)
	}
	if p.malloc, err = instance.Exports.GetFunction("malloc"); err != nil {
		return nil, faults.E(faults.PredictFailure, "checkpoint "+entry.Name+" exports no malloc", err)
	}
	if p.free, err = instance.Exports.GetFunction("free"); err != nil {
		return nil, faults.E(faults.PredictFailure, "checkpoint "+entry.Name+" exports no free", err)
	}
	// Optional cache hook.
	p.release, _ = instance.Exports.GetFunction("release_caches")
	return p, nil
}

type wasmPredictor struct {
	name    string
	classes int
	log     *zap.Logger

	mu       sync.Mutex
	instance *wasmer.Instance
	memory   *wasmer.Memory
	predict  wasmer.NativeFunction
	malloc   wasmer.NativeFunction
	free     wasmer.NativeFunction
	release  wasmer.NativeFunction
}

func (p *wasmPredictor) alloc(n int) (int32, error) {
	raw, err := p.malloc(int32(n))
	if err != nil {
		return 0, err
	}
	ptr, ok := raw.(int32)
	if !ok || ptr == 0 {
		return 0, ErrOOM
	}
	return ptr, nil
}

func (p *wasmPredictor) Predict(ctx context.Context, tiles [][]float32, dim [3]int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	tileN := dim[0] * dim[1] * dim[2]
	batch := len(tiles)
	for i, t := range tiles {
		if len(t) != tileN {
			return nil, faults.Ef(faults.PredictFailure, "predict "+p.name, "tile %d has %d voxels for dim %v", i, len(t), dim)
		}
	}

	inPtr, err := p.alloc(4 * batch * tileN)
	if err != nil {
		return nil, err
	}
	defer p.free(inPtr)
	outPtr, err := p.alloc(4 * batch * p.classes * tileN)
	if err != nil {
		return nil, err
	}
	defer p.free(outPtr)

	mem := p.memory.Data()
	off := int(inPtr)
	for _, t := range tiles {
		for _, f := range t {
			binary.LittleEndian.PutUint32(mem[off:], math.Float32bits(f))
			off += 4
		}
	}

	raw, err := p.predict(inPtr, int32(batch), int32(dim[0]), int32(dim[1]), int32(dim[2]), outPtr)
	if err != nil {
		return nil, faults.E(faults.PredictFailure, "predict "+p.name, err)
	}
	rc, _ := raw.(int32)
	switch {
	case rc == 1:
		return nil, ErrOOM
	case rc != 0:
		return nil, faults.Ef(faults.PredictFailure, "predict "+p.name, "model returned %d", rc)
	}

	// Memory may have grown during the call; take a fresh view.
	mem = p.memory.Data()
	out := make([][]float32, batch)
	off = int(outPtr)
	for b := 0; b < batch; b++ {
		logits := make([]float32, p.classes*tileN)
		for i := range logits {
			logits[i] = math.Float32frombits(binary.LittleEndian.Uint32(mem[off:]))
			off += 4
		}
		out[b] = logits
	}
	return out, nil
}

func (p *wasmPredictor) ReleaseCaches() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.release != nil {
		if _, err := p.release(); err != nil {
			p.log.Warn("release_caches failed", zap.Error(err))
		}
	}
}

func (p *wasmPredictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.instance != nil {
		p.instance.Close()
		p.instance = nil
	}
	return nil
}

var _ CacheReleaser = (*wasmPredictor)(nil)
