package volume

import (
	"fmt"
	"os"
	"sync"

	wasmer "github.com/wasmerio/wasmer-go/wasmer"
)

// ResizeKernel wraps the resize WASM module. The module exports linear
// memory plus malloc/free and resize_nifti(in, w, h, d, out, nw, nh, nd)
// operating on 8-bit voxels.
type ResizeKernel struct {
	mu       sync.Mutex
	instance *wasmer.Instance
	memory   *wasmer.Memory
	resize   wasmer.NativeFunction
	malloc   wasmer.NativeFunction
	free     wasmer.NativeFunction
}

// LoadResizeKernel instantiates the kernel module at path.
func LoadResizeKernel(path string) (*ResizeKernel, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kernel %s: %w", path, err)
	}
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile kernel %s: %w", path, err)
	}
	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		return nil, fmt.Errorf("instantiate kernel %s: %w", path, err)
	}

	k := &ResizeKernel{instance: instance}
	if k.memory, err = instance.Exports.GetMemory("memory"); err != nil {
		return nil, fmt.Errorf("kernel %s exports no memory: %w", path, err)
	}
	if k.resize, err = instance.Exports.GetFunction("resize_nifti"); err != nil {
		return nil, fmt.Errorf("kernel %s exports no resize_nifti: %w", path, err)
	}
	if k.malloc, err = instance.Exports.GetFunction("malloc"); err != nil {
		return nil, fmt.Errorf("kernel %s exports no malloc: %w", path, err)
	}
	if k.free, err = instance.Exports.GetFunction("free"); err != nil {
		return nil, fmt.Errorf("kernel %s exports no free: %w", path, err)
	}
	return k, nil
}

func (k *ResizeKernel) alloc(n int) (int32, error) {
	raw, err := k.malloc(int32(n))
	if err != nil {
		return 0, err
	}
	ptr, ok := raw.(int32)
	if !ok || ptr == 0 {
		return 0, fmt.Errorf("kernel malloc(%d) failed", n)
	}
	return ptr, nil
}

// Resize runs the kernel for one volume. The instance is single-threaded;
// calls serialize on an internal mutex.
func (k *ResizeKernel) Resize(src []uint8, dim, target [3]int) ([]uint8, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(src) != dim[0]*dim[1]*dim[2] {
		return nil, fmt.Errorf("kernel resize: %d voxels for dim %v", len(src), dim)
	}
	outLen := target[0] * target[1] * target[2]

	inPtr, err := k.alloc(len(src))
	if err != nil {
		return nil, err
	}
	defer k.free(inPtr)
	outPtr, err := k.alloc(outLen)
	if err != nil {
		return nil, err
	}
	defer k.free(outPtr)

	copy(k.memory.Data()[inPtr:int(inPtr)+len(src)], src)

	if _, err := k.resize(
		inPtr, int32(dim[0]), int32(dim[1]), int32(dim[2]),
		outPtr, int32(target[0]), int32(target[1]), int32(target[2]),
	); err != nil {
		return nil, fmt.Errorf("kernel resize_nifti: %w", err)
	}

	// Re-read the view: calls may grow the linear memory.
	out := make([]uint8, outLen)
	copy(out, k.memory.Data()[outPtr:int(outPtr)+outLen])
	return out, nil
}

// Close releases the instance.
func (k *ResizeKernel) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.instance != nil {
		k.instance.Close()
		k.instance = nil
	}
}

// ResizeLabels resamples a label map onto a new grid, through the kernel
// when one is loaded and in pure Go otherwise. Kernel failures fall back to
// the Go path, so the result is always usable.
func ResizeLabels(lv *LabelVolume, target [3]int, k *ResizeKernel) *LabelVolume {
	if lv.Dim == target {
		out := NewLabelVolume(target, lv.Affine)
		copy(out.Data, lv.Data)
		return out
	}
	if k != nil {
		if data, err := k.Resize(lv.Data, lv.Dim, target); err == nil {
			return &LabelVolume{Data: data, Dim: target, Affine: lv.Affine}
		}
	}
	return resizeLabelsGo(lv, target)
}

// resizeLabelsGo mirrors the kernel: trilinear interpolation over 8-bit
// voxels, rounded back to labels.
func resizeLabelsGo(lv *LabelVolume, target [3]int) *LabelVolume {
	out := NewLabelVolume(target, lv.Affine)
	var scale [3]float64
	for i := 0; i < 3; i++ {
		if target[i] > 1 {
			scale[i] = float64(lv.Dim[i]-1) / float64(target[i]-1)
		}
	}
	v := &Volume{Data: make([]float32, len(lv.Data)), Dim: lv.Dim}
	for i, b := range lv.Data {
		v.Data[i] = float32(b)
	}
	idx := 0
	for z := 0; z < target[2]; z++ {
		sz := float64(z) * scale[2]
		for y := 0; y < target[1]; y++ {
			sy := float64(y) * scale[1]
			for x := 0; x < target[0]; x++ {
				sx := float64(x) * scale[0]
				val := sampleTrilinear(v, sx, sy, sz)
				if val < 0 {
					val = 0
				} else if val > 255 {
					val = 255
				}
				out.Data[idx] = uint8(val + 0.5)
				idx++
			}
		}
	}
	return out
}
