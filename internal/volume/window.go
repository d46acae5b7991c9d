package volume

// Window is one sliding-window tile position.
type Window struct {
	Start [3]int
	Size  [3]int
}

// SlidingWindows lays a tile grid over the volume. Steps derive from the
// overlap fraction; the final position per axis is clamped so the last tile
// ends exactly at the volume edge. Tiles never exceed the volume: axes
// smaller than the requested tile shrink to fit.
func SlidingWindows(dim, tile [3]int, overlap float64) []Window {
	var axes [3][]int
	var size [3]int
	for a := 0; a < 3; a++ {
		t := tile[a]
		if t > dim[a] {
			t = dim[a]
		}
		size[a] = t
		step := int(float64(t) * (1 - overlap))
		if step < 1 {
			step = 1
		}
		last := dim[a] - t
		var pos []int
		for p := 0; p < last; p += step {
			pos = append(pos, p)
		}
		pos = append(pos, last)
		axes[a] = pos
	}

	windows := make([]Window, 0, len(axes[0])*len(axes[1])*len(axes[2]))
	for _, z := range axes[2] {
		for _, y := range axes[1] {
			for _, x := range axes[0] {
				windows = append(windows, Window{Start: [3]int{x, y, z}, Size: size})
			}
		}
	}
	return windows
}

// ExtractTile copies one window into a dense tile buffer.
func ExtractTile(v *Volume, w Window) []float32 {
	tile := make([]float32, w.Size[0]*w.Size[1]*w.Size[2])
	i := 0
	for z := 0; z < w.Size[2]; z++ {
		for y := 0; y < w.Size[1]; y++ {
			base := v.index(w.Start[0], y+w.Start[1], z+w.Start[2])
			copy(tile[i:i+w.Size[0]], v.Data[base:base+w.Size[0]])
			i += w.Size[0]
		}
	}
	return tile
}

// Accumulator blends per-tile logits into full-volume class scores,
// averaging where tiles overlap.
type Accumulator struct {
	classes int
	dim     [3]int
	sum     []float32
	count   []float32
}

// NewAccumulator allocates score planes for the given class count and grid.
func NewAccumulator(classes int, dim [3]int) *Accumulator {
	n := dim[0] * dim[1] * dim[2]
	return &Accumulator{
		classes: classes,
		dim:     dim,
		sum:     make([]float32, classes*n),
		count:   make([]float32, n),
	}
}

// Add blends one tile's logits, laid out class-major, at the window position.
func (ac *Accumulator) Add(w Window, logits []float32) {
	tileN := w.Size[0] * w.Size[1] * w.Size[2]
	volN := ac.dim[0] * ac.dim[1] * ac.dim[2]
	ti := 0
	for z := 0; z < w.Size[2]; z++ {
		for y := 0; y < w.Size[1]; y++ {
			for x := 0; x < w.Size[0]; x++ {
				vi := (x + w.Start[0]) + ac.dim[0]*((y+w.Start[1])+ac.dim[1]*(z+w.Start[2]))
				for c := 0; c < ac.classes; c++ {
					ac.sum[c*volN+vi] += logits[c*tileN+ti]
				}
				ac.count[vi]++
				ti++
			}
		}
	}
}

// Argmax averages the accumulated scores and picks the winning class per
// voxel. Voxels no tile covered stay background.
func (ac *Accumulator) Argmax(affine [4][4]float64) *LabelVolume {
	out := NewLabelVolume(ac.dim, affine)
	volN := ac.dim[0] * ac.dim[1] * ac.dim[2]
	for vi := 0; vi < volN; vi++ {
		if ac.count[vi] == 0 {
			continue
		}
		best, bestScore := 0, ac.sum[vi]/ac.count[vi]
		for c := 1; c < ac.classes; c++ {
			if s := ac.sum[c*volN+vi] / ac.count[vi]; s > bestScore {
				best, bestScore = c, s
			}
		}
		out.Data[vi] = uint8(best)
	}
	return out
}
