package volume

import (
	"math"
	"slices"
)

// Normalization constants shared with the pipeline: intensities above the
// complexity threshold are rescaled between the 20th and 80th percentiles,
// everything else against the fixed 8-bit range.
const (
	ComplexityThreshold = 10000
	PercentileLow       = 20
	PercentileHigh      = 80
	FixedRangeLow       = 0
	FixedRangeHigh      = 255
	RescaleEpsilon      = 1e-8
)

// MaxIntensity returns the maximum voxel value.
func MaxIntensity(v *Volume) float32 {
	max := float32(math.Inf(-1))
	for _, x := range v.Data {
		if x > max {
			max = x
		}
	}
	return max
}

// Percentile returns the p-th percentile with linear interpolation.
func Percentile(v *Volume, p float64) float32 {
	if len(v.Data) == 0 {
		return 0
	}
	sorted := make([]float32, len(v.Data))
	copy(sorted, v.Data)
	slices.Sort(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := float32(rank - float64(lo))
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// ClipRescale clips to [lo, hi] and rescales to [0, 1] in place.
func ClipRescale(v *Volume, lo, hi float32) {
	den := hi - lo + RescaleEpsilon
	for i, x := range v.Data {
		if x < lo {
			x = lo
		} else if x > hi {
			x = hi
		}
		v.Data[i] = (x - lo) / den
	}
}

func clampf(x float64, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func sampleNearest(v *Volume, x, y, z float64) float32 {
	xi := int(clampf(math.Round(x), 0, float64(v.Dim[0]-1)))
	yi := int(clampf(math.Round(y), 0, float64(v.Dim[1]-1)))
	zi := int(clampf(math.Round(z), 0, float64(v.Dim[2]-1)))
	return v.At(xi, yi, zi)
}

func sampleTrilinear(v *Volume, x, y, z float64) float32 {
	x = clampf(x, 0, float64(v.Dim[0]-1))
	y = clampf(y, 0, float64(v.Dim[1]-1))
	z = clampf(z, 0, float64(v.Dim[2]-1))

	x0, y0, z0 := int(x), int(y), int(z)
	x1, y1, z1 := x0+1, y0+1, z0+1
	if x1 >= v.Dim[0] {
		x1 = x0
	}
	if y1 >= v.Dim[1] {
		y1 = y0
	}
	if z1 >= v.Dim[2] {
		z1 = z0
	}
	fx := float32(x - float64(x0))
	fy := float32(y - float64(y0))
	fz := float32(z - float64(z0))

	c00 := v.At(x0, y0, z0)*(1-fx) + v.At(x1, y0, z0)*fx
	c10 := v.At(x0, y1, z0)*(1-fx) + v.At(x1, y1, z0)*fx
	c01 := v.At(x0, y0, z1)*(1-fx) + v.At(x1, y0, z1)*fx
	c11 := v.At(x0, y1, z1)*(1-fx) + v.At(x1, y1, z1)*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy
	return c0*(1-fz) + c1*fz
}

// ResampleIso resamples onto an isotropic grid of the given spacing,
// trilinear by default, nearest for label-like content.
func ResampleIso(v *Volume, iso float64, nearest bool) *Volume {
	sp := Spacing(v.Affine)

	var nd [3]int
	for i := 0; i < 3; i++ {
		nd[i] = int(math.Round(float64(v.Dim[i]) * sp[i] / iso))
		if nd[i] < 1 {
			nd[i] = 1
		}
	}
	if nd == v.Dim && sp[0] == iso && sp[1] == iso && sp[2] == iso {
		out := NewVolume(v.Dim, v.Affine)
		copy(out.Data, v.Data)
		return out
	}

	out := NewVolume(nd, v.Affine)
	// Direction cosines rescaled to the new spacing; translation unchanged.
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.Affine[r][c] = v.Affine[r][c] / sp[c] * iso
		}
	}

	var scale [3]float64
	for i := 0; i < 3; i++ {
		scale[i] = iso / sp[i]
	}
	for z := 0; z < nd[2]; z++ {
		sz := float64(z) * scale[2]
		for y := 0; y < nd[1]; y++ {
			sy := float64(y) * scale[1]
			for x := 0; x < nd[0]; x++ {
				sx := float64(x) * scale[0]
				var val float32
				if nearest {
					val = sampleNearest(v, sx, sy, sz)
				} else {
					val = sampleTrilinear(v, sx, sy, sz)
				}
				out.Set(x, y, z, val)
			}
		}
	}
	return out
}

// OrientRAS permutes and flips axes until the affine's dominant directions
// point along +x, +y, +z.
func OrientRAS(v *Volume) *Volume {
	var world [3]int
	var flip [3]bool
	var used [3]bool
	for c := 0; c < 3; c++ {
		best, bestAbs := -1, -1.0
		for r := 0; r < 3; r++ {
			if used[r] {
				continue
			}
			if a := math.Abs(v.Affine[r][c]); a > bestAbs {
				best, bestAbs = r, a
			}
		}
		used[best] = true
		world[c] = best
		flip[c] = v.Affine[best][c] < 0
	}

	// axisFor[r] is the input axis that lands on output axis r.
	var axisFor [3]int
	for c := 0; c < 3; c++ {
		axisFor[world[c]] = c
	}

	var nd [3]int
	for r := 0; r < 3; r++ {
		nd[r] = v.Dim[axisFor[r]]
	}
	out := NewVolume(nd, v.Affine)

	var src [3]int
	for k := 0; k < nd[2]; k++ {
		for j := 0; j < nd[1]; j++ {
			for i := 0; i < nd[0]; i++ {
				o := [3]int{i, j, k}
				for r := 0; r < 3; r++ {
					c := axisFor[r]
					idx := o[r]
					if flip[c] {
						idx = v.Dim[c] - 1 - idx
					}
					src[c] = idx
				}
				out.Data[out.index(i, j, k)] = v.Data[v.index(src[0], src[1], src[2])]
			}
		}
	}

	var a [4][4]float64
	a[3][3] = 1
	for r := 0; r < 3; r++ {
		c := axisFor[r]
		s := 1.0
		if flip[c] {
			s = -1
		}
		for row := 0; row < 3; row++ {
			a[row][r] = v.Affine[row][c] * s
		}
	}
	for row := 0; row < 3; row++ {
		t := v.Affine[row][3]
		for c := 0; c < 3; c++ {
			if flip[c] {
				t += v.Affine[row][c] * float64(v.Dim[c]-1)
			}
		}
		a[row][3] = t
	}
	out.Affine = a
	return out
}

// CropForeground crops to the bounding box of positive voxels. A volume with
// no positive voxel is returned unchanged.
func CropForeground(v *Volume) *Volume {
	min := [3]int{v.Dim[0], v.Dim[1], v.Dim[2]}
	max := [3]int{-1, -1, -1}
	for z := 0; z < v.Dim[2]; z++ {
		for y := 0; y < v.Dim[1]; y++ {
			for x := 0; x < v.Dim[0]; x++ {
				if v.At(x, y, z) <= 0 {
					continue
				}
				p := [3]int{x, y, z}
				for i := 0; i < 3; i++ {
					if p[i] < min[i] {
						min[i] = p[i]
					}
					if p[i] > max[i] {
						max[i] = p[i]
					}
				}
			}
		}
	}
	if max[0] < 0 {
		out := NewVolume(v.Dim, v.Affine)
		copy(out.Data, v.Data)
		return out
	}

	var nd [3]int
	for i := 0; i < 3; i++ {
		nd[i] = max[i] - min[i] + 1
	}
	out := NewVolume(nd, v.Affine)
	for z := 0; z < nd[2]; z++ {
		for y := 0; y < nd[1]; y++ {
			for x := 0; x < nd[0]; x++ {
				out.Set(x, y, z, v.At(x+min[0], y+min[1], z+min[2]))
			}
		}
	}
	for row := 0; row < 3; row++ {
		for c := 0; c < 3; c++ {
			out.Affine[row][3] += v.Affine[row][c] * float64(min[c])
		}
	}
	return out
}

// PadOrCrop centers the volume on a target grid, padding with fill or
// cropping symmetrically as each axis requires.
func PadOrCrop(v *Volume, target [3]int, fill float32) *Volume {
	out := NewVolume(target, v.Affine)
	if fill != 0 {
		for i := range out.Data {
			out.Data[i] = fill
		}
	}

	var srcStart, dstStart, span [3]int
	for i := 0; i < 3; i++ {
		if v.Dim[i] >= target[i] {
			srcStart[i] = (v.Dim[i] - target[i]) / 2
			span[i] = target[i]
		} else {
			dstStart[i] = (target[i] - v.Dim[i]) / 2
			span[i] = v.Dim[i]
		}
	}
	for z := 0; z < span[2]; z++ {
		for y := 0; y < span[1]; y++ {
			for x := 0; x < span[0]; x++ {
				out.Set(x+dstStart[0], y+dstStart[1], z+dstStart[2],
					v.At(x+srcStart[0], y+srcStart[1], z+srcStart[2]))
			}
		}
	}
	for row := 0; row < 3; row++ {
		for c := 0; c < 3; c++ {
			out.Affine[row][3] += v.Affine[row][c] * float64(srcStart[c]-dstStart[c])
		}
	}
	return out
}

// CropCenter extracts a centered region from a label map. It inverts a
// centered pad of the same geometry.
func CropCenter(lv *LabelVolume, target [3]int) *LabelVolume {
	out := NewLabelVolume(target, lv.Affine)
	var srcStart, dstStart, span [3]int
	for i := 0; i < 3; i++ {
		if lv.Dim[i] >= target[i] {
			srcStart[i] = (lv.Dim[i] - target[i]) / 2
			span[i] = target[i]
		} else {
			dstStart[i] = (target[i] - lv.Dim[i]) / 2
			span[i] = lv.Dim[i]
		}
	}
	for z := 0; z < span[2]; z++ {
		for y := 0; y < span[1]; y++ {
			for x := 0; x < span[0]; x++ {
				out.Data[out.index(x+dstStart[0], y+dstStart[1], z+dstStart[2])] =
					lv.At(x+srcStart[0], y+srcStart[1], z+srcStart[2])
			}
		}
	}
	return out
}
