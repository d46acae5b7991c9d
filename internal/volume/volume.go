// Package volume holds the in-memory volume model, the container codec and
// the numeric transforms the inference pipeline is built from. Axis order is
// x fastest: Data[x + Dim[0]*(y + Dim[1]*z)].
package volume

import "math"

// DType identifies the stored voxel type of a container.
type DType byte

const (
	U8  DType = 1
	I16 DType = 2
	F32 DType = 3
)

// Volume is a scalar volume in float32 working precision.
type Volume struct {
	Data   []float32
	Dim    [3]int
	Affine [4][4]float64
}

// LabelVolume is a discrete label map.
type LabelVolume struct {
	Data   []uint8
	Dim    [3]int
	Affine [4][4]float64
}

// EyeAffine returns an identity voxel-to-world transform (1mm, RAS).
func EyeAffine() [4][4]float64 {
	var a [4][4]float64
	for i := 0; i < 4; i++ {
		a[i][i] = 1
	}
	return a
}

// NewVolume allocates a zeroed volume.
func NewVolume(dim [3]int, affine [4][4]float64) *Volume {
	return &Volume{
		Data:   make([]float32, dim[0]*dim[1]*dim[2]),
		Dim:    dim,
		Affine: affine,
	}
}

// NewLabelVolume allocates a zeroed label map.
func NewLabelVolume(dim [3]int, affine [4][4]float64) *LabelVolume {
	return &LabelVolume{
		Data:   make([]uint8, dim[0]*dim[1]*dim[2]),
		Dim:    dim,
		Affine: affine,
	}
}

func (v *Volume) index(x, y, z int) int {
	return x + v.Dim[0]*(y+v.Dim[1]*z)
}

// At reads one voxel.
func (v *Volume) At(x, y, z int) float32 { return v.Data[v.index(x, y, z)] }

// Set writes one voxel.
func (v *Volume) Set(x, y, z int, val float32) { v.Data[v.index(x, y, z)] = val }

// Voxels returns the voxel count.
func (v *Volume) Voxels() int { return v.Dim[0] * v.Dim[1] * v.Dim[2] }

func (lv *LabelVolume) index(x, y, z int) int {
	return x + lv.Dim[0]*(y+lv.Dim[1]*z)
}

// At reads one label.
func (lv *LabelVolume) At(x, y, z int) uint8 { return lv.Data[lv.index(x, y, z)] }

// Voxels returns the voxel count.
func (lv *LabelVolume) Voxels() int { return lv.Dim[0] * lv.Dim[1] * lv.Dim[2] }

// Spacing derives per-axis voxel spacing from an affine's column norms.
func Spacing(affine [4][4]float64) [3]float64 {
	var sp [3]float64
	for c := 0; c < 3; c++ {
		sp[c] = math.Sqrt(affine[0][c]*affine[0][c] + affine[1][c]*affine[1][c] + affine[2][c]*affine[2][c])
		if sp[c] == 0 {
			sp[c] = 1
		}
	}
	return sp
}
