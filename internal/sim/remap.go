package sim

import "github.com/wholehead/axon/internal/volume"

// simnibsLabelMap folds the twelve-class segmentation into the tissue
// indices the head mesher expects. Air and background classes drop to 0.
var simnibsLabelMap = map[uint8]uint8{
	0:  0,
	1:  1,
	2:  2,
	3:  3,
	4:  4,
	5:  4,
	6:  5,
	7:  0,
	8:  5,
	9:  5,
	10: 0,
	11: 6,
}

// RemapLabels rewrites voxel labels in place. Values outside the table
// drop to 0.
func RemapLabels(lv *volume.LabelVolume) {
	for i, v := range lv.Data {
		lv.Data[i] = simnibsLabelMap[v]
	}
}
