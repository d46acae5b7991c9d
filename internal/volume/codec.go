package volume

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/wholehead/axon/internal/faults"
)

// Store abstracts volume I/O so deployments can plug a full NIfTI codec in
// behind the same interface. The reference implementation reads and writes
// the service's gzip container.
type Store interface {
	Load(path string) (*Volume, error)
	LoadLabels(path string) (*LabelVolume, error)
	Save(path string, v *Volume) error
	SaveLabels(path string, lv *LabelVolume) error
}

// Container layout, inside gzip: magic, dtype byte, three int32 dims,
// sixteen float64 affine cells, then voxels in x-fastest order.
var containerMagic = [4]byte{'A', 'X', 'V', '1'}

// FSStore is the reference codec on the local filesystem.
type FSStore struct{}

func (FSStore) Load(path string) (*Volume, error) {
	dtype, dim, affine, payload, err := readContainer(path)
	if err != nil {
		return nil, err
	}
	v := NewVolume(dim, affine)
	switch dtype {
	case U8:
		for i, b := range payload {
			v.Data[i] = float32(b)
		}
	case I16:
		if len(payload) != 2*v.Voxels() {
			return nil, faults.Ef(faults.IO, "load volume", "short i16 payload in %s", path)
		}
		for i := 0; i < v.Voxels(); i++ {
			v.Data[i] = float32(int16(binary.LittleEndian.Uint16(payload[2*i:])))
		}
	case F32:
		if len(payload) != 4*v.Voxels() {
			return nil, faults.Ef(faults.IO, "load volume", "short f32 payload in %s", path)
		}
		for i := 0; i < v.Voxels(); i++ {
			v.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
		}
	default:
		return nil, faults.Ef(faults.IO, "load volume", "unknown dtype %d in %s", dtype, path)
	}
	return v, nil
}

func (FSStore) LoadLabels(path string) (*LabelVolume, error) {
	dtype, dim, affine, payload, err := readContainer(path)
	if err != nil {
		return nil, err
	}
	lv := NewLabelVolume(dim, affine)
	switch dtype {
	case U8:
		copy(lv.Data, payload)
	case I16:
		// Segmentations from other tools arrive as int16; values are small.
		for i := 0; i < lv.Voxels(); i++ {
			lv.Data[i] = uint8(int16(binary.LittleEndian.Uint16(payload[2*i:])))
		}
	default:
		return nil, faults.Ef(faults.IO, "load labels", "dtype %d is not a label type in %s", dtype, path)
	}
	return lv, nil
}

func (FSStore) Save(path string, v *Volume) error {
	payload := make([]byte, 4*v.Voxels())
	for i, f := range v.Data {
		binary.LittleEndian.PutUint32(payload[4*i:], math.Float32bits(f))
	}
	return writeContainer(path, F32, v.Dim, v.Affine, payload)
}

func (FSStore) SaveLabels(path string, lv *LabelVolume) error {
	return writeContainer(path, U8, lv.Dim, lv.Affine, lv.Data)
}

func readContainer(path string) (DType, [3]int, [4][4]float64, []byte, error) {
	var dim [3]int
	var affine [4][4]float64

	f, err := os.Open(path)
	if err != nil {
		return 0, dim, affine, nil, faults.E(faults.IO, "open volume "+path, err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return 0, dim, affine, nil, faults.E(faults.IO, "read volume "+path, err)
	}
	defer zr.Close()

	var magic [4]byte
	if _, err := io.ReadFull(zr, magic[:]); err != nil || magic != containerMagic {
		return 0, dim, affine, nil, faults.Ef(faults.IO, "read volume", "%s is not a volume container", path)
	}
	var dt [1]byte
	if _, err := io.ReadFull(zr, dt[:]); err != nil {
		return 0, dim, affine, nil, faults.E(faults.IO, "read volume "+path, err)
	}
	var dims [3]int32
	if err := binary.Read(zr, binary.LittleEndian, &dims); err != nil {
		return 0, dim, affine, nil, faults.E(faults.IO, "read volume "+path, err)
	}
	for i, d := range dims {
		if d < 1 {
			return 0, dim, affine, nil, faults.Ef(faults.IO, "read volume", "bad dimension %d in %s", d, path)
		}
		dim[i] = int(d)
	}
	if err := binary.Read(zr, binary.LittleEndian, &affine); err != nil {
		return 0, dim, affine, nil, faults.E(faults.IO, "read volume "+path, err)
	}
	payload, err := io.ReadAll(zr)
	if err != nil {
		return 0, dim, affine, nil, faults.E(faults.IO, "read volume "+path, err)
	}
	return DType(dt[0]), dim, affine, payload, nil
}

// writeContainer stages into a temp file and renames, so a result path is
// either absent or complete.
func writeContainer(path string, dtype DType, dim [3]int, affine [4][4]float64, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return faults.E(faults.IO, "save volume "+path, err)
	}
	tmp, err := os.CreateTemp(dir, ".staging-*")
	if err != nil {
		return faults.E(faults.IO, "save volume "+path, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	zw := gzip.NewWriter(tmp)
	if _, err := zw.Write(containerMagic[:]); err != nil {
		return faults.E(faults.IO, "save volume "+path, err)
	}
	if _, err := zw.Write([]byte{byte(dtype)}); err != nil {
		return faults.E(faults.IO, "save volume "+path, err)
	}
	dims := [3]int32{int32(dim[0]), int32(dim[1]), int32(dim[2])}
	if err := binary.Write(zw, binary.LittleEndian, dims); err != nil {
		return faults.E(faults.IO, "save volume "+path, err)
	}
	if err := binary.Write(zw, binary.LittleEndian, affine); err != nil {
		return faults.E(faults.IO, "save volume "+path, err)
	}
	if _, err := zw.Write(payload); err != nil {
		return faults.E(faults.IO, "save volume "+path, err)
	}
	if err := zw.Close(); err != nil {
		return faults.E(faults.IO, "save volume "+path, err)
	}
	if err := tmp.Close(); err != nil {
		return faults.E(faults.IO, "save volume "+path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return faults.E(faults.IO, "save volume "+path, err)
	}
	return nil
}
