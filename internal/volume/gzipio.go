package volume

import (
	"bufio"
	"compress/gzip"
	"io"
	"os"

	"github.com/wholehead/axon/internal/faults"
)

// GzipTo compresses src into a new file at dst. Uploads arriving without
// compression pass through here so stored inputs are always gzip streams.
func GzipTo(dst string, src io.Reader) error {
	f, err := os.Create(dst)
	if err != nil {
		return faults.E(faults.IO, "create "+dst, err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	if _, err := io.Copy(zw, src); err != nil {
		return faults.E(faults.IO, "compress to "+dst, err)
	}
	if err := zw.Close(); err != nil {
		return faults.E(faults.IO, "compress to "+dst, err)
	}
	return f.Close()
}

// WriteTo copies src into a new file at dst unchanged.
func WriteTo(dst string, src io.Reader) error {
	f, err := os.Create(dst)
	if err != nil {
		return faults.E(faults.IO, "create "+dst, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		return faults.E(faults.IO, "write "+dst, err)
	}
	return f.Close()
}

// GunzipFile decompresses the gzip file at src into dst. Simulation work
// directories need the raw stream because the external tools do not read
// compressed inputs.
func GunzipFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return faults.E(faults.IO, "open "+src, err)
	}
	defer in.Close()

	zr, err := gzip.NewReader(bufio.NewReader(in))
	if err != nil {
		return faults.E(faults.IO, "decompress "+src, err)
	}
	defer zr.Close()

	out, err := os.Create(dst)
	if err != nil {
		return faults.E(faults.IO, "create "+dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, zr); err != nil {
		return faults.E(faults.IO, "decompress "+src, err)
	}
	return out.Close()
}

// CopyFile duplicates src at dst.
func CopyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return faults.E(faults.IO, "open "+src, err)
	}
	defer in.Close()
	return WriteTo(dst, in)
}
