// Package registry is the compile-time table of deployable segmentation
// models. Adding a model is a code change: the table is the single source
// of truth for checkpoints, input spaces and preprocessing flags.
package registry

import (
	"strings"

	"github.com/wholehead/axon/internal/faults"
)

// Space is the input variant a model consumes.
type Space string

const (
	SpaceNative    Space = "native"
	SpaceConformed Space = "conformed"
)

// Entry describes one deployable model.
type Entry struct {
	Name        string
	Family      string
	Arch        string
	Checkpoint  string
	Space       Space
	SpatialSize [3]int
	NumClasses  int

	// Preprocessing flags.
	CropForeground bool
	SkipLowRange   bool
	ResizeTo       *[3]int
}

func size(n int) [3]int { return [3]int{n, n, n} }

func ptr(s [3]int) *[3]int { return &s }

// The DOMINO family crops to the head foreground and, at full resolution,
// fixes the grid at 256. The GRACE family skips rescaling on inputs already
// in the 8-bit range.
var table = []Entry{
	{Name: "grace", Family: "grace", Arch: "unetr", Checkpoint: "grace.wasm", Space: SpaceNative, SpatialSize: size(64), NumClasses: 12, SkipLowRange: true},
	{Name: "grace_fs", Family: "grace", Arch: "unetr", Checkpoint: "grace_fs.wasm", Space: SpaceConformed, SpatialSize: size(64), NumClasses: 12, SkipLowRange: true},
	{Name: "domino", Family: "domino", Arch: "unetr", Checkpoint: "domino.wasm", Space: SpaceNative, SpatialSize: size(256), NumClasses: 12, CropForeground: true, ResizeTo: ptr(size(256))},
	{Name: "domino_fs", Family: "domino", Arch: "unetr", Checkpoint: "domino_fs.wasm", Space: SpaceConformed, SpatialSize: size(256), NumClasses: 12, CropForeground: true, ResizeTo: ptr(size(256))},
	{Name: "dominopp", Family: "dominopp", Arch: "unetr", Checkpoint: "dominopp.wasm", Space: SpaceNative, SpatialSize: size(64), NumClasses: 12, CropForeground: true},
	{Name: "dominopp_fs", Family: "dominopp", Arch: "unetr", Checkpoint: "dominopp_fs.wasm", Space: SpaceConformed, SpatialSize: size(64), NumClasses: 12, CropForeground: true},
}

var byName = func() map[string]Entry {
	m := make(map[string]Entry, len(table))
	for _, e := range table {
		m[e.Name] = e
	}
	return m
}()

// All returns every entry in registration order.
func All() []Entry {
	out := make([]Entry, len(table))
	copy(out, table)
	return out
}

// Names returns every model name in registration order.
func Names() []string {
	names := make([]string, len(table))
	for i, e := range table {
		names[i] = e.Name
	}
	return names
}

// Lookup resolves one model name.
func Lookup(name string) (Entry, error) {
	e, ok := byName[name]
	if !ok {
		return Entry{}, faults.Ef(faults.InputInvalid, "lookup model", "unknown model %q", name)
	}
	return e, nil
}

// Expand resolves a request's model parameter: "all" or a comma-separated
// list. Duplicates collapse, order is preserved.
func Expand(param string) ([]Entry, error) {
	param = strings.TrimSpace(param)
	if param == "" || param == "all" {
		return All(), nil
	}
	seen := map[string]bool{}
	var out []Entry
	for _, name := range strings.Split(param, ",") {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		e, err := Lookup(name)
		if err != nil {
			return nil, err
		}
		seen[name] = true
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, faults.Ef(faults.InputInvalid, "expand models", "no models requested")
	}
	return out, nil
}
