// Package sessionfs owns the on-disk session layout. Every artifact path in
// the service is derived here so the layout changes in exactly one place.
package sessionfs

import (
	"fmt"
	"os"
	"path/filepath"
)

// Artifact names within a session directory.
const (
	inputNativeName     = "input_native.nii.gz"
	inputConformedName  = "input_fs.nii"
	outputName          = "output.nii.gz"
	outputConformedName = "output_fs.nii.gz"
	logName             = "logs.jsonl"
	roastDirName        = "roast"
	simnibsDirName      = "simnibs"
)

// Store resolves and manages session directories under a fixed root.
type Store struct {
	root string
}

// New ensures the root exists and returns the store.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the session root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the directory of a session. It does not create it.
func (s *Store) Dir(sid string) string {
	return filepath.Join(s.root, sid)
}

// Create makes the session directory. Calling it twice is harmless.
func (s *Store) Create(sid string) error {
	if err := os.MkdirAll(s.Dir(sid), 0o755); err != nil {
		return fmt.Errorf("create session %s: %w", sid, err)
	}
	return nil
}

// Exists reports whether the session directory is present.
func (s *Store) Exists(sid string) bool {
	info, err := os.Stat(s.Dir(sid))
	return err == nil && info.IsDir()
}

// InputNative returns the stored upload path (always a gzip stream).
func (s *Store) InputNative(sid string) string {
	return filepath.Join(s.Dir(sid), inputNativeName)
}

// InputConformed returns the conformed-space input variant path.
func (s *Store) InputConformed(sid string) string {
	return filepath.Join(s.Dir(sid), inputConformedName)
}

// ModelDir returns (and creates) the per-model artifact directory.
func (s *Store) ModelDir(sid, model string) (string, error) {
	dir := filepath.Join(s.Dir(sid), model)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model dir %s/%s: %w", sid, model, err)
	}
	return dir, nil
}

// ModelOutput returns the canonical label output for a model.
func (s *Store) ModelOutput(sid, model string) string {
	return filepath.Join(s.Dir(sid), model, outputName)
}

// ModelOutputConformed returns the conformed-space label output.
func (s *Store) ModelOutputConformed(sid, model string) string {
	return filepath.Join(s.Dir(sid), model, outputConformedName)
}

// RoastDir returns (and creates) the ROAST working directory.
func (s *Store) RoastDir(sid string) (string, error) {
	dir := filepath.Join(s.Dir(sid), roastDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create roast dir %s: %w", sid, err)
	}
	return dir, nil
}

// SimnibsDir returns (and creates) the SimNIBS working directory for one
// source segmentation model.
func (s *Store) SimnibsDir(sid, model string) (string, error) {
	dir := filepath.Join(s.Dir(sid), simnibsDirName, model)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create simnibs dir %s/%s: %w", sid, model, err)
	}
	return dir, nil
}

// LogPath returns the per-session JSONL log file.
func (s *Store) LogPath(sid string) string {
	return filepath.Join(s.Dir(sid), logName)
}

// Remove deletes a session directory and everything under it.
func (s *Store) Remove(sid string) error {
	if err := os.RemoveAll(s.Dir(sid)); err != nil {
		return fmt.Errorf("remove session %s: %w", sid, err)
	}
	return nil
}

// List returns the session ids currently on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
