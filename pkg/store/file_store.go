package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists State as a single JSON document, written to a
// temp file in the same directory and atomically renamed into place so
// a crash mid-write never leaves a torn document on disk.
type FileStore struct {
	path  string
	mu    sync.Mutex
	state *State
}

// NewFileStore opens (or initializes) a FileStore at path.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			fs.state = NewState()
			return nil
		}
		return fmt.Errorf("store: read %s: %w", fs.path, err)
	}
	st := NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return fmt.Errorf("store: decode %s: %w", fs.path, err)
	}
	fs.state = st
	return nil
}

func (fs *FileStore) save() error {
	data, err := json.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("store: encode state: %w", err)
	}

	dir := filepath.Dir(fs.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }() //nolint:errcheck // best-effort cleanup if rename fails

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		return fmt.Errorf("store: atomic rename: %w", err)
	}
	return nil
}

// WithLock implements Store.
func (fs *FileStore) WithLock(fn func(*State) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fn(fs.state); err != nil {
		return err
	}
	fs.state.Version++
	if err := fs.save(); err != nil {
		fs.state.Version--
		return err
	}
	return nil
}

// Snapshot implements Store.
func (fs *FileStore) Snapshot() *State {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.Marshal(fs.state)
	if err != nil {
		// Marshaling an in-memory State built entirely of this
		// package's own types cannot fail; a failure here indicates a
		// caller stored an unmarshalable value directly into State.
		panic(fmt.Sprintf("store: snapshot marshal: %v", err))
	}
	cp := NewState()
	if err := json.Unmarshal(data, cp); err != nil {
		panic(fmt.Sprintf("store: snapshot unmarshal: %v", err))
	}
	return cp
}

// Backend implements Store.
func (fs *FileStore) Backend() string { return "json" }

// Migrate reads src, canonicalizes, and writes the resulting state into
// dst, per spec.md §4.2. Both stores must load an unchanged canonical
// form of the same logical state.
func Migrate(src, dst Store) (Counts, error) {
	snap := src.Snapshot()
	var counts Counts
	err := dst.WithLock(func(s *State) error {
		*s = *snap
		counts = countOf(s)
		return nil
	})
	return counts, err
}
