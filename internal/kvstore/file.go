package kvstore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/crescendoapp/crescendo/internal/errs"
)

// File is the restart-durable tier: one JSON file holding all keys, written
// atomically on every Set/Delete. Used for the bypass flag, the ghost-session
// record, and the last-active tenant id.
type File struct {
	mu   sync.Mutex
	path string
}

// DefaultDir returns the per-user config directory for durable state.
func DefaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "crescendo")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "crescendo")
}

// NewFile returns a file store backed by the given path. The file is created
// lazily on first Set.
func NewFile(path string) *File {
	return &File{path: path}
}

// Get decodes the stored value into dst.
func (s *File) Get(key string, dst any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	raw, ok := m[key]
	if !ok {
		return errs.ErrNotFound
	}
	return json.Unmarshal(raw, dst)
}

// Set stores v under key and rewrites the file.
func (s *File) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	m[key] = raw
	return s.save(m)
}

// Delete removes key and rewrites the file.
func (s *File) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return s.save(m)
}

func (s *File) load() (map[string]json.RawMessage, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *File) save(m map[string]json.RawMessage) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
