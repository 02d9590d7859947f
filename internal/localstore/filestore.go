package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists values as one JSON object. Every mutation rewrites the
// file through a temporary file and a rename, so a crash leaves either the old
// or the new contents.
type FileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

var _ Store = (*FileStore)(nil)

// OpenFileStore loads path, treating a missing file as empty.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, values: make(map[string]string)}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.values); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	}
	return s, nil
}

func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.values[key]
	s.values[key] = value
	if err := s.flushLocked(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make(map[string]string)
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			removed[k] = v
			delete(s.values, k)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := s.flushLocked(); err != nil {
		for k, v := range removed {
			s.values[k] = v
		}
		return err
	}
	return nil
}

func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding local store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".localstore-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}
