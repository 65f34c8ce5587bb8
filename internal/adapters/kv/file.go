// Package kv is a small file-backed key-value store for client preferences.
package kv

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lowfold/parley/internal/ports"
)

const storeFile = "preferences.msgpack"

// Store implements ports.KVStore. Every mutation rewrites the backing file
// atomically via a temp file rename, so a crash never leaves a torn store.
type Store struct {
	path string

	mu   sync.Mutex
	data map[string]string
}

var _ ports.KVStore = (*Store)(nil)

// Open loads the store under dir, creating the directory as needed. A missing
// or unreadable file starts empty; corruption loses preferences, not data.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{
		path: filepath.Join(dir, storeFile),
		data: make(map[string]string),
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read preferences: %w", err)
		}
		return s, nil
	}
	if err := msgpack.Unmarshal(raw, &s.data); err != nil {
		// Start over rather than refuse to run.
		s.data = make(map[string]string)
	}
	return s, nil
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	return value, ok
}

func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return s.flushLocked()
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	raw, err := msgpack.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}
	return nil
}
