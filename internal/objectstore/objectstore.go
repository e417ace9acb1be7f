// Package objectstore is the boundary to durable image storage. The
// engine only ever writes completed, assembled images here.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the object store boundary.
type Store interface {
	// Put stores an object under the given key, overwriting any previous
	// object with the same key.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves an object by key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// FSStore stores objects as files under a base directory. Keys use
// forward slashes and map onto subdirectories.
type FSStore struct {
	baseDir string
}

// NewFSStore creates the base directory if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if baseDir == "" {
		return nil, errors.New("base directory cannot be empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object store directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}

// Put writes the object to disk.
func (s *FSStore) Put(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	return nil
}

// Get reads the object from disk.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

var _ Store = (*FSStore)(nil)

// MemoryStore is an in-memory Store used in tests.
type MemoryStore struct {
	m       sync.Mutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores the object in memory.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	s.m.Lock()
	defer s.m.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = buf
	return nil
}

// Get retrieves the object from memory.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.m.Lock()
	defer s.m.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

// Keys returns all stored object keys.
func (s *MemoryStore) Keys() []string {
	s.m.Lock()
	defer s.m.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

var _ Store = (*MemoryStore)(nil)
