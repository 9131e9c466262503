// Package memory provides an in-process content store for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
)

// BlobStore keeps content in memory under write-once keys.
type BlobStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	writes int
}

// NewBlobStore creates a new in-memory store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// Exists reports whether key has been written.
func (s *BlobStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

// Put stores a copy of data and returns a memory:// URI.
func (s *BlobStore) Put(_ context.Context, key string, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return "", fmt.Errorf("put %s: %w", key, crawler.ErrAlreadyExists)
	}
	s.data[key] = append([]byte(nil), data...)
	s.writes++
	return fmt.Sprintf("memory://%s", key), nil
}

// Get returns a copy of the content stored under key.
func (s *BlobStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Keys returns the number of stored keys.
func (s *BlobStore) Keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Writes returns how many successful Put calls happened.
func (s *BlobStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
