// Package blob stores generated image bytes durably. The engine references
// objects by key/URL only and never inspects payloads after upload.
package blob

import (
	"context"
	"fmt"
	"sync"
)

// Store is the object storage capability the engine depends on.
type Store interface {
	// Put writes an object and returns the URL it is reachable at.
	Put(ctx context.Context, key string, data []byte, contentType string) (url string, err error)
}

// MemoryStore keeps objects in process memory. For tests and local
// development only.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores a copy of data under key.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return "mem://" + key, nil
}

// Get returns a stored object. Test helper.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("blob: object %s not found", key)
	}
	return data, nil
}

// Len returns the number of stored objects. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
