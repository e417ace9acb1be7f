package chunkstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used in tests. It mirrors the
// first-write-wins contract of the Redis implementation but does not
// survive a restart and does not expire entries.
type MemoryStore struct {
	m         sync.Mutex
	transfers map[string]map[int][]byte
}

// NewMemoryStore creates an empty in-memory chunk store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transfers: make(map[string]map[int][]byte)}
}

// PutChunk buffers one chunk with first-write-wins semantics.
func (s *MemoryStore) PutChunk(_ context.Context, deviceID, imageName string, index int, data []byte) (bool, error) {
	s.m.Lock()
	defer s.m.Unlock()

	key := transferKey(deviceID, imageName)
	chunks, ok := s.transfers[key]
	if !ok {
		chunks = make(map[int][]byte)
		s.transfers[key] = chunks
	}
	if _, exists := chunks[index]; exists {
		return false, nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	chunks[index] = buf
	return true, nil
}

// Chunks returns all buffered chunks for a transfer.
func (s *MemoryStore) Chunks(_ context.Context, deviceID, imageName string) (map[int][]byte, error) {
	s.m.Lock()
	defer s.m.Unlock()

	out := make(map[int][]byte)
	for index, data := range s.transfers[transferKey(deviceID, imageName)] {
		buf := make([]byte, len(data))
		copy(buf, data)
		out[index] = buf
	}
	return out, nil
}

// ReceivedIndices returns the sorted chunk indices buffered for a transfer.
func (s *MemoryStore) ReceivedIndices(_ context.Context, deviceID, imageName string) ([]int, error) {
	s.m.Lock()
	defer s.m.Unlock()

	chunks := s.transfers[transferKey(deviceID, imageName)]
	indices := make([]int, 0, len(chunks))
	for index := range chunks {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

// Delete drops the transfer's chunk buffer.
func (s *MemoryStore) Delete(_ context.Context, deviceID, imageName string) error {
	s.m.Lock()
	defer s.m.Unlock()
	delete(s.transfers, transferKey(deviceID, imageName))
	return nil
}

var _ Store = (*MemoryStore)(nil)
