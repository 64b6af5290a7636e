package store

import (
	"bytes"
	"fmt"
	"sync"
)

// MemoryStore is an ArtifactStore backed by maps, for tests and for
// callers that persist elsewhere.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string][]byte
	lines     [][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[string][]byte),
	}
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.artifacts[key]
	if !ok || len(bytes.TrimSpace(b)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return bytes.Clone(b), nil
}

func (s *MemoryStore) Put(key string, v any) ([]byte, error) {
	b, err := Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[key] = bytes.Clone(b)
	return b, nil
}

func (s *MemoryStore) History() ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]byte, len(s.lines))
	for i, l := range s.lines {
		out[i] = bytes.Clone(l)
	}
	return out, nil
}

func (s *MemoryStore) AppendLogLine(v any) error {
	line, err := encodeLine(v)
	if err != nil {
		return fmt.Errorf("encoding log line: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, bytes.TrimSuffix(line, []byte("\n")))
	return nil
}

func (s *MemoryStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.artifacts = make(map[string][]byte)
	s.lines = nil
	return nil
}
