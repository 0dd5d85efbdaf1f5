package store

import (
	"context"
	"sync"

	"dyzen-server-go/internal/domain/lineage"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[string]lineage.Lineage
}

// NewMemory creates a process-local store.
func NewMemory() Store {
	return &memoryStore{records: make(map[string]lineage.Lineage)}
}

func (s *memoryStore) Get(_ context.Context, id string) (lineage.Lineage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.records[id]
	if !ok {
		return lineage.Lineage{}, false, nil
	}
	return l.Clone(), true, nil
}

func (s *memoryStore) Update(_ context.Context, id string, fn func(*lineage.Lineage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		current = lineage.New()
	}
	next, err := applyUpdate(current, fn)
	if err != nil {
		return err
	}
	s.records[id] = next
	return nil
}

func (s *memoryStore) MarkEnhanced(_ context.Context, id string, e lineage.Enhancement) (bool, lineage.Lineage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		current = lineage.New()
	}
	if !current.Apply(e) {
		return false, current.Clone(), nil
	}
	s.records[id] = current
	return true, current.Clone(), nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}
