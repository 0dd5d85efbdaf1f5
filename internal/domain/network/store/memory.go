package store

import (
	"context"
	"sync"

	"dyzen-server-go/internal/domain/network"
)

type memoryStore struct {
	mu       sync.RWMutex
	capacity int
	samples  []network.Sample
}

// NewMemory keeps the newest Capacity samples in process memory.
func NewMemory(cfg Config) Store {
	return &memoryStore{capacity: capacity(cfg)}
}

func (s *memoryStore) Append(_ context.Context, sample network.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, sample)
	if overflow := len(s.samples) - s.capacity; overflow > 0 {
		s.samples = append(s.samples[:0:0], s.samples[overflow:]...)
	}
	return nil
}

func (s *memoryStore) Recent(_ context.Context, clientIP string, limit int) ([]network.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]network.Sample, 0, limit)
	for i := len(s.samples) - 1; i >= 0 && len(out) < limit; i-- {
		if clientIP == "" || s.samples[i].ClientIP == clientIP {
			out = append(out, s.samples[i])
		}
	}
	reverse(out)
	return out, nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

func reverse(samples []network.Sample) {
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
}
