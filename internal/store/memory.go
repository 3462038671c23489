package store

import (
	"context"
	"sync"

	"postpilot/internal/job"
)

// memStore keeps the job set in process memory. Used in tests and demo runs.
type memStore struct {
	mu   sync.Mutex
	jobs job.Set
}

func NewMemory() Store {
	return &memStore{jobs: job.Set{}}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) Load(ctx context.Context) (job.Set, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.Clone(), nil
}

func (s *memStore) Save(ctx context.Context, jobs job.Set) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = jobs.Clone()
	return nil
}
