package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory. Used by tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*job.Record
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*job.Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, draft job.Draft) (*job.Record, error) {
	rec, err := newRecord(uuid.NewString(), draft, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, id string, patch job.Patch) (*job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := rec.Clone()
	if err := next.Apply(patch, s.now()); err != nil {
		return nil, err
	}
	s.records[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter Filter) ([]*job.Record, error) {
	s.mu.Lock()
	var out []*job.Record
	for _, rec := range s.records {
		if filter.matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.Unlock()

	sortNewestFirst(out)
	if limit := filter.Limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
