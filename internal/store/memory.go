package store

import (
	"context"
	"sort"
	"sync"

	"github.com/voiceavatar/api/internal/model"
)

// MemoryStore is a process-local Store used in development and tests
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.RenderJob
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.RenderJob)}
}

func (s *MemoryStore) Create(ctx context.Context, job *model.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkStatus(job.ID, job.Status); err != nil {
		return wrap("create", err)
	}
	if _, ok := s.jobs[job.ID]; ok {
		return &DuplicateIDError{ID: job.ID}
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, u model.JobUpdate) error {
	if err := checkUpdate(id, u); err != nil {
		return wrap("update", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	u.Apply(job)
	return nil
}

func (s *MemoryStore) Finish(ctx context.Context, id string, u model.JobUpdate) (bool, error) {
	if err := checkUpdate(id, u); err != nil {
		return false, wrap("finish", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, &NotFoundError{ID: id}
	}
	if job.Status.IsTerminal() {
		return false, nil
	}
	u.Apply(job)
	return true, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*model.RenderJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.jobs[id].Clone(), nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]*model.RenderJob, error) {
	s.mu.RLock()
	out := make([]*model.RenderJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return &NotFoundError{ID: id}
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.jobs = make(map[string]*model.RenderJob)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// sortNewestFirst orders by CreatedAt descending, id descending on ties
func sortNewestFirst(jobs []*model.RenderJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
