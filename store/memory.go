package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"c3d/models"
)

var _ JobStore = (*MemoryStore)(nil)

// MemoryStore keeps jobs in a process-local map. It only serves MODE=all
// development setups and tests; the state does not survive a restart.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		now:  time.Now,
	}
}

// SetClock replaces the time source used for transitions and expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok && !existing.Expired(s.now()) {
		return fmt.Errorf("%w: %s", models.ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, id string) (*models.Job, error) {
	return s.update(id, func(j *models.Job, now time.Time) error {
		return applyProcessing(j, now)
	})
}

func (s *MemoryStore) Complete(ctx context.Context, id string, lease int, outputLocation string) (*models.Job, error) {
	return s.update(id, func(j *models.Job, now time.Time) error {
		return applyComplete(j, lease, outputLocation, now)
	})
}

func (s *MemoryStore) Fail(ctx context.Context, id string, lease int, code, message string) (*models.Job, error) {
	return s.update(id, func(j *models.Job, now time.Time) error {
		return applyFail(j, lease, code, message, now)
	})
}

func (s *MemoryStore) Reset(ctx context.Context, id, targetFormat string) (*models.Job, error) {
	return s.update(id, func(j *models.Job, now time.Time) error {
		return applyReset(j, targetFormat, now)
	})
}

func (s *MemoryStore) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var stale []*models.Job
	for _, j := range s.jobs {
		if j.Expired(now) || j.Status != models.StatusProcessing || j.StartedAt == nil {
			continue
		}
		if j.StartedAt.Before(startedBefore) {
			stale = append(stale, cloneJob(j))
		}
	}
	sort.Slice(stale, func(a, b int) bool { return stale[a].StartedAt.Before(*stale[b].StartedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Expired(now) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// update applies fn to a copy and stores it only when fn succeeds.
func (s *MemoryStore) update(id string, fn func(j *models.Job, now time.Time) error) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	next := cloneJob(current)
	if err := fn(next, s.now()); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return cloneJob(next), nil
}

func (s *MemoryStore) lookup(id string) (*models.Job, error) {
	job, ok := s.jobs[id]
	if !ok || job.Expired(s.now()) {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	return job, nil
}
