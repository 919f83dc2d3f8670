// Package memory holds process-local stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-chem-api/internal/domain"
)

// JobRepo keeps jobs in a map with the same pointer-per-key dedup as the
// durable stores. Nothing survives a restart.
type JobRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	keys map[string]string
}

func NewJobRepo() *JobRepo {
	return &JobRepo{jobs: map[string]*domain.Job{}, keys: map[string]string{}}
}

func (r *JobRepo) FindLatest(_ context.Context, ownerID, domainKey string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jid, ok := r.keys[domain.JobKey(ownerID, domainKey)]
	if !ok {
		return nil, fmt.Errorf("no job for %s: %w", domain.JobKey(ownerID, domainKey), domain.ErrNotFound)
	}
	return clone(r.jobs[jid]), nil
}

func (r *JobRepo) CreateIfIdle(_ context.Context, j *domain.Job, supersedes string) (*domain.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, held := r.keys[j.Key()]
	if held && cur != supersedes {
		return clone(r.jobs[cur]), false, nil
	}
	if _, dup := r.jobs[j.JobID]; dup {
		return nil, false, fmt.Errorf("job %s: %w", j.JobID, domain.ErrConflict)
	}
	r.jobs[j.JobID] = clone(j)
	r.keys[j.Key()] = j.JobID
	return clone(j), true, nil
}

func (r *JobRepo) Get(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return clone(j), nil
}

func (r *JobRepo) Transition(_ context.Context, jobID string, t domain.JobTransition) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not %s: %w", jobID, t.From, domain.ErrInvalidTransition)
	}
	next := clone(j)
	if err := next.Apply(t); err != nil {
		return nil, err
	}
	r.jobs[jobID] = next
	return clone(next), nil
}

func (r *JobRepo) ListByOwner(_ context.Context, ownerID string, limit int) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, j := range r.jobs {
		if j.OwnerID == ownerID {
			out = append(out, *clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].JobID > out[b].JobID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(j *domain.Job) *domain.Job {
	c := *j
	return &c
}
