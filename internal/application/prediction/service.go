// Package prediction accepts structure-prediction requests and tracks the
// jobs that compute them.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chem-api/internal/domain"
	"github.com/go-chem-api/internal/pkg/id"
	"github.com/go-chem-api/internal/staging"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// JobStore is the durable job table. CreateIfIdle and Transition are
// conditional writes; see the dynamo and postgres implementations.
type JobStore interface {
	FindLatest(ctx context.Context, ownerID, domainKey string) (*domain.Job, error)
	CreateIfIdle(ctx context.Context, j *domain.Job, supersedes string) (*domain.Job, bool, error)
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	Transition(ctx context.Context, jobID string, t domain.JobTransition) (*domain.Job, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Job, error)
}

// Enqueuer hands a processing job to the executor.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// LeaseReader reports whether an executor currently holds a job's lease.
type LeaseReader interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

type Service interface {
	Submit(ctx context.Context, ownerID, domainKey string) (*domain.Job, error)
	Get(ctx context.Context, ownerID, jobID string) (*domain.Job, error)
	ListRecent(ctx context.Context, ownerID string, limit int) ([]domain.Job, error)
}

type ServiceDeps struct {
	JobRepo JobStore
	Queue   Enqueuer
	// Leases and StaleAfter let Submit replace a processing job that no
	// executor holds and that has not moved for StaleAfter. Both are optional.
	Leases     LeaseReader
	StaleAfter time.Duration
}

type service struct {
	jobs       JobStore
	queue      Enqueuer
	leases     LeaseReader
	staleAfter time.Duration
	now        func() time.Time
}

func NewService(deps ServiceDeps) Service {
	return &service{
		jobs:       deps.JobRepo,
		queue:      deps.Queue,
		leases:     deps.Leases,
		staleAfter: deps.StaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit returns the job representing (ownerID, domainKey). A completed or
// in-flight job is returned as is; otherwise a new one is created and
// scheduled. A processing job abandoned by its executor is failed and
// replaced. The call never waits for the computation.
func (s *service) Submit(ctx context.Context, ownerID, domainKey string) (*domain.Job, error) {
	key, err := domain.NormalizeDomainKey(domainKey)
	if err != nil {
		return nil, err
	}

	var supersedes string
	cur, err := s.jobs.FindLatest(ctx, ownerID, key)
	switch {
	case err == nil && cur.Status == domain.JobPending:
		return s.schedule(ctx, cur)
	case err == nil && s.abandoned(ctx, cur):
		if cur, err = s.abandon(ctx, cur); err != nil {
			return nil, err
		}
		if cur.Status != domain.JobFailed {
			return cur, nil
		}
		supersedes = cur.JobID
	case err == nil && cur.Status != domain.JobFailed:
		return cur, nil
	case err == nil:
		supersedes = cur.JobID
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	j := domain.NewJob(id.New(), id.NewToken(), ownerID, key, s.now())
	got, created, err := s.jobs.CreateIfIdle(ctx, j, supersedes)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost the race; the winner's job represents this key now.
		if got.Status == domain.JobPending {
			return s.schedule(ctx, got)
		}
		return got, nil
	}
	slog.Info("prediction job created", "job_id", j.JobID, "owner_id", ownerID, "domain_key", key)
	return s.schedule(ctx, got)
}

// abandoned reports whether j is processing with no lease held and no
// progress for staleAfter. A lease lookup error counts as not abandoned.
func (s *service) abandoned(ctx context.Context, j *domain.Job) bool {
	if j.Status != domain.JobProcessing || s.leases == nil || s.staleAfter <= 0 {
		return false
	}
	if s.now().Sub(j.UpdatedAt) < s.staleAfter {
		return false
	}
	_, held, err := s.leases.Get(ctx, staging.LeaseKey(j.JobID))
	if err != nil {
		slog.Warn("could not check job lease", "job_id", j.JobID, "err", err)
		return false
	}
	return !held
}

// abandon fails j so a new job can supersede it. If j moved on in the
// meantime its current state is returned instead.
func (s *service) abandon(ctx context.Context, j *domain.Job) (*domain.Job, error) {
	failed, err := s.jobs.Transition(ctx, j.JobID, domain.Fail("abandoned: no executor finished the job", s.now()))
	if errors.Is(err, domain.ErrInvalidTransition) {
		return s.jobs.Get(ctx, j.JobID)
	}
	if err != nil {
		return nil, err
	}
	slog.Warn("abandoned prediction job failed", "job_id", j.JobID, "updated_at", j.UpdatedAt)
	return failed, nil
}

// schedule moves a pending job to processing and enqueues it. It is safe to
// call from several submitters at once: only the one whose transition lands
// enqueues. A pending job left behind by a failed transition is picked up by
// the next Submit for the same key.
func (s *service) schedule(ctx context.Context, j *domain.Job) (*domain.Job, error) {
	started, err := s.jobs.Transition(ctx, j.JobID, domain.StartProcessing(s.now()))
	if errors.Is(err, domain.ErrInvalidTransition) {
		return s.jobs.Get(ctx, j.JobID)
	}
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, started.JobID); err != nil {
		slog.Warn("failed to enqueue prediction job", "job_id", started.JobID, "err", err)
		failed, ferr := s.jobs.Transition(ctx, started.JobID, domain.Fail("could not schedule job: "+err.Error(), s.now()))
		if ferr != nil {
			slog.Error("failed to mark unscheduled job as failed", "job_id", started.JobID, "err", ferr)
			return nil, fmt.Errorf("schedule job %s: %w", started.JobID, ferr)
		}
		return failed, nil
	}
	return started, nil
}

func (s *service) Get(ctx context.Context, ownerID, jobID string) (*domain.Job, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != ownerID {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return j, nil
}

func (s *service) ListRecent(ctx context.Context, ownerID string, limit int) ([]domain.Job, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return s.jobs.ListByOwner(ctx, ownerID, limit)
}
