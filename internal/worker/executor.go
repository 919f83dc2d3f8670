// Package worker runs prediction jobs off the request path: an Executor that
// drives one job to a terminal state, and a Pool of goroutines feeding it
// from a Queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chem-api/internal/domain"
	"github.com/go-chem-api/internal/pkg/id"
	"github.com/go-chem-api/internal/pkg/logging"
	"github.com/go-chem-api/internal/staging"
)

// ErrJobBusy reports that another execution holds the job's lease. The id
// should stay unacknowledged so it is retried once the lease lapses.
var ErrJobBusy = errors.New("job is running elsewhere")

// settleTimeout bounds the writes that record an outcome and release a lease.
// They run detached from the caller's cancellation so a shutdown cannot leave
// a job in processing.
const settleTimeout = 10 * time.Second

// Provider performs the long-running computation for a domain key.
type Provider interface {
	Compute(ctx context.Context, domainKey string) (json.RawMessage, error)
}

// Archiver copies a finished result somewhere durable and returns its location.
type Archiver interface {
	Archive(ctx context.Context, ownerID, jobID string, payload []byte) (string, error)
}

// JobStore is the part of the job table the executor writes through.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	Transition(ctx context.Context, jobID string, t domain.JobTransition) (*domain.Job, error)
}

// Executor runs a single processing job to completed or failed.
type Executor struct {
	jobs     JobStore
	provider Provider
	leases   staging.Store
	archiver Archiver
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout bounds each provider call. The default is 30s.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithArchiver stores each result through a before the job completes.
func WithArchiver(a Archiver) ExecutorOption {
	return func(e *Executor) { e.archiver = a }
}

// NewExecutor creates an Executor. leases holds a short-lived key per running
// job so that a redelivered id is not computed twice at the same time.
func NewExecutor(jobs JobStore, provider Provider, leases staging.Store, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		jobs:     jobs,
		provider: provider,
		leases:   leases,
		timeout:  30 * time.Second,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute loads jobID and, if it is processing, computes its result and
// records the outcome. Provider errors, timeouts and panics all end in
// failed. Apart from ErrJobBusy, the returned error is non-nil only when the
// job could not be moved to any terminal state.
func (e *Executor) Execute(ctx context.Context, jobID string) error {
	j, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if j.Status != domain.JobProcessing {
		e.logger.Debug("skipping job", slog.String("job_id", jobID), slog.String("status", string(j.Status)))
		return nil
	}

	holder := []byte(id.NewToken())
	leaseKey := staging.LeaseKey(jobID)
	acquired, err := e.leases.PutIfAbsent(ctx, leaseKey, holder, e.timeout+time.Minute)
	if err != nil {
		return e.fail(ctx, j, fmt.Sprintf("could not acquire execution lease: %v", err))
	}
	if !acquired {
		return fmt.Errorf("job %s: %w", jobID, ErrJobBusy)
	}
	defer func() {
		sctx, cancel := settled(ctx)
		defer cancel()
		if _, err := e.leases.DeleteIfEqual(sctx, leaseKey, holder); err != nil {
			e.logger.Warn("failed to release job lease", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
	}()

	// Re-read under the lease: a previous holder may have just finished.
	if j, err = e.jobs.Get(ctx, jobID); err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if j.Status != domain.JobProcessing {
		return nil
	}

	start := time.Now()
	result, err := e.compute(ctx, j)
	if err != nil {
		return e.fail(ctx, j, err.Error())
	}

	var resultURL *string
	if e.archiver != nil {
		u, err := e.archiver.Archive(ctx, j.OwnerID, j.JobID, result)
		if err != nil {
			return e.fail(ctx, j, fmt.Sprintf("archive result: %v", err))
		}
		resultURL = &u
	}

	sctx, cancel := settled(ctx)
	_, err = e.jobs.Transition(sctx, jobID, domain.Complete(result, resultURL, e.now()))
	cancel()
	switch {
	case err == nil:
		e.logger.Info("prediction job completed",
			slog.String("job_id", jobID),
			slog.String("domain_key", j.DomainKey),
			slog.Duration("elapsed", time.Since(start)),
		)
		return nil
	case errors.Is(err, domain.ErrInvalidTransition):
		e.logger.Warn("job left processing before its result was recorded", slog.String("job_id", jobID))
		return nil
	default:
		return e.fail(ctx, j, fmt.Sprintf("record result: %v", err))
	}
}

// compute calls the provider under the executor's timeout. The call runs in
// its own goroutine so a provider that ignores ctx cannot hold the worker.
func (e *Executor) compute(ctx context.Context, j *domain.Job) (json.RawMessage, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		res, err := e.provider.Compute(cctx, j.DomainKey)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && cctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("prediction timed out after %s", e.timeout)
		}
		if out.err == nil && len(out.result) == 0 {
			return nil, errors.New("provider returned an empty result")
		}
		return out.result, out.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("prediction cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("prediction timed out after %s", e.timeout)
	}
}

// fail records reason on the job. If even that write fails the job would be
// stuck in processing, which is logged at FATAL.
func (e *Executor) fail(ctx context.Context, j *domain.Job, reason string) error {
	sctx, cancel := settled(ctx)
	defer cancel()
	_, err := e.jobs.Transition(sctx, j.JobID, domain.Fail(reason, e.now()))
	switch {
	case err == nil:
		e.logger.Warn("prediction job failed",
			slog.String("job_id", j.JobID),
			slog.String("domain_key", j.DomainKey),
			slog.String("error", reason),
		)
		return nil
	case errors.Is(err, domain.ErrInvalidTransition):
		e.logger.Warn("job left processing before its failure was recorded",
			slog.String("job_id", j.JobID),
			slog.String("error", reason),
		)
		return nil
	default:
		logging.Fatal(ctx, e.logger, "failed to update job as failed",
			slog.String("job_id", j.JobID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("mark job %s failed: %w", j.JobID, err)
	}
}

func settled(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}
