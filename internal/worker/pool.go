package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Queue is what the pool drains. Claim returns ok == false when nothing
// arrived within wait.
type Queue interface {
	Claim(ctx context.Context, wait time.Duration) (string, bool, error)
	Ack(ctx context.Context, jobID string) error
}

// Runner executes one job id.
type Runner interface {
	Execute(ctx context.Context, jobID string) error
}

// Requeuer returns ids abandoned by crashed workers to the queue.
type Requeuer interface {
	RequeueStale(ctx context.Context, max int64) (int64, error)
}

// Pool runs a fixed number of workers, each claiming one job id at a time.
type Pool struct {
	queue       Queue
	runner      Runner
	concurrency int
	claimWait   time.Duration
	logger      *slog.Logger

	requeuer       Requeuer
	reaperInterval time.Duration

	mu          sync.Mutex
	running     bool
	wg          sync.WaitGroup
	cancelClaim context.CancelFunc
	cancelRun   context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithClaimWait sets how long a worker blocks on an empty queue before
// checking for shutdown.
func WithClaimWait(d time.Duration) PoolOption {
	return func(p *Pool) { p.claimWait = d }
}

// WithReaper periodically moves abandoned ids back to the queue.
func WithReaper(r Requeuer, interval time.Duration) PoolOption {
	return func(p *Pool) {
		p.requeuer = r
		p.reaperInterval = interval
	}
}

func NewPool(queue Queue, runner Runner, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:       queue,
		runner:      runner,
		concurrency: 4,
		claimWait:   5 * time.Second,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// Start launches the workers and returns immediately. Jobs run on a context
// owned by the pool, not the caller's.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true

	runCtx, cancelRun := context.WithCancel(context.Background())
	claimCtx, cancelClaim := context.WithCancel(runCtx)
	p.cancelRun, p.cancelClaim = cancelRun, cancelClaim

	p.logger.Info("worker pool starting", slog.Int("concurrency", p.concurrency))
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(claimCtx, runCtx, i+1)
	}
	if p.requeuer != nil && p.reaperInterval > 0 {
		p.wg.Add(1)
		go p.reap(claimCtx)
	}
	return nil
}

// Stop stops claiming and waits for running jobs. If ctx ends first the
// running jobs are cancelled. Each records a failure on a context detached
// from the cancellation, so the job still reaches a terminal state.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	p.cancelClaim()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelRun()
		<-done
	}
	p.cancelRun()
	return nil
}

func (p *Pool) loop(claimCtx, runCtx context.Context, n int) {
	defer p.wg.Done()
	for {
		if claimCtx.Err() != nil {
			return
		}
		jobID, ok, err := p.queue.Claim(claimCtx, p.claimWait)
		if err != nil {
			if errors.Is(err, context.Canceled) || claimCtx.Err() != nil {
				return
			}
			p.logger.Warn("claim failed", slog.Int("worker", n), slog.String("error", err.Error()))
			sleep(claimCtx, time.Second)
			continue
		}
		if !ok {
			continue
		}
		err = p.runner.Execute(runCtx, jobID)
		if errors.Is(err, ErrJobBusy) {
			p.logger.Debug("job busy, leaving it for the reaper", slog.String("job_id", jobID))
			continue
		}
		if err != nil {
			p.logger.Error("job execution error",
				slog.Int("worker", n),
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
		// The job is terminal (or someone else owns it) by now; a crash before
		// this point leaves the id for the reaper.
		if err := p.queue.Ack(runCtx, jobID); err != nil {
			p.logger.Warn("ack failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
	}
}

func (p *Pool) reap(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.requeuer.RequeueStale(ctx, 100)
			if err != nil {
				p.logger.Warn("requeue failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				p.logger.Info("requeued jobs from processing", slog.Int64("count", n))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
