package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chem-api/internal/domain"
	"github.com/go-chem-api/internal/infrastructure/memory"
	"github.com/go-chem-api/internal/pkg/logging"
	"github.com/go-chem-api/internal/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type providerFunc func(ctx context.Context, key string) (json.RawMessage, error)

type countingProvider struct {
	fn    providerFunc
	calls atomic.Int32
}

func (p *countingProvider) Compute(ctx context.Context, key string) (json.RawMessage, error) {
	p.calls.Add(1)
	return p.fn(ctx, key)
}

func returning(body string, err error) *countingProvider {
	return &countingProvider{fn: func(context.Context, string) (json.RawMessage, error) {
		if err != nil {
			return nil, err
		}
		return json.RawMessage(body), nil
	}}
}

type mockArchiver struct{ mock.Mock }

func (m *mockArchiver) Archive(ctx context.Context, ownerID, jobID string, payload []byte) (string, error) {
	args := m.Called(ctx, ownerID, jobID, payload)
	return args.String(0), args.Error(1)
}

type mockJobStore struct{ mock.Mock }

func (m *mockJobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	args := m.Called(ctx, jobID)
	if j, _ := args.Get(0).(*domain.Job); j != nil {
		return j, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobStore) Transition(ctx context.Context, jobID string, t domain.JobTransition) (*domain.Job, error) {
	args := m.Called(ctx, jobID, t)
	if j, _ := args.Get(0).(*domain.Job); j != nil {
		return j, args.Error(1)
	}
	return nil, args.Error(1)
}

// flakyCompletes fails the first completed write and passes everything else through.
type flakyCompletes struct {
	*memory.JobRepo
	once sync.Once
}

func (f *flakyCompletes) Transition(ctx context.Context, jobID string, t domain.JobTransition) (*domain.Job, error) {
	var fail bool
	if t.To == domain.JobCompleted {
		f.once.Do(func() { fail = true })
	}
	if fail {
		return nil, domain.Unavailable("transition job", errors.New("throttled"))
	}
	return f.JobRepo.Transition(ctx, jobID, t)
}

// ctxJobs and ctxLeases reject writes on a done context, like the network-backed stores.
type ctxJobs struct{ *memory.JobRepo }

func (c ctxJobs) Transition(ctx context.Context, jobID string, t domain.JobTransition) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Unavailable("transition job", err)
	}
	return c.JobRepo.Transition(ctx, jobID, t)
}

type ctxLeases struct{ *staging.MemoryStore }

func (c ctxLeases) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, domain.Unavailable("release lease", err)
	}
	return c.MemoryStore.DeleteIfEqual(ctx, key, value)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// --- helpers ---

// processingJob stores a job already moved to processing, the state Submit leaves it in.
func processingJob(t *testing.T, repo *memory.JobRepo, jobID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	_, ok, err := repo.CreateIfIdle(ctx, domain.NewJob(jobID, "tok-"+jobID, "u1", "P"+jobID, now), "")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = repo.Transition(ctx, jobID, domain.StartProcessing(now))
	require.NoError(t, err)
}

func newExecutor(jobs JobStore, p Provider, opts ...ExecutorOption) (*Executor, *staging.MemoryStore, *syncBuffer) {
	leases := staging.NewMemoryStore()
	logs := &syncBuffer{}
	return NewExecutor(jobs, p, leases, logging.New(logs, "production", "debug"), opts...), leases, logs
}

// --- tests ---

func TestExecute_Completes(t *testing.T) {
	repo := memory.NewJobRepo()
	processingJob(t, repo, "J00001")
	p := returning(`{"plddt":88.5}`, nil)
	e, leases, _ := newExecutor(repo, p)

	require.NoError(t, e.Execute(context.Background(), "J00001"))

	j, err := repo.Get(context.Background(), "J00001")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, j.Status)
	assert.JSONEq(t, `{"plddt":88.5}`, string(j.Result))
	assert.NotNil(t, j.CompletedAt)
	assert.Nil(t, j.Error)
	assert.EqualValues(t, 1, p.calls.Load())

	_, held, err := leases.Get(context.Background(), staging.LeaseKey("J00001"))
	require.NoError(t, err)
	assert.False(t, held, "lease released after the run")
}

func TestExecute_ProviderErrorFailsJob(t *testing.T) {
	repo := memory.NewJobRepo()
	processingJob(t, repo, "J00001")
	e, _, logs := newExecutor(repo, returning("", errors.New("prediction API returned 503")))

	require.NoError(t, e.Execute(context.Background(), "J00001"))

	j, err := repo.Get(context.Background(), "J00001")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Contains(t, *j.Error, "503")
	assert.Nil(t, j.CompletedAt)
	assert.Contains(t, logs.String(), "prediction job failed")
}

func TestExecute_PanicIsContained(t *testing.T) {
	repo := memory.NewJobRepo()
	processingJob(t, repo, "J00001")
	p := &countingProvider{fn: func(context.Context, string) (json.RawMessage, error) {
		panic("nil map write")
	}}
	e, _, _ := newExecutor(repo, p)

	require.NoError(t, e.Execute(context.Background(), "J00001"))

	j, err := repo.Get(context.Background(), "J00001")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Contains(t, *j.Error, "provider panicked: nil map write")
}

func TestExecute_TimeoutFailsJob(t *testing.T) {
	repo := memory.NewJobRepo()
	processingJob(t, repo, "J00001")
	release := make(chan struct{})
	defer close(release)
	// Ignores ctx on purpose.
	p := &countingProvider{fn: func(context.Context, string) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{}`), nil
	}}
	e, _, _ := newExecutor(repo, p, WithTimeout(50*time.Millisecond))

	start := time.Now()
	require.NoError(t, e.Execute(context.Background(), "J00001"))
	assert.Less(t, time.Since(start), 2*time.Second)

	j, err := repo.Get(context.Background(), "J00001")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Contains(t, *j.Error, "timed out")
}

func TestExecute_CancelledRunStillRecordsFailure(t *testing.T) {
	repo := memory.NewJobRepo()
	processingJob(t, repo, "J00001")
	started := make(chan struct{})
	p := &countingProvider{fn: func(ctx context.Context, _ string) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	leases := ctxLeases{staging.NewMemoryStore()}
	logs := &syncBuffer{}
	e := NewExecutor(ctxJobs{repo}, p, leases, logging.New(logs, "production", "debug"), WithTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	require.NoError(t, e.Execute(ctx, "J00001"))

	j, err := repo.Get(context.Background(), "J00001")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Contains(t, *j.Error, "cancel")
	assert.NotContains(t, logs.String(), "FATAL")

	_, held, err := leases.Get(context.Background(), staging.LeaseKey("J00001"))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestExecute_EmptyResultFailsJob(t *testing.T) {
	repo := memory.NewJobRepo()
	processingJob(t, repo, "J00001")
	e, _, _ := newExecutor(repo, returning("", nil))

	require.NoError(t, e.Execute(context.Background(), "J00001"))
	j, err := repo.Get(context.Background(), "J00001")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
}

func TestExecute_SkipsJobsNotProcessing(t *testing.T) {
	repo := memory.NewJobRepo()
	processingJob(t, repo, "J00001")
	_, err := repo.Transition(context.Background(), "J00001", domain.Complete(json.RawMessage(`{}`), nil, time.Now()))
	require.NoError(t, err)
	p := returning(`{"x":1}`, nil)
	e, _, _ := newExecutor(repo, p)

	require.NoError(t, e.Execute(context.Background(), "J00001"))
	assert.Zero(t, p.calls.Load(), "terminal jobs are never recomputed")
}

func TestExecute_LeaseHeld(t *testing.T) {
	repo := memory.NewJobRepo()
	processingJob(t, repo, "J00001")
	p := returning(`{"x":1}`, nil)
	e, leases, _ := newExecutor(repo, p)
	ok, err := leases.PutIfAbsent(context.Background(), staging.LeaseKey("J00001"), []byte("other"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = e.Execute(context.Background(), "J00001")
	assert.True(t, errors.Is(err, ErrJobBusy))
	assert.Zero(t, p.calls.Load())

	j, err := repo.Get(context.Background(), "J00001")
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, j.Status)
}

func TestExecute_NoOverlappingRuns(t *testing.T) {
	repo := memory.NewJobRepo()
	processingJob(t, repo, "J00001")
	var inFlight, maxInFlight atomic.Int32
	p := &countingProvider{fn: func(context.Context, string) (json.RawMessage, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return json.RawMessage(`{"ok":true}`), nil
	}}
	e, _, _ := newExecutor(repo, p)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Execute(context.Background(), "J00001")
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInFlight.Load())
	j, err := repo.Get(context.Background(), "J00001")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, j.Status)
}

func TestExecute_ArchivesResult(t *testing.T) {
	repo := memory.NewJobRepo()
	processingJob(t, repo, "J00001")
	arch := &mockArchiver{}
	arch.On("Archive", mock.Anything, "u1", "J00001", []byte(`{"x":1}`)).
		Return("s3://bucket/predictions/u1/J00001.json", nil)
	e, _, _ := newExecutor(repo, returning(`{"x":1}`, nil), WithArchiver(arch))

	require.NoError(t, e.Execute(context.Background(), "J00001"))

	j, err := repo.Get(context.Background(), "J00001")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, j.Status)
	require.NotNil(t, j.ResultURL)
	assert.Equal(t, "s3://bucket/predictions/u1/J00001.json", *j.ResultURL)
	arch.AssertExpectations(t)
}

func TestExecute_ArchiveFailureFailsJob(t *testing.T) {
	repo := memory.NewJobRepo()
	processingJob(t, repo, "J00001")
	arch := &mockArchiver{}
	arch.On("Archive", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("access denied"))
	e, _, _ := newExecutor(repo, returning(`{"x":1}`, nil), WithArchiver(arch))

	require.NoError(t, e.Execute(context.Background(), "J00001"))

	j, err := repo.Get(context.Background(), "J00001")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Contains(t, *j.Error, "archive result: access denied")
}

func TestExecute_ResultWriteFailureFailsJob(t *testing.T) {
	repo := memory.NewJobRepo()
	processingJob(t, repo, "J00001")
	e, _, _ := newExecutor(&flakyCompletes{JobRepo: repo}, returning(`{"x":1}`, nil))

	require.NoError(t, e.Execute(context.Background(), "J00001"))

	j, err := repo.Get(context.Background(), "J00001")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Contains(t, *j.Error, "record result")
}

func TestExecute_FailureWriteFailsLogsFatal(t *testing.T) {
	store := &mockJobStore{}
	job := &domain.Job{JobID: "J00001", OwnerID: "u1", DomainKey: "P12345", Status: domain.JobProcessing}
	store.On("Get", mock.Anything, "J00001").Return(job, nil)
	store.On("Transition", mock.Anything, "J00001", mock.Anything).
		Return(nil, domain.Unavailable("transition job", errors.New("connection refused")))
	e, _, logs := newExecutor(store, returning("", errors.New("provider down")))

	err := e.Execute(context.Background(), "J00001")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStorageUnavailable))

	out := logs.String()
	assert.Contains(t, out, `"level":"FATAL"`)
	assert.Contains(t, out, "failed to update job as failed")
	assert.Contains(t, out, "provider down")
}

func TestExecute_MissingJob(t *testing.T) {
	e, _, _ := newExecutor(memory.NewJobRepo(), returning(`{}`, nil))
	err := e.Execute(context.Background(), "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
