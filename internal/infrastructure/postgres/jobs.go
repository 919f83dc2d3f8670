package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/go-chem-api/internal/domain"
)

const jobColumns = `job_id, token, owner_id, domain_key, status, result, result_url, error, created_at, updated_at, completed_at`

var errLostRace = errors.New("job key moved")

// JobRepository keeps jobs in prediction_jobs and the per-(owner, key)
// pointer in prediction_job_keys.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) FindLatest(ctx context.Context, ownerID, domainKey string) (*domain.Job, error) {
	const q = `
SELECT ` + jobColumns + `
FROM prediction_jobs
WHERE job_id = (SELECT job_id FROM prediction_job_keys WHERE job_key = $1);
`
	return r.one(ctx, q, domain.JobKey(ownerID, domainKey))
}

// CreateIfIdle inserts j and moves the key pointer to it, inside one
// transaction. The pointer upsert only wins when the key is new or still
// names supersedes; otherwise the transaction is rolled back and the job
// the pointer names is returned.
func (r *JobRepository) CreateIfIdle(ctx context.Context, j *domain.Job, supersedes string) (*domain.Job, bool, error) {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const insertJob = `
INSERT INTO prediction_jobs (job_id, token, owner_id, domain_key, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
		if _, err := tx.Exec(ctx, insertJob,
			j.JobID, j.Token, j.OwnerID, j.DomainKey, string(j.Status), j.CreatedAt, j.UpdatedAt,
		); err != nil {
			return err
		}

		const movePointer = `
INSERT INTO prediction_job_keys (job_key, job_id)
VALUES ($1, $2)
ON CONFLICT (job_key) DO UPDATE SET job_id = EXCLUDED.job_id
WHERE prediction_job_keys.job_id = $3
RETURNING job_id;
`
		var got string
		err := tx.QueryRow(ctx, movePointer, j.Key(), j.JobID, supersedes).Scan(&got)
		if errors.Is(err, pgx.ErrNoRows) {
			return errLostRace
		}
		return err
	})
	if err == nil {
		return j, true, nil
	}
	if !errors.Is(err, errLostRace) {
		return nil, false, domain.Unavailable("create job", err)
	}
	existing, err := r.FindLatest(ctx, j.OwnerID, j.DomainKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *JobRepository) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM prediction_jobs WHERE job_id = $1;`
	return r.one(ctx, q, jobID)
}

// Transition updates the row only while its status is still t.From.
func (r *JobRepository) Transition(ctx context.Context, jobID string, t domain.JobTransition) (*domain.Job, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var completedAt any
	if t.To == domain.JobCompleted {
		completedAt = t.At
	}
	var result any
	if t.Result != nil {
		result = []byte(t.Result)
	}
	const q = `
UPDATE prediction_jobs
SET status = $3, updated_at = $4, result = $5, result_url = $6, error = $7, completed_at = $8
WHERE job_id = $1 AND status = $2
RETURNING ` + jobColumns + `;
`
	j, err := scanJob(r.pool.QueryRow(ctx, q,
		jobID, string(t.From), string(t.To), t.At, result, t.ResultURL, t.Error, completedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s not %s: %w", jobID, t.From, domain.ErrInvalidTransition)
	}
	if err != nil {
		return nil, domain.Unavailable("transition job", err)
	}
	return j, nil
}

func (r *JobRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Job, error) {
	const q = `
SELECT ` + jobColumns + `
FROM prediction_jobs
WHERE owner_id = $1
ORDER BY created_at DESC, job_id DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, ownerID, limit)
	if err != nil {
		return nil, domain.Unavailable("list jobs", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("list jobs", err)
	}
	return jobs, nil
}

func (r *JobRepository) one(ctx context.Context, q string, arg string) (*domain.Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, q, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, domain.Unavailable("get job", err)
	}
	return j, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j          domain.Job
		statusText string
		result     []byte
	)
	if err := row.Scan(
		&j.JobID,
		&j.Token,
		&j.OwnerID,
		&j.DomainKey,
		&statusText,
		&result, // NULL => nil
		&j.ResultURL,
		&j.Error,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.CompletedAt,
	); err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(statusText)
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}
