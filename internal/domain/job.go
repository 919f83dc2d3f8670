package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a prediction job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether s -> to is a legal step of
// pending -> processing -> {completed | failed}.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobPending:
		return to == JobProcessing
	case JobProcessing:
		return to == JobCompleted || to == JobFailed
	default:
		return false
	}
}

// Job is a long-running external computation keyed by (OwnerID, DomainKey).
// JobID is the durable identifier; Token is an independent correlation token
// handed to callers and upstream providers.
type Job struct {
	JobID       string          `json:"id" dynamodbav:"job_id"`
	Token       string          `json:"token" dynamodbav:"token"`
	OwnerID     string          `json:"owner_id" dynamodbav:"owner_id"`
	DomainKey   string          `json:"domain_key" dynamodbav:"domain_key"`
	Status      JobStatus       `json:"status" dynamodbav:"status"`
	Result      json.RawMessage `json:"result" dynamodbav:"result,omitempty"`
	ResultURL   *string         `json:"result_url,omitempty" dynamodbav:"result_url,omitempty"`
	Error       *string         `json:"error" dynamodbav:"error,omitempty"`
	CreatedAt   time.Time       `json:"created" dynamodbav:"created_at"`
	UpdatedAt   time.Time       `json:"updated" dynamodbav:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at" dynamodbav:"completed_at,omitempty"`
}

// NewJob returns a pending job.
func NewJob(jobID, token, ownerID, domainKey string, now time.Time) *Job {
	return &Job{
		JobID:     jobID,
		Token:     token,
		OwnerID:   ownerID,
		DomainKey: domainKey,
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Key is the dedup key for in-flight and completed jobs.
func (j *Job) Key() string { return JobKey(j.OwnerID, j.DomainKey) }

// JobKey joins owner and domain key into the pointer key used for dedup.
func JobKey(ownerID, domainKey string) string { return ownerID + "#" + domainKey }

// JobTransition is a single logical update moving a job between statuses.
type JobTransition struct {
	From      JobStatus
	To        JobStatus
	Result    json.RawMessage
	ResultURL *string
	Error     *string
	At        time.Time
}

// StartProcessing moves a pending job to processing.
func StartProcessing(at time.Time) JobTransition {
	return JobTransition{From: JobPending, To: JobProcessing, At: at}
}

// Complete moves a processing job to completed with its result.
func Complete(result json.RawMessage, resultURL *string, at time.Time) JobTransition {
	return JobTransition{From: JobProcessing, To: JobCompleted, Result: result, ResultURL: resultURL, At: at}
}

// Fail moves a processing job to failed with a human-readable reason.
func Fail(reason string, at time.Time) JobTransition {
	if reason == "" {
		reason = "unknown error"
	}
	return JobTransition{From: JobProcessing, To: JobFailed, Error: &reason, At: at}
}

// Validate checks the step is legal and carries exactly the fields its target status requires.
func (t JobTransition) Validate() error {
	if !t.From.CanTransition(t.To) {
		return fmt.Errorf("%s -> %s: %w", t.From, t.To, ErrInvalidTransition)
	}
	if (t.Error != nil) != (t.To == JobFailed) {
		return fmt.Errorf("error must be set iff status is failed: %w", ErrInvalidTransition)
	}
	if t.Result != nil && t.To != JobCompleted {
		return fmt.Errorf("result only allowed on completion: %w", ErrInvalidTransition)
	}
	return nil
}

// Apply mutates j in place. Stores call it after their conditional write
// succeeded so the returned snapshot matches what was persisted.
func (j *Job) Apply(t JobTransition) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if j.Status != t.From {
		return fmt.Errorf("job %s is %s, not %s: %w", j.JobID, j.Status, t.From, ErrInvalidTransition)
	}
	j.Status = t.To
	j.UpdatedAt = t.At
	switch t.To {
	case JobCompleted:
		at := t.At
		j.CompletedAt = &at
		j.Result = t.Result
		j.ResultURL = t.ResultURL
	case JobFailed:
		j.Error = t.Error
	}
	return nil
}

var domainKeyRe = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{2,31}$`)

// NormalizeDomainKey upper-cases and trims a protein accession such as "p12345".
func NormalizeDomainKey(raw string) (string, error) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if !domainKeyRe.MatchString(key) {
		return "", fmt.Errorf("domain key %q is not a valid accession: %w", raw, ErrValidation)
	}
	return key, nil
}

// SubmitJobRequest is the body of a prediction submission.
type SubmitJobRequest struct {
	DomainKey string `json:"domain_key" validate:"required"`
}
