package models

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidStateTransition = errors.New("invalid job state transition")
var ErrUnknownJobStatus = errors.New("unknown job status")

// DefaultMaxAttempts applies when a job is created without an explicit limit.
const DefaultMaxAttempts = 3

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJobStatus, s)
}

func (s JobStatus) String() string {
	return string(s)
}

// Job is a unit of queued work. ID is assigned by the store; zero means not yet persisted.
//
// Lifecycle: pending -> running -> completed | failed. A failed job that still has
// attempts left may be reset to pending by the retry pass; once exhausted it is
// moved to the failed_jobs table.
type Job struct {
	ID          int64      `db:"id"           json:"id"`
	QueueName   QueueName  `db:"queue_name"   json:"queue_name"`
	Payload     string     `db:"payload"      json:"payload"`
	Status      JobStatus  `db:"status"       json:"status"`
	Attempts    int        `db:"attempts"     json:"attempts"`
	MaxAttempts int        `db:"max_attempts" json:"max_attempts"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	ScheduledAt *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	FinishedAt  *time.Time `db:"finished_at"  json:"finished_at,omitempty"`
}

// NewJob returns a pending, immediately runnable job.
func NewJob(queue QueueName, payload string) *Job {
	return &Job{
		QueueName:   queue,
		Payload:     payload,
		Status:      JobStatusPending,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
}

// NewDelayedJob returns a pending job that is not ready before at.
func NewDelayedJob(queue QueueName, payload string, at time.Time) *Job {
	j := NewJob(queue, payload)
	at = at.UTC()
	j.ScheduledAt = &at
	return j
}

func (j *Job) IsReadyToExecute() bool {
	return j.IsReadyAt(time.Now())
}

// IsReadyAt reports whether the job is pending and its schedule, if any, has passed.
func (j *Job) IsReadyAt(now time.Time) bool {
	if j.Status != JobStatusPending {
		return false
	}
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// StartExecution moves a pending job to running and consumes one attempt.
// The job is left untouched when the transition is not allowed.
func (j *Job) StartExecution(now time.Time) error {
	if j.Status != JobStatusPending {
		return fmt.Errorf("%w: cannot start job in status %s", ErrInvalidStateTransition, j.Status)
	}
	if j.IsMaxAttemptsExceeded() {
		return fmt.Errorf("%w: job has used %d of %d attempts", ErrInvalidStateTransition, j.Attempts, j.MaxAttempts)
	}
	now = now.UTC()
	j.Status = JobStatusRunning
	j.Attempts++
	j.StartedAt = &now
	j.FinishedAt = nil
	return nil
}

func (j *Job) MarkCompleted(now time.Time) error {
	return j.finish(JobStatusCompleted, now)
}

func (j *Job) MarkFailed(now time.Time) error {
	return j.finish(JobStatusFailed, now)
}

func (j *Job) finish(to JobStatus, now time.Time) error {
	if j.Status != JobStatusRunning {
		return fmt.Errorf("%w: cannot mark job %s from status %s", ErrInvalidStateTransition, to, j.Status)
	}
	now = now.UTC()
	j.Status = to
	j.FinishedAt = &now
	return nil
}

func (j *Job) IsMaxAttemptsExceeded() bool {
	return j.Attempts >= j.MaxAttempts
}

// CanRetry reports whether a failed job still has attempts left.
func (j *Job) CanRetry() bool {
	return j.Status == JobStatusFailed && !j.IsMaxAttemptsExceeded()
}

// ResetForRetry returns a retryable failed job to pending, not ready before at.
func (j *Job) ResetForRetry(at time.Time) error {
	if !j.CanRetry() {
		return fmt.Errorf("%w: job in status %s with %d/%d attempts cannot be retried",
			ErrInvalidStateTransition, j.Status, j.Attempts, j.MaxAttempts)
	}
	at = at.UTC()
	j.Status = JobStatusPending
	j.ScheduledAt = &at
	j.StartedAt = nil
	j.FinishedAt = nil
	return nil
}

// ExecutionDuration returns how long the last run took, or zero if it has not finished.
func (j *Job) ExecutionDuration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}
