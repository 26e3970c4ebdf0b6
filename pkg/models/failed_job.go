package models

import "time"

// FailedJob is the dead-letter snapshot of a job that exhausted its attempts.
type FailedJob struct {
	ID           int64      `db:"id"            json:"id"`
	QueueName    QueueName  `db:"queue_name"    json:"queue_name"`
	Payload      string     `db:"payload"       json:"payload"`
	Status       JobStatus  `db:"status"        json:"status"`
	Attempts     int        `db:"attempts"      json:"attempts"`
	MaxAttempts  int        `db:"max_attempts"  json:"max_attempts"`
	ErrorMessage string     `db:"error_message" json:"error_message"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	ScheduledAt  *time.Time `db:"scheduled_at"  json:"scheduled_at,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	FinishedAt   *time.Time `db:"finished_at"   json:"finished_at,omitempty"`
	FailedAt     time.Time  `db:"failed_at"     json:"failed_at"`
}

// NewFailedJob snapshots job with the final error message.
func NewFailedJob(job *Job, errMsg string, now time.Time) *FailedJob {
	return &FailedJob{
		QueueName:    job.QueueName,
		Payload:      job.Payload,
		Status:       JobStatusFailed,
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		ErrorMessage: errMsg,
		CreatedAt:    job.CreatedAt,
		ScheduledAt:  job.ScheduledAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		FailedAt:     now.UTC(),
	}
}

// ToJob builds a fresh pending job from the snapshot: same queue, payload and
// attempt limit, attempts reset, no schedule.
func (f *FailedJob) ToJob(now time.Time) *Job {
	maxAttempts := f.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Job{
		QueueName:   f.QueueName,
		Payload:     f.Payload,
		Status:      JobStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now.UTC(),
	}
}

// CanRetry reports whether a manual retry would produce a runnable job.
// The snapshot itself is always exhausted; what matters is that its queue is
// still known and that the revived job would get at least one attempt.
func (f *FailedJob) CanRetry() bool {
	return f.Status == JobStatusFailed && f.QueueName.IsValid() && f.MaxAttempts >= 1
}

func (f *FailedJob) WasExecuted() bool {
	return f.StartedAt != nil
}

func (f *FailedJob) ExecutionDuration() time.Duration {
	if f.StartedAt == nil || f.FinishedAt == nil {
		return 0
	}
	return f.FinishedAt.Sub(*f.StartedAt)
}
