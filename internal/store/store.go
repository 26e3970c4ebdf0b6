package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/meilisync/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrStatusConflict is returned by conditional updates when the stored job is no
// longer in the status the caller expected.
var ErrStatusConflict = errors.New("job status changed concurrently")

// ErrNoReadyJob is returned by claims when the queue has nothing runnable.
var ErrNoReadyJob = errors.New("no ready job")

// JobRepository persists live jobs.
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	// UpdateJob writes job only if the stored row is still in status from.
	UpdateJob(ctx context.Context, job *models.Job, from models.JobStatus) error
	DeleteJob(ctx context.Context, id int64) error

	// GetNextPendingJob reserves the oldest ready job of queue for workerID.
	// The job stays pending; StartJob performs the transition.
	GetNextPendingJob(ctx context.Context, queue models.QueueName, workerID string) (*models.Job, error)
	GetReadyJobs(ctx context.Context, queue models.QueueName, limit int, workerID string) ([]*models.Job, error)
	// ReleaseJob drops workerID's reservation on a job that is still pending.
	ReleaseJob(ctx context.Context, id int64, workerID string) error

	FindJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	CountJobsByStatus(ctx context.Context, queue models.QueueName, status models.JobStatus) (int64, error)
	GetRetryJobs(ctx context.Context, queue models.QueueName) ([]*models.Job, error)
	// GetStaleRunningJobs returns running jobs of queue started before startedBefore.
	GetStaleRunningJobs(ctx context.Context, queue models.QueueName, startedBefore time.Time) ([]*models.Job, error)
	GetQueueStats(ctx context.Context) ([]models.QueueStats, error)

	CleanupCompletedJobs(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteJobsByQueue(ctx context.Context, queue models.QueueName) (int64, error)

	// DeadLetterJob records failed and removes the live job in one transaction.
	DeadLetterJob(ctx context.Context, job *models.Job, from models.JobStatus, failed *models.FailedJob) error
	// ReviveFailedJob removes the failed record and inserts job in one transaction.
	ReviveFailedJob(ctx context.Context, failedID int64, job *models.Job) error
}

// FailedJobRepository persists dead-lettered jobs.
type FailedJobRepository interface {
	CreateFailedJob(ctx context.Context, failed *models.FailedJob) error
	GetFailedJob(ctx context.Context, id int64) (*models.FailedJob, error)
	DeleteFailedJob(ctx context.Context, id int64) error
	FindFailedJobsByQueue(ctx context.Context, queue models.QueueName, limit int) ([]*models.FailedJob, error)
	CleanupOldFailedJobs(ctx context.Context, olderThan time.Time) (int64, error)
}

// CatalogRepository holds the data sources and saved queries ingestion reads from.
type CatalogRepository interface {
	GetDataSource(ctx context.Context, id int64) (*models.DataSource, error)
	CreateDataSource(ctx context.Context, ds *models.DataSource) error
	ListDataSources(ctx context.Context) ([]*models.DataSource, error)
	GetIndexDataQuery(ctx context.Context, id int64) (*models.IndexDataQuery, error)
	CreateIndexDataQuery(ctx context.Context, q *models.IndexDataQuery) error
}

type APIKeyRepository interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	JobRepository
	FailedJobRepository
	CatalogRepository
	APIKeyRepository
}

// JobFilter narrows FindJobs. A nil Status matches every status.
type JobFilter struct {
	Queue  models.QueueName
	Status *models.JobStatus
	Limit  int
	Offset int
}

type options struct {
	reservationLease time.Duration
}

type Option func(*options)

// WithReservationLease sets how long a claim holds a job before another worker may take it.
func WithReservationLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.reservationLease = d
		}
	}
}
