package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/meilisync/internal/cache"
	"github.com/kiranshivaraju/meilisync/internal/store"
	"github.com/kiranshivaraju/meilisync/pkg/models"
)

const (
	jobStatusTTL    = 30 * time.Minute
	defaultStatsTTL = 2 * time.Second
)

// JobService owns the job lifecycle: enqueueing, claiming, state transitions,
// dead-lettering and the retry and cleanup passes.
type JobService struct {
	jobs   store.JobRepository
	failed store.FailedJobRepository
	cache  cache.Cache
	logger *slog.Logger

	workerID    string
	backoffBase time.Duration
	backoffMax  time.Duration
	jitter      float64
	statsTTL    time.Duration
	now         func() time.Time
}

type Option func(*JobService)

// WithWorkerID sets the identity recorded on claimed jobs.
func WithWorkerID(id string) Option {
	return func(s *JobService) { s.workerID = id }
}

// WithRetryBackoff sets the delay applied before a failed job runs again.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(s *JobService) {
		s.backoffBase = base
		s.backoffMax = max
	}
}

func WithRetryJitter(f float64) Option {
	return func(s *JobService) { s.jitter = f }
}

func WithStatsTTL(d time.Duration) Option {
	return func(s *JobService) { s.statsTTL = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *JobService) { s.now = now }
}

// NewJobService creates a new JobService. ca may be nil, in which case nothing is mirrored.
func NewJobService(jobs store.JobRepository, failed store.FailedJobRepository, ca cache.Cache, logger *slog.Logger, opts ...Option) *JobService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &JobService{
		jobs:        jobs,
		failed:      failed,
		cache:       ca,
		logger:      logger,
		workerID:    defaultWorkerID(),
		backoffBase: 5 * time.Second,
		backoffMax:  10 * time.Minute,
		jitter:      0.2,
		statsTTL:    defaultStatsTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// WorkerID returns the identity this service claims jobs under.
func (s *JobService) WorkerID() string {
	return s.workerID
}

// Enqueue validates and persists job as a fresh pending job and returns it with its id.
func (s *JobService) Enqueue(ctx context.Context, job *models.Job) (*models.Job, error) {
	if !job.QueueName.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownQueue, job.QueueName)
	}
	if job.Payload != "" && !json.Valid([]byte(job.Payload)) {
		return nil, ErrInvalidPayload
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now().UTC()
	}
	job.ID = 0
	job.Status = models.JobStatusPending
	job.Attempts = 0
	job.StartedAt = nil
	job.FinishedAt = nil

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	s.mirror(ctx, job)

	s.logger.Info("job enqueued", "job_id", job.ID, "queue", job.QueueName, "scheduled_at", job.ScheduledAt)
	return job, nil
}

// EnqueueDelayed enqueues a job that becomes ready at at.
func (s *JobService) EnqueueDelayed(ctx context.Context, queue models.QueueName, payload string, at time.Time) (*models.Job, error) {
	return s.Enqueue(ctx, models.NewDelayedJob(queue, payload, at))
}

// GetNextJob reserves the oldest ready job of queue. The job is returned still
// pending; call StartJob to run it. Returns store.ErrNoReadyJob when the queue is idle.
func (s *JobService) GetNextJob(ctx context.Context, queue models.QueueName) (*models.Job, error) {
	if !queue.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownQueue, queue)
	}
	job, err := s.jobs.GetNextPendingJob(ctx, queue, s.workerID)
	if err != nil {
		if errors.Is(err, store.ErrNoReadyJob) {
			return nil, err
		}
		return nil, fmt.Errorf("get next job: %w", err)
	}
	return job, nil
}

// ClaimReadyJobs reserves up to limit ready jobs of queue, oldest first.
func (s *JobService) ClaimReadyJobs(ctx context.Context, queue models.QueueName, limit int) ([]*models.Job, error) {
	if !queue.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownQueue, queue)
	}
	jobs, err := s.jobs.GetReadyJobs(ctx, queue, limit, s.workerID)
	if err != nil {
		return nil, fmt.Errorf("claim ready jobs: %w", err)
	}
	return jobs, nil
}

// StartJob moves a ready job to running. The stored row must still be pending,
// so of two callers holding the same job only one succeeds.
func (s *JobService) StartJob(ctx context.Context, job *models.Job) error {
	now := s.now()
	if !job.IsReadyAt(now) {
		return fmt.Errorf("%w: job %d is %s", ErrNotReady, job.ID, job.Status)
	}

	next := *job
	if err := next.StartExecution(now); err != nil {
		return err
	}
	if err := s.persist(ctx, &next, models.JobStatusPending); err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	*job = next
	s.mirror(ctx, job)

	s.logger.Info("job started", "job_id", job.ID, "queue", job.QueueName, "attempt", job.Attempts)
	return nil
}

// ReleaseJob gives up this worker's reservation on a job it claimed but could not
// start, so another worker can take it without waiting out the lease.
func (s *JobService) ReleaseJob(ctx context.Context, job *models.Job) error {
	if err := s.jobs.ReleaseJob(ctx, job.ID, s.workerID); err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// CompleteJob marks a running job completed.
func (s *JobService) CompleteJob(ctx context.Context, job *models.Job) error {
	next := *job
	if err := next.MarkCompleted(s.now()); err != nil {
		return err
	}
	if err := s.persist(ctx, &next, models.JobStatusRunning); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	*job = next
	s.mirror(ctx, job)

	s.logger.Info("job completed", "job_id", job.ID, "queue", job.QueueName, "duration", job.ExecutionDuration())
	return nil
}

// FailJob marks a running job failed. When the job has used all its attempts it is
// moved to the failed-jobs table in the same transaction and the snapshot is returned;
// otherwise it stays failed for the retry pass and the returned FailedJob is nil.
func (s *JobService) FailJob(ctx context.Context, job *models.Job, errMsg string) (*models.FailedJob, error) {
	now := s.now()
	next := *job
	if err := next.MarkFailed(now); err != nil {
		return nil, err
	}

	if !next.IsMaxAttemptsExceeded() {
		if err := s.persist(ctx, &next, models.JobStatusRunning); err != nil {
			return nil, fmt.Errorf("fail job: %w", err)
		}
		*job = next
		s.mirror(ctx, job)
		s.logger.Warn("job failed, will retry", "job_id", job.ID, "queue", job.QueueName,
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", errMsg)
		return nil, nil
	}

	failed := models.NewFailedJob(&next, errMsg, now)
	if err := s.jobs.DeadLetterJob(ctx, &next, models.JobStatusRunning, failed); err != nil {
		return nil, fmt.Errorf("dead letter job: %w", conflictAsTransition(err))
	}
	*job = next
	s.mirror(ctx, job)

	s.logger.Error("job exhausted its attempts", "job_id", job.ID, "failed_job_id", failed.ID,
		"queue", job.QueueName, "attempts", job.Attempts, "error", errMsg)
	return failed, nil
}

// RequeueRetryableJobs returns failed jobs of queue that still have attempts left to
// pending, each delayed by an exponential backoff on its attempt count.
func (s *JobService) RequeueRetryableJobs(ctx context.Context, queue models.QueueName) (int, error) {
	jobs, err := s.jobs.GetRetryJobs(ctx, queue)
	if err != nil {
		return 0, fmt.Errorf("requeue retryable jobs: %w", err)
	}

	requeued := 0
	for _, j := range jobs {
		next := *j
		at := s.now().Add(retryDelay(s.backoffBase, s.backoffMax, s.jitter, j.Attempts))
		if err := next.ResetForRetry(at); err != nil {
			continue
		}
		if err := s.jobs.UpdateJob(ctx, &next, models.JobStatusFailed); err != nil {
			if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			return requeued, fmt.Errorf("requeue job %d: %w", j.ID, err)
		}
		s.mirror(ctx, &next)
		requeued++
		s.logger.Info("job requeued for retry", "job_id", next.ID, "queue", queue,
			"attempt", next.Attempts, "scheduled_at", next.ScheduledAt)
	}
	return requeued, nil
}

// RecoverStaleJobs fails running jobs of queue that started more than olderThan ago.
// They go through FailJob, so they are retried or dead-lettered like any other failure.
// A job that finishes concurrently is left alone.
func (s *JobService) RecoverStaleJobs(ctx context.Context, queue models.QueueName, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	jobs, err := s.jobs.GetStaleRunningJobs(ctx, queue, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}

	recovered := 0
	for _, j := range jobs {
		msg := fmt.Sprintf("worker lost: running since %s", j.StartedAt.UTC().Format(time.RFC3339))
		if _, err := s.FailJob(ctx, j, msg); err != nil {
			if errors.Is(err, models.ErrInvalidStateTransition) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			return recovered, fmt.Errorf("recover job %d: %w", j.ID, err)
		}
		recovered++
	}
	return recovered, nil
}

// RetryFailedJob revives a dead-lettered job as a new pending job with fresh attempts.
func (s *JobService) RetryFailedJob(ctx context.Context, failedID int64) (*models.Job, error) {
	f, err := s.failed.GetFailedJob(ctx, failedID)
	if err != nil {
		return nil, fmt.Errorf("retry failed job: %w", err)
	}
	if !f.CanRetry() {
		return nil, fmt.Errorf("%w: failed job %d", ErrRetryExhausted, failedID)
	}

	job := f.ToJob(s.now())
	if err := s.jobs.ReviveFailedJob(ctx, f.ID, job); err != nil {
		return nil, fmt.Errorf("retry failed job: %w", err)
	}
	s.mirror(ctx, job)

	s.logger.Info("failed job retried", "failed_job_id", failedID, "job_id", job.ID, "queue", job.QueueName)
	return job, nil
}

// ListJobs returns jobs of queue, optionally restricted to one status.
func (s *JobService) ListJobs(ctx context.Context, queue models.QueueName, status *models.JobStatus, limit, offset int) ([]*models.Job, error) {
	if !queue.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownQueue, queue)
	}
	jobs, err := s.jobs.FindJobs(ctx, store.JobFilter{Queue: queue, Status: status, Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobService) ListFailedJobs(ctx context.Context, queue models.QueueName, limit int) ([]*models.FailedJob, error) {
	if !queue.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownQueue, queue)
	}
	failed, err := s.failed.FindFailedJobsByQueue(ctx, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	return failed, nil
}

// GetQueueStatistics returns per-queue counts, served from a short-lived cache entry
// when one exists.
func (s *JobService) GetQueueStatistics(ctx context.Context) ([]models.QueueStats, error) {
	if s.cache != nil {
		if raw, found, err := s.cache.Get(ctx, cache.QueueStatsKey()); err == nil && found {
			var stats []models.QueueStats
			if json.Unmarshal(raw, &stats) == nil {
				return stats, nil
			}
		}
	}

	stats, err := s.jobs.GetQueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue statistics: %w", err)
	}

	if s.cache != nil && s.statsTTL > 0 {
		if raw, err := json.Marshal(stats); err == nil {
			_ = s.cache.Set(ctx, cache.QueueStatsKey(), raw, s.statsTTL)
		}
	}
	return stats, nil
}

// CleanupCompletedJobs deletes completed jobs that finished more than olderThanHours ago.
func (s *JobService) CleanupCompletedJobs(ctx context.Context, olderThanHours int) (int64, error) {
	if olderThanHours < 0 {
		return 0, fmt.Errorf("cleanup completed jobs: negative age %d", olderThanHours)
	}
	cutoff := s.now().Add(-time.Duration(olderThanHours) * time.Hour)
	n, err := s.jobs.CleanupCompletedJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup completed jobs: %w", err)
	}
	if n > 0 {
		s.invalidateStats(ctx)
		s.logger.Info("completed jobs cleaned up", "count", n, "older_than_hours", olderThanHours)
	}
	return n, nil
}

// CleanupFailedJobs deletes dead-lettered jobs that failed more than olderThan ago.
func (s *JobService) CleanupFailedJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.failed.CleanupOldFailedJobs(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("failed jobs cleaned up", "count", n, "older_than", olderThan.String())
	}
	return n, nil
}

// ClearQueue deletes every job in queue and returns how many were removed.
func (s *JobService) ClearQueue(ctx context.Context, queue models.QueueName) (int64, error) {
	if !queue.IsValid() {
		return 0, fmt.Errorf("%w: %q", models.ErrUnknownQueue, queue)
	}
	n, err := s.jobs.DeleteJobsByQueue(ctx, queue)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	s.invalidateStats(ctx)
	s.logger.Warn("queue cleared", "queue", queue, "count", n)
	return n, nil
}

// GetJobStatus serves a status poll from the cache mirror, falling back to the store
// and re-mirroring on a miss. A dead-lettered job stays visible in the mirror
// until its entry expires.
func (s *JobService) GetJobStatus(ctx context.Context, id int64) (*models.JobStatusInfo, error) {
	if s.cache != nil {
		state, found, err := s.cache.GetJobState(ctx, id)
		if err != nil {
			s.logger.Warn("job state lookup failed", "job_id", id, "error", err)
		}
		if found {
			return &models.JobStatusInfo{
				JobID:     id,
				QueueName: models.QueueName(state.Queue),
				Status:    models.JobStatus(state.Status),
				Attempts:  state.Attempts,
				UpdatedAt: state.UpdatedAt,
				Cached:    true,
			}, nil
		}
	}

	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	updated := lastChange(job)
	s.setState(ctx, job, updated)
	return &models.JobStatusInfo{
		JobID:     job.ID,
		QueueName: job.QueueName,
		Status:    job.Status,
		Attempts:  job.Attempts,
		UpdatedAt: updated,
	}, nil
}

func lastChange(job *models.Job) time.Time {
	switch {
	case job.FinishedAt != nil:
		return *job.FinishedAt
	case job.StartedAt != nil:
		return *job.StartedAt
	}
	return job.CreatedAt
}

func (s *JobService) GetJobInfo(ctx context.Context, id int64) (*models.Job, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *JobService) persist(ctx context.Context, job *models.Job, from models.JobStatus) error {
	return conflictAsTransition(s.jobs.UpdateJob(ctx, job, from))
}

// conflictAsTransition lets callers match a lost race as an invalid transition.
func conflictAsTransition(err error) error {
	if errors.Is(err, store.ErrStatusConflict) {
		return fmt.Errorf("%w: %w", models.ErrInvalidStateTransition, err)
	}
	return err
}

// mirror records a transition in the cache. Cache failures never fail the operation.
func (s *JobService) mirror(ctx context.Context, job *models.Job) {
	s.setState(ctx, job, s.now())
	s.invalidateStats(ctx)
}

func (s *JobService) setState(ctx context.Context, job *models.Job, at time.Time) {
	if s.cache == nil {
		return
	}
	err := s.cache.SetJobState(ctx, job.ID, cache.JobState{
		Status:    job.Status.String(),
		Queue:     job.QueueName.String(),
		Attempts:  job.Attempts,
		UpdatedAt: at.UTC(),
	}, jobStatusTTL)
	if err != nil {
		s.logger.Debug("mirroring job state failed", "job_id", job.ID, "error", err)
	}
}

func (s *JobService) invalidateStats(ctx context.Context) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Delete(ctx, cache.QueueStatsKey())
}
