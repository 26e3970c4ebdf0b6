package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/meilisync/pkg/models"
)

const defaultReservationLease = 10 * time.Minute

const jobColumns = `id, queue_name, payload, status, attempts, max_attempts, created_at, scheduled_at, started_at, finished_at`

const failedJobColumns = `id, queue_name, payload, status, attempts, max_attempts, error_message,
	created_at, scheduled_at, started_at, finished_at, failed_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	o := options{reservationLease: defaultReservationLease}
	for _, opt := range opts {
		opt(&o)
	}
	return &PostgresStore{pool: pool, opts: o}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	return insertJob(ctx, s.pool, job)
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job, from models.JobStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $3, attempts = $4, max_attempts = $5, scheduled_at = $6,
		   started_at = $7, finished_at = $8, reserved_by = NULL, reserved_at = NULL
		 WHERE id = $1 AND status = $2`,
		job.ID, string(from), string(job.Status), job.Attempts, job.MaxAttempts,
		job.ScheduledAt, job.StartedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missOrConflict(ctx, job.ID, from)
}

// missOrConflict explains why a conditional update on id touched no row.
func (s *PostgresStore) missOrConflict(ctx context.Context, id int64, from models.JobStatus) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: job %d is %s, expected %s", ErrStatusConflict, id, current, from)
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetNextPendingJob(ctx context.Context, queue models.QueueName, workerID string) (*models.Job, error) {
	jobs, err := s.GetReadyJobs(ctx, queue, 1, workerID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNoReadyJob
	}
	return jobs[0], nil
}

// GetReadyJobs reserves up to limit ready jobs. Rows locked by a concurrent claim
// are skipped, and a reservation older than the lease is treated as abandoned.
func (s *PostgresStore) GetReadyJobs(ctx context.Context, queue models.QueueName, limit int, workerID string) ([]*models.Job, error) {
	if limit <= 0 {
		return []*models.Job{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET reserved_by = $2, reserved_at = NOW()
		 WHERE id IN (
		   SELECT id FROM jobs
		   WHERE queue_name = $1
		     AND status = 'pending'
		     AND (scheduled_at IS NULL OR scheduled_at <= NOW())
		     AND (reserved_at IS NULL OR reserved_at < NOW() - make_interval(secs => $3))
		   ORDER BY created_at, id
		   LIMIT $4
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		string(queue), workerID, s.opts.reservationLease.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim ready jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim ready jobs: %w", err)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}

func (s *PostgresStore) ReleaseJob(ctx context.Context, id int64, workerID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET reserved_by = NULL, reserved_at = NULL
		 WHERE id = $1 AND status = 'pending' AND reserved_by = $2`, id, workerID)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	conditions := []string{"queue_name = $1"}
	args := []any{string(filter.Queue)}
	argIdx := 2

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(*filter.Status))
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		jobColumns, strings.Join(conditions, " AND "), argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context, queue models.QueueName, status models.JobStatus) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE queue_name = $1 AND status = $2`,
		string(queue), string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// GetRetryJobs returns failed jobs of queue that still have attempts left.
func (s *PostgresStore) GetRetryJobs(ctx context.Context, queue models.QueueName) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE queue_name = $1 AND status = 'failed' AND attempts < max_attempts
		 ORDER BY finished_at NULLS FIRST, id`, string(queue))
	if err != nil {
		return nil, fmt.Errorf("get retry jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("get retry jobs: %w", err)
	}
	return jobs, nil
}

// GetStaleRunningJobs finds jobs whose worker went away between start and finish.
func (s *PostgresStore) GetStaleRunningJobs(ctx context.Context, queue models.QueueName, startedBefore time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE queue_name = $1 AND status = 'running' AND started_at < $2
		 ORDER BY started_at, id`, string(queue), startedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("get stale running jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("get stale running jobs: %w", err)
	}
	return jobs, nil
}

// GetQueueStats returns one entry per queue that has at least one job, in
// declaration order.
func (s *PostgresStore) GetQueueStats(ctx context.Context) ([]models.QueueStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT queue_name, status, COUNT(*) FROM jobs GROUP BY queue_name, status`)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	defer rows.Close()

	byQueue := make(map[models.QueueName]*models.QueueStats)
	known := make(map[models.QueueName]bool)
	for _, q := range models.AllQueues() {
		known[q] = true
	}

	for rows.Next() {
		var (
			queue, status string
			n             int64
		)
		if err := rows.Scan(&queue, &status, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		name := models.QueueName(queue)
		if !known[name] {
			continue
		}
		st, ok := byQueue[name]
		if !ok {
			st = &models.QueueStats{QueueName: name}
			byQueue[name] = st
		}
		switch models.JobStatus(status) {
		case models.JobStatusPending:
			st.Pending = n
		case models.JobStatusRunning:
			st.Running = n
		case models.JobStatusCompleted:
			st.Completed = n
		case models.JobStatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}

	stats := make([]models.QueueStats, 0, len(byQueue))
	for _, q := range models.AllQueues() {
		if st, ok := byQueue[q]; ok {
			stats = append(stats, *st)
		}
	}
	return stats, nil
}

func (s *PostgresStore) CleanupCompletedJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status = 'completed' AND finished_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup completed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteJobsByQueue(ctx context.Context, queue models.QueueName) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE queue_name = $1`, string(queue))
	if err != nil {
		return 0, fmt.Errorf("delete jobs by queue: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeadLetterJob(ctx context.Context, job *models.Job, from models.JobStatus, failed *models.FailedJob) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin dead letter: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND status = $2`, job.ID, string(from))
	if err != nil {
		return fmt.Errorf("dead letter delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, job.ID, from)
	}

	if err := insertFailedJob(ctx, tx, failed); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReviveFailedJob(ctx context.Context, failedID int64, job *models.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin revive: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM failed_jobs WHERE id = $1`, failedID)
	if err != nil {
		return fmt.Errorf("revive delete failed job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit revive: %w", err)
	}
	return nil
}

// --- Failed Jobs ---

func (s *PostgresStore) CreateFailedJob(ctx context.Context, failed *models.FailedJob) error {
	return insertFailedJob(ctx, s.pool, failed)
}

func (s *PostgresStore) GetFailedJob(ctx context.Context, id int64) (*models.FailedJob, error) {
	f, err := scanFailedJob(s.pool.QueryRow(ctx,
		`SELECT `+failedJobColumns+` FROM failed_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failed job: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) DeleteFailedJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM failed_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete failed job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindFailedJobsByQueue(ctx context.Context, queue models.QueueName, limit int) ([]*models.FailedJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+failedJobColumns+` FROM failed_jobs
		 WHERE queue_name = $1 ORDER BY failed_at DESC, id DESC LIMIT $2`, string(queue), limit)
	if err != nil {
		return nil, fmt.Errorf("find failed jobs: %w", err)
	}
	defer rows.Close()

	failed := []*models.FailedJob{}
	for rows.Next() {
		f, err := scanFailedJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		failed = append(failed, f)
	}
	return failed, rows.Err()
}

func (s *PostgresStore) CleanupOldFailedJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM failed_jobs WHERE failed_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Data Sources ---

func (s *PostgresStore) GetDataSource(ctx context.Context, id int64) (*models.DataSource, error) {
	var ds models.DataSource
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, driver, host, port, username, password, database_name, database_path, created_at
		 FROM data_sources WHERE id = $1`, id,
	).Scan(&ds.ID, &ds.Name, &ds.Driver, &ds.Host, &ds.Port, &ds.Username, &ds.Password,
		&ds.DatabaseName, &ds.DatabasePath, &ds.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get data source: %w", err)
	}
	return &ds, nil
}

func (s *PostgresStore) CreateDataSource(ctx context.Context, ds *models.DataSource) error {
	if ds.Driver == "" {
		ds.Driver = models.DriverPostgres
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO data_sources (name, driver, host, port, username, password, database_name, database_path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		ds.Name, ds.Driver, ds.Host, ds.Port, ds.Username, ds.Password,
		ds.DatabaseName, ds.DatabasePath, ds.CreatedAt,
	).Scan(&ds.ID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create data source: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDataSources(ctx context.Context) ([]*models.DataSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, driver, host, port, username, password, database_name, database_path, created_at
		 FROM data_sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list data sources: %w", err)
	}
	defer rows.Close()

	sources := []*models.DataSource{}
	for rows.Next() {
		var ds models.DataSource
		if err := rows.Scan(&ds.ID, &ds.Name, &ds.Driver, &ds.Host, &ds.Port, &ds.Username, &ds.Password,
			&ds.DatabaseName, &ds.DatabasePath, &ds.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan data source: %w", err)
		}
		sources = append(sources, &ds)
	}
	return sources, rows.Err()
}

func (s *PostgresStore) GetIndexDataQuery(ctx context.Context, id int64) (*models.IndexDataQuery, error) {
	var q models.IndexDataQuery
	err := s.pool.QueryRow(ctx,
		`SELECT id, data_source_id, index_uid, query, primary_key, created_at
		 FROM index_data_queries WHERE id = $1`, id,
	).Scan(&q.ID, &q.DataSourceID, &q.IndexUID, &q.Query, &q.PrimaryKey, &q.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get index data query: %w", err)
	}
	return &q, nil
}

func (s *PostgresStore) CreateIndexDataQuery(ctx context.Context, q *models.IndexDataQuery) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO index_data_queries (data_source_id, index_uid, query, primary_key, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		q.DataSourceID, q.IndexUID, q.Query, q.PrimaryKey, q.CreatedAt,
	).Scan(&q.ID)
	if err != nil {
		return fmt.Errorf("create index data query: %w", err)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- helpers ---

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertJob(ctx context.Context, q querier, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	err := q.QueryRow(ctx,
		`INSERT INTO jobs (queue_name, payload, status, attempts, max_attempts, created_at, scheduled_at, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		string(job.QueueName), job.Payload, string(job.Status), job.Attempts, job.MaxAttempts,
		job.CreatedAt, job.ScheduledAt, job.StartedAt, job.FinishedAt,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func insertFailedJob(ctx context.Context, q querier, f *models.FailedJob) error {
	if f.FailedAt.IsZero() {
		f.FailedAt = time.Now().UTC()
	}
	if f.Status == "" {
		f.Status = models.JobStatusFailed
	}
	err := q.QueryRow(ctx,
		`INSERT INTO failed_jobs (queue_name, payload, status, attempts, max_attempts, error_message,
		   created_at, scheduled_at, started_at, finished_at, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		string(f.QueueName), f.Payload, string(f.Status), f.Attempts, f.MaxAttempts, f.ErrorMessage,
		f.CreatedAt, f.ScheduledAt, f.StartedAt, f.FinishedAt, f.FailedAt,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("create failed job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j             models.Job
		queue, status string
	)
	if err := row.Scan(&j.ID, &queue, &j.Payload, &status, &j.Attempts, &j.MaxAttempts,
		&j.CreatedAt, &j.ScheduledAt, &j.StartedAt, &j.FinishedAt); err != nil {
		return nil, err
	}
	j.QueueName = models.QueueName(queue)
	j.Status = models.JobStatus(status)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanFailedJob(row pgx.Row) (*models.FailedJob, error) {
	var (
		f             models.FailedJob
		queue, status string
	)
	if err := row.Scan(&f.ID, &queue, &f.Payload, &status, &f.Attempts, &f.MaxAttempts, &f.ErrorMessage,
		&f.CreatedAt, &f.ScheduledAt, &f.StartedAt, &f.FinishedAt, &f.FailedAt); err != nil {
		return nil, err
	}
	f.QueueName = models.QueueName(queue)
	f.Status = models.JobStatus(status)
	return &f, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
