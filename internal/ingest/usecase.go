// Package ingest moves the rows of a data-source query into a search index as
// the body of an ingestion job.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/meilisync/internal/meili"
	"github.com/kiranshivaraju/meilisync/pkg/models"
)

var (
	ErrInvalidPayload    = errors.New("invalid ingestion payload")
	ErrSerialization     = errors.New("documents could not be serialized")
	ErrMissingPrimaryKey = errors.New("document is missing the primary key")
)

// failTimeout bounds the detached call that records a failure after the
// job's own context was cancelled.
const failTimeout = 10 * time.Second

// Stages reported in failure messages.
const (
	StagePayload    = "payload"
	StageQuery      = "saved query"
	StageDataSource = "data source"
	StageExecute    = "query"
	StageDocuments  = "documents"
	StageSubmit     = "submit"
	StageTask       = "indexing task"
)

// JobLifecycle is the part of the job service ingestion reports to.
type JobLifecycle interface {
	CompleteJob(ctx context.Context, job *models.Job) error
	FailJob(ctx context.Context, job *models.Job, errMsg string) (*models.FailedJob, error)
}

type Catalog interface {
	GetDataSource(ctx context.Context, id int64) (*models.DataSource, error)
	GetIndexDataQuery(ctx context.Context, id int64) (*models.IndexDataQuery, error)
}

type QueryRunner interface {
	ExecuteQuery(ctx context.Context, ds *models.DataSource, query string, limit int) ([]models.Document, error)
}

type Indexer interface {
	AddDocuments(ctx context.Context, uid string, docs []models.Document, primaryKey string) (*meili.TaskInfo, error)
	WaitForTask(ctx context.Context, taskUID int64, interval, timeout time.Duration) (*meili.Task, error)
}

// Config tunes a UseCase.
type Config struct {
	BatchLimit       int
	PrimaryKey       string
	TaskPollInterval time.Duration
	TaskTimeout      time.Duration
}

// Result describes one ingestion run.
type Result struct {
	JobID     int64
	IndexUID  string
	Documents int
	TaskUID   int64 // zero when nothing was submitted
	FailedJob *models.FailedJob
}

// StageError is a failure at one step of the pipeline.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// UseCase runs ingestion jobs.
type UseCase struct {
	catalog Catalog
	runner  QueryRunner
	indexer Indexer
	jobs    JobLifecycle
	cfg     Config
	logger  *slog.Logger
}

func NewUseCase(catalog Catalog, runner QueryRunner, indexer Indexer, jobs JobLifecycle, cfg Config, logger *slog.Logger) *UseCase {
	if cfg.PrimaryKey == "" {
		cfg.PrimaryKey = "id"
	}
	if cfg.TaskPollInterval <= 0 {
		cfg.TaskPollInterval = 500 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UseCase{
		catalog: catalog,
		runner:  runner,
		indexer: indexer,
		jobs:    jobs,
		cfg:     cfg,
		logger:  logger,
	}
}

// Handle satisfies the worker handler contract.
func (u *UseCase) Handle(ctx context.Context, job *models.Job) error {
	_, err := u.Execute(ctx, job)
	return err
}

// Execute runs a started job end to end and finishes it. On any stage failure
// the job is failed with "<stage>: <error>" and the stage error is returned.
func (u *UseCase) Execute(ctx context.Context, job *models.Job) (*Result, error) {
	res := &Result{JobID: job.ID}

	if err := u.run(ctx, job, res); err != nil {
		return res, u.fail(ctx, job, res, err)
	}

	if err := u.jobs.CompleteJob(ctx, job); err != nil {
		return res, fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	u.logger.Info("ingestion finished", "job_id", job.ID, "index_uid", res.IndexUID,
		"documents", res.Documents, "task_uid", res.TaskUID)
	return res, nil
}

func (u *UseCase) run(ctx context.Context, job *models.Job, res *Result) error {
	p, err := ParsePayload(job.Payload)
	if err != nil {
		return &StageError{Stage: StagePayload, Err: err}
	}

	if p.QueryID != 0 {
		saved, err := u.catalog.GetIndexDataQuery(ctx, p.QueryID)
		if err != nil {
			return &StageError{Stage: StageQuery, Err: fmt.Errorf("query %d: %w", p.QueryID, err)}
		}
		p.DataSourceID = saved.DataSourceID
		p.IndexUID = saved.IndexUID
		p.Query = saved.Query
		if p.PrimaryKey == "" {
			p.PrimaryKey = saved.PrimaryKey
		}
	}
	if p.PrimaryKey == "" {
		p.PrimaryKey = u.cfg.PrimaryKey
	}
	res.IndexUID = p.IndexUID

	ds, err := u.catalog.GetDataSource(ctx, p.DataSourceID)
	if err != nil {
		return &StageError{Stage: StageDataSource, Err: fmt.Errorf("data source %d: %w", p.DataSourceID, err)}
	}

	docs, err := u.runner.ExecuteQuery(ctx, ds, p.Query, u.cfg.BatchLimit)
	if err != nil {
		return &StageError{Stage: StageExecute, Err: err}
	}
	res.Documents = len(docs)
	if len(docs) == 0 {
		u.logger.Info("query returned no rows, nothing to index", "job_id", job.ID, "index_uid", p.IndexUID)
		return nil
	}

	if err := checkPrimaryKey(docs, p.PrimaryKey); err != nil {
		return &StageError{Stage: StageDocuments, Err: err}
	}

	info, err := u.indexer.AddDocuments(ctx, p.IndexUID, docs, p.PrimaryKey)
	if err != nil {
		if isEncodingError(err) {
			err = fmt.Errorf("%w: %w", ErrSerialization, err)
		}
		return &StageError{Stage: StageSubmit, Err: err}
	}
	res.TaskUID = info.TaskUID

	if _, err := u.indexer.WaitForTask(ctx, info.TaskUID, u.cfg.TaskPollInterval, u.cfg.TaskTimeout); err != nil {
		return &StageError{Stage: StageTask, Err: err}
	}
	return nil
}

func (u *UseCase) fail(ctx context.Context, job *models.Job, res *Result, cause error) error {
	failCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		failCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
		defer cancel()
	}

	u.logger.Warn("ingestion failed", "job_id", job.ID, "index_uid", res.IndexUID, "error", cause)

	failed, err := u.jobs.FailJob(failCtx, job, cause.Error())
	if err != nil {
		return errors.Join(cause, fmt.Errorf("fail job %d: %w", job.ID, err))
	}
	res.FailedJob = failed
	return cause
}

func checkPrimaryKey(docs []models.Document, key string) error {
	for i, doc := range docs {
		if v, ok := doc[key]; !ok || v == nil {
			return fmt.Errorf("%w: row %d has no %q value", ErrMissingPrimaryKey, i, key)
		}
	}
	return nil
}

func isEncodingError(err error) bool {
	var (
		unsupportedValue *json.UnsupportedValueError
		unsupportedType  *json.UnsupportedTypeError
		marshaler        *json.MarshalerError
	)
	return errors.As(err, &unsupportedValue) || errors.As(err, &unsupportedType) || errors.As(err, &marshaler)
}
