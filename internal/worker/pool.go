// Package worker runs registered job handlers against the queues.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/meilisync/internal/store"
	"github.com/kiranshivaraju/meilisync/pkg/models"
)

var ErrNoHandlers = errors.New("no handlers registered for the configured queues")

// finishTimeout bounds the detached call that records a job outcome during shutdown.
const finishTimeout = 10 * time.Second

// Handler executes one started job. A handler may finish the job itself through
// the job service; if the job is still running when Handle returns, the pool
// completes it on a nil error and fails it otherwise.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) error
}

type HandlerFunc func(ctx context.Context, job *models.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *models.Job) error { return f(ctx, job) }

// Jobs is the subset of the job service the pool drives.
type Jobs interface {
	WorkerID() string
	GetNextJob(ctx context.Context, queue models.QueueName) (*models.Job, error)
	StartJob(ctx context.Context, job *models.Job) error
	ReleaseJob(ctx context.Context, job *models.Job) error
	CompleteJob(ctx context.Context, job *models.Job) error
	FailJob(ctx context.Context, job *models.Job, errMsg string) (*models.FailedJob, error)
	RequeueRetryableJobs(ctx context.Context, queue models.QueueName) (int, error)
	RecoverStaleJobs(ctx context.Context, queue models.QueueName, olderThan time.Duration) (int, error)
	CleanupCompletedJobs(ctx context.Context, olderThanHours int) (int64, error)
	CleanupFailedJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Pool polls queues in priority order with a fixed number of workers.
type Pool struct {
	jobs     Jobs
	handlers map[models.QueueName]Handler
	logger   *slog.Logger

	concurrency     int
	pollInterval    time.Duration
	queues          []models.QueueName
	retryInterval   time.Duration
	staleAfter      time.Duration
	cleanupInterval time.Duration
	completedAfter  time.Duration
	failedAfter     time.Duration
}

type Option func(*Pool)

func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithQueues restricts polling to queues. Empty means every queue with a handler.
func WithQueues(queues []models.QueueName) Option {
	return func(p *Pool) { p.queues = queues }
}

// WithRetryInterval sets how often failed jobs are put back to pending.
// Zero disables the retry pass.
func WithRetryInterval(d time.Duration) Option {
	return func(p *Pool) { p.retryInterval = d }
}

// WithStaleAfter makes the retry pass fail running jobs that started more than d
// ago, which only happens when the worker running them died. Zero disables it.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Pool) { p.staleAfter = d }
}

// WithCleanup enables periodic removal of completed jobs older than
// completedAfter and dead-lettered jobs older than failedAfter.
func WithCleanup(interval, completedAfter, failedAfter time.Duration) Option {
	return func(p *Pool) {
		p.cleanupInterval = interval
		p.completedAfter = completedAfter
		p.failedAfter = failedAfter
	}
}

func NewPool(jobs Jobs, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		jobs:         jobs,
		handlers:     make(map[models.QueueName]Handler),
		logger:       logger,
		concurrency:  4,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds h to queue. It must be called before Run.
func (p *Pool) Register(queue models.QueueName, h Handler) {
	p.handlers[queue] = h
}

// Queues returns the queues the pool polls, highest priority first.
func (p *Pool) Queues() []models.QueueName {
	candidates := p.queues
	if len(candidates) == 0 {
		candidates = models.AllQueues()
	}
	out := make([]models.QueueName, 0, len(candidates))
	for _, q := range models.QueuesByPriority(candidates) {
		if _, ok := p.handlers[q]; ok {
			out = append(out, q)
		}
	}
	return out
}

// Run starts the workers and maintenance loops and blocks until ctx is
// cancelled and every in-flight job has been finished.
func (p *Pool) Run(ctx context.Context) error {
	queues := p.Queues()
	if len(queues) == 0 {
		return ErrNoHandlers
	}

	p.logger.Info("worker pool starting",
		"worker_id", p.jobs.WorkerID(),
		"concurrency", p.concurrency,
		"queues", queues,
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		worker := i
		g.Go(func() error {
			p.workLoop(gctx, worker, queues)
			return nil
		})
	}
	if p.retryInterval > 0 {
		g.Go(func() error {
			p.every(gctx, p.retryInterval, func(ctx context.Context) { p.requeue(ctx, queues) })
			return nil
		})
	}
	if p.cleanupInterval > 0 {
		g.Go(func() error {
			p.every(gctx, p.cleanupInterval, p.cleanup)
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped", "worker_id", p.jobs.WorkerID())
	return err
}

func (p *Pool) workLoop(ctx context.Context, worker int, queues []models.QueueName) {
	logger := p.logger.With("worker", worker)
	for ctx.Err() == nil {
		job := p.claim(ctx, logger, queues)
		if job == nil {
			p.sleep(ctx)
			continue
		}
		p.process(ctx, logger, job)
	}
}

// claim returns the next ready job from the highest priority queue that has one.
func (p *Pool) claim(ctx context.Context, logger *slog.Logger, queues []models.QueueName) *models.Job {
	for _, q := range queues {
		job, err := p.jobs.GetNextJob(ctx, q)
		if err == nil {
			return job
		}
		if !errors.Is(err, store.ErrNoReadyJob) && ctx.Err() == nil {
			logger.Error("claiming job failed", "queue", q, "error", err)
		}
	}
	return nil
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, job *models.Job) {
	logger = logger.With("job_id", job.ID, "queue", job.QueueName)

	if err := p.jobs.StartJob(ctx, job); err != nil {
		if errors.Is(err, models.ErrInvalidStateTransition) {
			logger.Debug("job taken by another worker")
			return
		}
		logger.Error("starting job failed", "error", err)
		p.release(ctx, logger, job)
		return
	}

	h, ok := p.handlers[job.QueueName]
	var handleErr error
	if !ok {
		handleErr = fmt.Errorf("no handler for queue %s", job.QueueName)
	} else {
		handleErr = p.safeHandle(ctx, h, job)
	}

	if job.Status != models.JobStatusRunning {
		if handleErr != nil {
			logger.Debug("handler reported failure", "error", handleErr)
		}
		return
	}

	finishCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
	}

	if handleErr == nil {
		if err := p.jobs.CompleteJob(finishCtx, job); err != nil {
			logger.Error("completing job failed", "error", err)
		}
		return
	}
	if _, err := p.jobs.FailJob(finishCtx, job, handleErr.Error()); err != nil {
		logger.Error("failing job failed", "error", err, "cause", handleErr)
	}
}

// release hands a claimed job back so the next poll can take it.
func (p *Pool) release(ctx context.Context, logger *slog.Logger, job *models.Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := p.jobs.ReleaseJob(ctx, job); err != nil {
		logger.Warn("releasing job failed, it stays reserved until the lease expires", "error", err)
	}
}

func (p *Pool) safeHandle(ctx context.Context, h Handler, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in job handler",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

func (p *Pool) requeue(ctx context.Context, queues []models.QueueName) {
	for _, q := range queues {
		if p.staleAfter > 0 {
			n, err := p.jobs.RecoverStaleJobs(ctx, q, p.staleAfter)
			if err != nil && ctx.Err() == nil {
				p.logger.Error("stale job recovery failed", "queue", q, "error", err)
			}
			if n > 0 {
				p.logger.Warn("stale running jobs failed", "queue", q, "count", n)
			}
		}

		n, err := p.jobs.RequeueRetryableJobs(ctx, q)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("retry pass failed", "queue", q, "error", err)
			}
			continue
		}
		if n > 0 {
			p.logger.Info("failed jobs requeued", "queue", q, "count", n)
		}
	}
}

func (p *Pool) cleanup(ctx context.Context) {
	if p.completedAfter > 0 {
		hours := int(p.completedAfter / time.Hour)
		if hours < 1 {
			hours = 1
		}
		if _, err := p.jobs.CleanupCompletedJobs(ctx, hours); err != nil && ctx.Err() == nil {
			p.logger.Error("cleanup of completed jobs failed", "error", err)
		}
	}
	if p.failedAfter > 0 {
		if _, err := p.jobs.CleanupFailedJobs(ctx, p.failedAfter); err != nil && ctx.Err() == nil {
			p.logger.Error("cleanup of failed jobs failed", "error", err)
		}
	}
}

// every runs fn each interval until ctx is done.
func (p *Pool) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (p *Pool) sleep(ctx context.Context) {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
