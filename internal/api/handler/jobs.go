package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/meilisync/internal/api/response"
	"github.com/kiranshivaraju/meilisync/pkg/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// JobService is the queue API the job handlers depend on.
type JobService interface {
	Enqueue(ctx context.Context, job *models.Job) (*models.Job, error)
	GetJobInfo(ctx context.Context, id int64) (*models.Job, error)
	GetJobStatus(ctx context.Context, id int64) (*models.JobStatusInfo, error)
	ListJobs(ctx context.Context, queue models.QueueName, status *models.JobStatus, limit, offset int) ([]*models.Job, error)
	ListFailedJobs(ctx context.Context, queue models.QueueName, limit int) ([]*models.FailedJob, error)
	GetQueueStatistics(ctx context.Context) ([]models.QueueStats, error)
	RetryFailedJob(ctx context.Context, failedID int64) (*models.Job, error)
	ClearQueue(ctx context.Context, queue models.QueueName) (int64, error)
	CleanupCompletedJobs(ctx context.Context, olderThanHours int) (int64, error)
	CleanupFailedJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

type JobHandler struct {
	svc    JobService
	logger *slog.Logger
}

func NewJobHandler(svc JobService, logger *slog.Logger) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{svc: svc, logger: logger}
}

type enqueueRequest struct {
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	MaxAttempts int             `json:"max_attempts"`
}

// Enqueue handles POST /api/v1/jobs.
func (h *JobHandler) Enqueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Queue == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "queue is required", nil)
			return
		}
		queue, err := models.ParseQueueName(req.Queue)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		if req.MaxAttempts < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "max_attempts must not be negative", nil)
			return
		}

		job := models.NewJob(queue, payloadText(req.Payload))
		if req.ScheduledAt != nil {
			at := req.ScheduledAt.UTC()
			job.ScheduledAt = &at
		}
		if req.MaxAttempts > 0 {
			job.MaxAttempts = req.MaxAttempts
		}

		stored, err := h.svc.Enqueue(r.Context(), job)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.Accepted(w, stored)
	}
}

// GetJob handles GET /api/v1/jobs/{jobID}.
func (h *JobHandler) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := h.svc.GetJobInfo(r.Context(), id)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.JSON(w, job)
	}
}

// JobStatus handles GET /api/v1/jobs/{jobID}/status. It answers from the cache
// mirror when it can, so pollers do not hit the job store.
func (h *JobHandler) JobStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		info, err := h.svc.GetJobStatus(r.Context(), id)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.JSON(w, info)
	}
}

type queueStatsResponse struct {
	models.QueueStats
	Priority    int    `json:"priority"`
	Description string `json:"description"`
	Total       int64  `json:"total"`
}

// QueueStats handles GET /api/v1/queues.
func (h *JobHandler) QueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := h.svc.GetQueueStatistics(r.Context())
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		out := make([]queueStatsResponse, 0, len(stats))
		for _, s := range stats {
			out = append(out, queueStatsResponse{
				QueueStats:  s,
				Priority:    s.QueueName.Priority(),
				Description: s.QueueName.Description(),
				Total:       s.Total(),
			})
		}
		response.JSON(w, out)
	}
}

// ListQueueJobs handles GET /api/v1/queues/{queue}/jobs?status=&limit=&offset=.
func (h *JobHandler) ListQueueJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue, ok := h.queueParam(w, r)
		if !ok {
			return
		}

		var status *models.JobStatus
		if raw := r.URL.Query().Get("status"); raw != "" {
			s, err := models.ParseJobStatus(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "status must be one of pending, running, completed, failed", nil)
				return
			}
			status = &s
		}

		limit, err := queryInt(r, "limit", defaultPageSize, maxPageSize)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		offset, err := queryInt(r, "offset", 0, 0)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		jobs, err := h.svc.ListJobs(r.Context(), queue, status, limit, offset)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.Collection(w, jobs, response.NewPaginationMeta(limit, offset, len(jobs)))
	}
}

// ListFailedJobs handles GET /api/v1/queues/{queue}/failed?limit=.
func (h *JobHandler) ListFailedJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue, ok := h.queueParam(w, r)
		if !ok {
			return
		}
		limit, err := queryInt(r, "limit", defaultPageSize, maxPageSize)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		failed, err := h.svc.ListFailedJobs(r.Context(), queue, limit)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.Collection(w, failed, response.NewPaginationMeta(limit, 0, len(failed)))
	}
}

// RetryFailedJob handles POST /api/v1/failed-jobs/{failedJobID}/retry.
func (h *JobHandler) RetryFailedJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "failedJobID")
		if !ok {
			return
		}
		job, err := h.svc.RetryFailedJob(r.Context(), id)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.Accepted(w, job)
	}
}

// ClearQueue handles DELETE /api/v1/queues/{queue}/jobs.
func (h *JobHandler) ClearQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue, ok := h.queueParam(w, r)
		if !ok {
			return
		}
		n, err := h.svc.ClearQueue(r.Context(), queue)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.JSON(w, map[string]any{"queue": queue, "deleted": n})
	}
}

type cleanupRequest struct {
	CompletedOlderThanHours *int   `json:"completed_older_than_hours"`
	FailedOlderThan         string `json:"failed_older_than"`
}

// Cleanup handles POST /api/v1/admin/cleanup. Without a body only completed
// jobs older than 24 hours are removed.
func (h *JobHandler) Cleanup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cleanupRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}

		hours := 24
		if req.CompletedOlderThanHours != nil {
			hours = *req.CompletedOlderThanHours
		}
		if hours < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "completed_older_than_hours must not be negative", nil)
			return
		}

		completed, err := h.svc.CleanupCompletedJobs(r.Context(), hours)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}

		result := map[string]any{"completed_deleted": completed}
		if req.FailedOlderThan != "" {
			d, err := time.ParseDuration(req.FailedOlderThan)
			if err != nil || d < 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "failed_older_than must be a duration such as 720h", nil)
				return
			}
			failed, err := h.svc.CleanupFailedJobs(r.Context(), d)
			if err != nil {
				writeError(w, h.logger, err)
				return
			}
			result["failed_deleted"] = failed
		}
		response.JSON(w, result)
	}
}

func (h *JobHandler) queueParam(w http.ResponseWriter, r *http.Request) (models.QueueName, bool) {
	queue, err := models.ParseQueueName(chi.URLParam(r, "queue"))
	if err != nil {
		writeError(w, h.logger, err)
		return "", false
	}
	return queue, true
}

// payloadText turns the request payload into the stored job payload. A JSON
// string is stored as its contents so clients may send pre-encoded payloads.
func payloadText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
