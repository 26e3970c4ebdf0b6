package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/kiranshivaraju/meilisync/internal/api/middleware"
	"github.com/kiranshivaraju/meilisync/internal/api/response"
	"github.com/kiranshivaraju/meilisync/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	Logger    *slog.Logger

	HealthHandler http.HandlerFunc

	EnqueueJob     http.HandlerFunc
	GetJob         http.HandlerFunc
	GetJobStatus   http.HandlerFunc
	QueueStats     http.HandlerFunc
	ListQueueJobs  http.HandlerFunc
	ListFailedJobs http.HandlerFunc
	RetryFailedJob http.HandlerFunc
	ClearQueue     http.HandlerFunc
	Cleanup        http.HandlerFunc

	ListDataSources  http.HandlerFunc
	CreateDataSource http.HandlerFunc
	TestDataSource   http.HandlerFunc
	PreviewQuery     http.HandlerFunc
	CreateQuery      http.HandlerFunc
	IngestQuery      http.HandlerFunc

	ListIndexes http.HandlerFunc
	GetIndex    http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger(logger))
	r.Use(mw.Recovery(logger))

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeRead))

			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
			r.Get("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.GetJobStatus))
			r.Get("/api/v1/queues", orNotImplemented(deps.QueueStats))
			r.Get("/api/v1/queues/{queue}/jobs", orNotImplemented(deps.ListQueueJobs))
			r.Get("/api/v1/queues/{queue}/failed", orNotImplemented(deps.ListFailedJobs))

			r.Get("/api/v1/datasources", orNotImplemented(deps.ListDataSources))

			r.Get("/api/v1/indexes", orNotImplemented(deps.ListIndexes))
			r.Get("/api/v1/indexes/{indexUID}", orNotImplemented(deps.GetIndex))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeWrite))

			r.Post("/api/v1/jobs", orNotImplemented(deps.EnqueueJob))
			r.Post("/api/v1/failed-jobs/{failedJobID}/retry", orNotImplemented(deps.RetryFailedJob))

			r.Post("/api/v1/datasources/{dataSourceID}/test", orNotImplemented(deps.TestDataSource))
			r.Post("/api/v1/datasources/{dataSourceID}/preview", orNotImplemented(deps.PreviewQuery))
			r.Post("/api/v1/queries/{queryID}/ingest", orNotImplemented(deps.IngestQuery))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Delete("/api/v1/queues/{queue}/jobs", orNotImplemented(deps.ClearQueue))
			r.Post("/api/v1/admin/cleanup", orNotImplemented(deps.Cleanup))

			r.Post("/api/v1/datasources", orNotImplemented(deps.CreateDataSource))
			r.Post("/api/v1/datasources/{dataSourceID}/queries", orNotImplemented(deps.CreateQuery))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
