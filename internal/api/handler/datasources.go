package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/meilisync/internal/api/response"
	"github.com/kiranshivaraju/meilisync/internal/cache"
	"github.com/kiranshivaraju/meilisync/internal/ingest"
	"github.com/kiranshivaraju/meilisync/pkg/models"
)

const (
	defaultPreviewLimit = 10
	maxPreviewLimit     = 100
	previewTTL          = time.Minute
)

type Catalog interface {
	GetDataSource(ctx context.Context, id int64) (*models.DataSource, error)
	ListDataSources(ctx context.Context) ([]*models.DataSource, error)
	CreateDataSource(ctx context.Context, ds *models.DataSource) error
	GetIndexDataQuery(ctx context.Context, id int64) (*models.IndexDataQuery, error)
	CreateIndexDataQuery(ctx context.Context, q *models.IndexDataQuery) error
}

type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, ds *models.DataSource, query string, limit int) ([]models.Document, error)
	TestConnection(ctx context.Context, ds *models.DataSource) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) (*models.Job, error)
}

// PreviewCache stores rendered previews. It may be nil.
type PreviewCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type DataSourceHandler struct {
	catalog  Catalog
	executor QueryExecutor
	jobs     Enqueuer
	cache    PreviewCache
	logger   *slog.Logger
}

func NewDataSourceHandler(catalog Catalog, executor QueryExecutor, jobs Enqueuer, pc PreviewCache, logger *slog.Logger) *DataSourceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataSourceHandler{catalog: catalog, executor: executor, jobs: jobs, cache: pc, logger: logger}
}

// List handles GET /api/v1/datasources.
func (h *DataSourceHandler) List() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := h.catalog.ListDataSources(r.Context())
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.JSON(w, sources)
	}
}

type createDataSourceRequest struct {
	Name         string `json:"name"`
	Driver       string `json:"driver"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	DatabaseName string `json:"database_name"`
	DatabasePath string `json:"database_path"`
}

func (req createDataSourceRequest) validate() map[string]string {
	problems := map[string]string{}
	if strings.TrimSpace(req.Name) == "" {
		problems["name"] = "name is required"
	}
	switch req.Driver {
	case models.DriverPostgres:
		if req.Host == "" {
			problems["host"] = "host is required for postgres"
		}
		if req.DatabaseName == "" {
			problems["database_name"] = "database_name is required for postgres"
		}
		if req.Port < 0 || req.Port > 65535 {
			problems["port"] = "port must be between 0 and 65535"
		}
	case models.DriverSQLite:
		if req.DatabasePath == "" {
			problems["database_path"] = "database_path is required for sqlite"
		}
	default:
		problems["driver"] = "driver must be postgres or sqlite"
	}
	return problems
}

// Create handles POST /api/v1/datasources.
func (h *DataSourceHandler) Create() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createDataSourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if problems := req.validate(); len(problems) > 0 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid data source", problems)
			return
		}

		ds := &models.DataSource{
			Name:         strings.TrimSpace(req.Name),
			Driver:       req.Driver,
			Host:         req.Host,
			Port:         req.Port,
			Username:     req.Username,
			Password:     req.Password,
			DatabaseName: req.DatabaseName,
			DatabasePath: req.DatabasePath,
		}
		if err := h.catalog.CreateDataSource(r.Context(), ds); err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.Created(w, ds)
	}
}

// Test handles POST /api/v1/datasources/{dataSourceID}/test.
func (h *DataSourceHandler) Test() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds, ok := h.dataSource(w, r)
		if !ok {
			return
		}

		start := time.Now()
		connected, err := h.executor.TestConnection(r.Context(), ds)
		result := map[string]any{
			"data_source_id": ds.ID,
			"connected":      connected && err == nil,
			"latency_ms":     time.Since(start).Milliseconds(),
		}
		if err != nil {
			h.logger.Warn("data source test failed", "data_source_id", ds.ID, "error", err)
			result["error"] = err.Error()
		}
		response.JSON(w, result)
	}
}

type previewRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type previewResponse struct {
	DataSourceID int64             `json:"data_source_id"`
	Documents    []models.Document `json:"documents"`
	Count        int               `json:"count"`
	Cached       bool              `json:"cached"`
}

// Preview handles POST /api/v1/datasources/{dataSourceID}/preview. It runs the
// query with a small limit and caches the rendered documents briefly.
func (h *DataSourceHandler) Preview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds, ok := h.dataSource(w, r)
		if !ok {
			return
		}

		var req previewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "query is required", nil)
			return
		}
		limit := req.Limit
		if limit <= 0 {
			limit = defaultPreviewLimit
		}
		if limit > maxPreviewLimit {
			limit = maxPreviewLimit
		}

		key := cache.PreviewKey(ds.ID, previewHash(req.Query, limit))
		if cached, ok := h.cachedPreview(r.Context(), key); ok {
			cached.Cached = true
			response.JSON(w, cached)
			return
		}

		docs, err := h.executor.ExecuteQuery(r.Context(), ds, req.Query, limit)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}

		out := previewResponse{DataSourceID: ds.ID, Documents: docs, Count: len(docs)}
		if h.cache != nil {
			if raw, err := json.Marshal(out); err == nil {
				_ = h.cache.Set(r.Context(), key, raw, previewTTL)
			}
		}
		response.JSON(w, out)
	}
}

type createQueryRequest struct {
	IndexUID   string `json:"index_uid"`
	Query      string `json:"query"`
	PrimaryKey string `json:"primary_key"`
}

// CreateQuery handles POST /api/v1/datasources/{dataSourceID}/queries.
func (h *DataSourceHandler) CreateQuery() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds, ok := h.dataSource(w, r)
		if !ok {
			return
		}

		var req createQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		// Validate through the same schema ingestion jobs use.
		if _, err := (ingest.Payload{
			DataSourceID: ds.ID,
			IndexUID:     req.IndexUID,
			Query:        req.Query,
			PrimaryKey:   req.PrimaryKey,
		}).Encode(); err != nil {
			writeError(w, h.logger, err)
			return
		}

		q := &models.IndexDataQuery{
			DataSourceID: ds.ID,
			IndexUID:     req.IndexUID,
			Query:        req.Query,
			PrimaryKey:   req.PrimaryKey,
		}
		if err := h.catalog.CreateIndexDataQuery(r.Context(), q); err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.Created(w, q)
	}
}

// IngestQuery handles POST /api/v1/queries/{queryID}/ingest by enqueueing an
// ingestion job for the saved query.
func (h *DataSourceHandler) IngestQuery() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "queryID")
		if !ok {
			return
		}
		if _, err := h.catalog.GetIndexDataQuery(r.Context(), id); err != nil {
			writeError(w, h.logger, err)
			return
		}

		payload, err := ingest.Payload{QueryID: id}.Encode()
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		job, err := h.jobs.Enqueue(r.Context(), models.NewJob(models.QueueIndexDocuments, payload))
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.Accepted(w, job)
	}
}

func (h *DataSourceHandler) dataSource(w http.ResponseWriter, r *http.Request) (*models.DataSource, bool) {
	id, ok := pathID(w, r, "dataSourceID")
	if !ok {
		return nil, false
	}
	ds, err := h.catalog.GetDataSource(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return nil, false
	}
	return ds, true
}

func (h *DataSourceHandler) cachedPreview(ctx context.Context, key string) (*previewResponse, bool) {
	if h.cache == nil {
		return nil, false
	}
	raw, ok, err := h.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var out previewResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return &out, true
}

func previewHash(query string, limit int) string {
	sum := sha256.Sum256([]byte(strconv.Itoa(limit) + "\x00" + strings.TrimSpace(query)))
	return hex.EncodeToString(sum[:16])
}
