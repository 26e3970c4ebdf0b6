// Package handler implements the HTTP handlers of the meilisync API.
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/meilisync/internal/api/response"
	"github.com/kiranshivaraju/meilisync/internal/ingest"
	"github.com/kiranshivaraju/meilisync/internal/meili"
	"github.com/kiranshivaraju/meilisync/internal/queue"
	"github.com/kiranshivaraju/meilisync/internal/sqlexec"
	"github.com/kiranshivaraju/meilisync/internal/store"
	"github.com/kiranshivaraju/meilisync/pkg/models"
	"github.com/kiranshivaraju/meilisync/pkg/sqlq"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{queue.ErrInvalidPayload, http.StatusBadRequest, "INVALID_PAYLOAD", "Job payload must be valid JSON"},
	{ingest.ErrInvalidPayload, http.StatusBadRequest, "INVALID_PAYLOAD", "Job payload does not match the ingestion schema"},
	{models.ErrUnknownQueue, http.StatusBadRequest, "UNKNOWN_QUEUE", "Unknown queue"},
	{sqlq.ErrUnsupportedDriver, http.StatusBadRequest, "UNSUPPORTED_DRIVER", "Data source driver is not supported"},
	{sqlq.ErrEmptyQuery, http.StatusBadRequest, "INVALID_REQUEST", "query is required"},
	{store.ErrNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"},
	{meili.ErrIndexNotFound, http.StatusNotFound, "INDEX_NOT_FOUND", "Index not found"},
	{sqlexec.ErrNoResults, http.StatusNotFound, "NO_RESULTS", "Query returned no results"},
	{queue.ErrNotReady, http.StatusConflict, "JOB_NOT_READY", "Job is not ready to execute"},
	{models.ErrInvalidStateTransition, http.StatusConflict, "INVALID_STATE_TRANSITION", "Job is not in a state that allows this operation"},
	{queue.ErrRetryExhausted, http.StatusConflict, "RETRY_EXHAUSTED", "Failed job cannot be retried"},
	{store.ErrDuplicateKey, http.StatusConflict, "DUPLICATE", "Resource already exists"},
	{sqlexec.ErrQuery, http.StatusUnprocessableEntity, "QUERY_FAILED", "Query failed against the data source"},
	{sqlexec.ErrConnection, http.StatusBadGateway, "DATA_SOURCE_UNAVAILABLE", "Data source is not reachable"},
	{meili.ErrUnreachable, http.StatusBadGateway, "INDEXER_UNAVAILABLE", "Indexing service is not reachable"},
	{meili.ErrRequest, http.StatusBadGateway, "INDEXER_REJECTED", "Indexing service rejected the request"},
}

// writeError maps err to a status and error code. Unknown errors are logged
// and reported as 500 without details.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			var details any
			if m.status != http.StatusNotFound {
				details = map[string]string{"reason": err.Error()}
			}
			response.Error(w, m.status, m.code, m.message, details)
			return
		}
	}
	logger.Error("request failed", "error", err)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}

// pathID parses the int64 path parameter name. It writes a 400 and returns
// false when the value is not a positive integer.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

// queryInt reads an optional non-negative integer query parameter, clamped to max.
func queryInt(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	if max > 0 && n > max {
		n = max
	}
	return n, nil
}
