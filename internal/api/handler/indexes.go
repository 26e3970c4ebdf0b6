package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/meilisync/internal/api/response"
	"github.com/kiranshivaraju/meilisync/internal/meili"
)

type IndexReader interface {
	ListIndexes(ctx context.Context) ([]meili.Index, error)
	GetIndex(ctx context.Context, uid string) (*meili.Index, error)
	GetIndexStats(ctx context.Context, uid string) (*meili.IndexStats, error)
}

type IndexHandler struct {
	indexes IndexReader
	logger  *slog.Logger
}

func NewIndexHandler(indexes IndexReader, logger *slog.Logger) *IndexHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexHandler{indexes: indexes, logger: logger}
}

// List handles GET /api/v1/indexes.
func (h *IndexHandler) List() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		indexes, err := h.indexes.ListIndexes(r.Context())
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		if indexes == nil {
			indexes = []meili.Index{}
		}
		response.JSON(w, indexes)
	}
}

type indexResponse struct {
	*meili.Index
	Stats *meili.IndexStats `json:"stats"`
}

// Get handles GET /api/v1/indexes/{indexUID}.
func (h *IndexHandler) Get() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := chi.URLParam(r, "indexUID")
		idx, err := h.indexes.GetIndex(r.Context(), uid)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		stats, err := h.indexes.GetIndexStats(r.Context(), uid)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.JSON(w, indexResponse{Index: idx, Stats: stats})
	}
}
