package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/kiranshivaraju/meilisync/internal/api/middleware"
	"github.com/kiranshivaraju/meilisync/internal/api/response"
	"github.com/kiranshivaraju/meilisync/pkg/models"
)

const rawKeyPrefix = "msk_"

type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type KeyHandler struct {
	keys   KeyStore
	logger *slog.Logger
}

func NewKeyHandler(keys KeyStore, logger *slog.Logger) *KeyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyHandler{keys: keys, logger: logger}
}

// GenerateKey returns a new raw API key and its bcrypt hash.
func GenerateKey() (raw, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = rawKeyPrefix + hex.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return raw, string(h), nil
}

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type createKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// Create handles POST /api/v1/admin/keys. The raw key is only returned here.
func (h *KeyHandler) Create() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{models.ScopeRead}
		}
		for _, s := range req.Scopes {
			if s != models.ScopeRead && s != models.ScopeWrite && s != models.ScopeAdmin {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "scopes must be read, write or admin", nil)
				return
			}
		}

		raw, hash, err := GenerateKey()
		if err != nil {
			writeError(w, h.logger, err)
			return
		}

		key := &models.APIKey{
			ID:        uuid.New(),
			Name:      req.Name,
			KeyHash:   hash,
			KeyPrefix: raw[:mw.KeyPrefixLen],
			Scopes:    req.Scopes,
		}
		if err := h.keys.CreateAPIKey(r.Context(), key); err != nil {
			writeError(w, h.logger, err)
			return
		}
		h.logger.Info("api key created", "key_id", key.ID, "name", key.Name, "scopes", key.Scopes)
		response.Created(w, createKeyResponse{APIKey: key, Key: raw})
	}
}

// List handles GET /api/v1/admin/keys.
func (h *KeyHandler) List() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := h.keys.ListAPIKeys(r.Context())
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// Revoke handles DELETE /api/v1/admin/keys/{keyID}.
func (h *KeyHandler) Revoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a UUID", nil)
			return
		}
		if self, ok := mw.GetKeyID(r); ok && self == id {
			response.Error(w, http.StatusConflict, "INVALID_REQUEST", "A key cannot revoke itself", nil)
			return
		}
		if err := h.keys.RevokeAPIKey(r.Context(), id); err != nil {
			writeError(w, h.logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
