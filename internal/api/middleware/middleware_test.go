package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/kiranshivaraju/meilisync/internal/api/middleware"
	"github.com/kiranshivaraju/meilisync/pkg/models"
)

// --- Mock key store ---

type mockKeyStore struct {
	mu      sync.Mutex
	keys    []*models.APIKey
	err     error
	touched []uuid.UUID
}

func (m *mockKeyStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return m.keys, m.err
}

func (m *mockKeyStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, id)
	return nil
}

func (m *mockKeyStore) touchedIDs() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.touched...)
}

// --- Mock counter ---

type mockCounter struct {
	counter int64
	err     error
}

func (m *mockCounter) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	m.counter++
	return m.counter, m.err
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func keyWithScopes(t *testing.T, rawKey string, scopes ...string) *models.APIKey {
	t.Helper()
	return &models.APIKey{
		ID:        uuid.New(),
		KeyHash:   hashKey(t, rawKey),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    scopes,
	}
}

func bearer(rawKey string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	return req
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{}, nil)
	handler := auth.Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{}, nil)
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{}, nil)

	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, bearer("short"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key format", errBody(t, w)["message"])
}

func TestAuth_KeyNotFound(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{keys: []*models.APIKey{}}, nil)

	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, bearer("msk_test1234567890"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_LookupError(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{err: errors.New("connection reset")}, nil)

	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, bearer("msk_test1234567890"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestAuth_WrongSecret(t *testing.T) {
	rawKey := "msk_test1234567890abcdef"
	ks := &mockKeyStore{keys: []*models.APIKey{keyWithScopes(t, "msk_test_different_key_entirely", models.ScopeRead)}}
	auth := mw.NewAuth(ks, nil)

	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, bearer(rawKey))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "msk_test1234567890abcdef"
	key := keyWithScopes(t, rawKey, models.ScopeRead)
	ks := &mockKeyStore{keys: []*models.APIKey{key}}
	auth := mw.NewAuth(ks, nil)

	var gotID uuid.UUID
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, gotOK = mw.GetKeyID(r)
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	auth.Authenticate(inner).ServeHTTP(w, bearer(rawKey))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gotOK)
	assert.Equal(t, key.ID, gotID)

	assert.Eventually(t, func() bool {
		ids := ks.touchedIDs()
		return len(ids) == 1 && ids[0] == key.ID
	}, time.Second, 5*time.Millisecond)
}

func TestAuth_RequireScope(t *testing.T) {
	tests := []struct {
		name     string
		scopes   []string
		required string
		want     int
	}{
		{"exact scope", []string{models.ScopeRead}, models.ScopeRead, http.StatusOK},
		{"admin implies write", []string{models.ScopeAdmin}, models.ScopeWrite, http.StatusOK},
		{"read cannot write", []string{models.ScopeRead}, models.ScopeWrite, http.StatusForbidden},
		{"write is not admin", []string{models.ScopeRead, models.ScopeWrite}, models.ScopeAdmin, http.StatusForbidden},
		{"no scopes", nil, models.ScopeRead, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rawKey := "msk_scope1234567890abcdef"
			auth := mw.NewAuth(&mockKeyStore{keys: []*models.APIKey{keyWithScopes(t, rawKey, tt.scopes...)}}, nil)
			handler := auth.Authenticate(auth.RequireScope(tt.required)(okHandler()))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, bearer(rawKey))

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusForbidden {
				assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
			}
		})
	}
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	rl := mw.NewRateLimit(&mockCounter{}, 60)
	handler := rl.Limit(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(mw.WithKeyPrefix(req.Context(), "msk_test"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	rl := mw.NewRateLimit(&mockCounter{counter: 60}, 60) // next increment returns 61
	handler := rl.Limit(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(mw.WithKeyPrefix(req.Context(), "msk_over"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_FailsOpen(t *testing.T) {
	rl := mw.NewRateLimit(&mockCounter{counter: 500, err: errors.New("redis down")}, 60)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(mw.WithKeyPrefix(req.Context(), "msk_test"))

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_NoKeyPrefix_PassThrough(t *testing.T) {
	rl := mw.NewRateLimit(&mockCounter{}, 60)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := httptest.NewRecorder()
	mw.Recovery(slog.Default())(panicking).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_NoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	mw.Recovery(slog.Default())(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_RecordsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := chimw.RequestID(mw.Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "request", entry["msg"])
	assert.Equal(t, "/api/v1/jobs", entry["path"])
	assert.Equal(t, float64(http.StatusAccepted), entry["status"])
	assert.NotEmpty(t, entry["request_id"])
}
