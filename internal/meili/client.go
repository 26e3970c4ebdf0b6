package meili

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/meilisync/pkg/models"
)

// Sentinel errors for indexing service failures.
var (
	ErrUnreachable   = errors.New("indexing service unreachable")
	ErrRequest       = errors.New("indexing service rejected request")
	ErrIndexNotFound = errors.New("index not found")
	ErrTaskFailed    = errors.New("indexing task failed")
	ErrTaskTimeout   = errors.New("indexing task did not finish in time")
)

// Task statuses reported by the indexing service.
const (
	TaskEnqueued   = "enqueued"
	TaskProcessing = "processing"
	TaskSucceeded  = "succeeded"
	TaskFailed     = "failed"
	TaskCanceled   = "canceled"
)

// Client is the interface for talking to the indexing service.
type Client interface {
	CreateIndex(ctx context.Context, uid, primaryKey string) (*TaskInfo, error)
	ListIndexes(ctx context.Context) ([]Index, error)
	GetIndex(ctx context.Context, uid string) (*Index, error)
	DeleteIndex(ctx context.Context, uid string) (*TaskInfo, error)
	GetIndexStats(ctx context.Context, uid string) (*IndexStats, error)
	GetIndexSettings(ctx context.Context, uid string) (map[string]any, error)
	AddDocuments(ctx context.Context, uid string, docs []models.Document, primaryKey string) (*TaskInfo, error)
	GetTask(ctx context.Context, taskUID int64) (*Task, error)
	WaitForTask(ctx context.Context, taskUID int64, interval, timeout time.Duration) (*Task, error)
	Health(ctx context.Context) error
}

// TaskInfo is the summary returned when a write is accepted.
type TaskInfo struct {
	TaskUID    int64     `json:"taskUid"`
	IndexUID   string    `json:"indexUid"`
	Status     string    `json:"status"`
	Type       string    `json:"type"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type Task struct {
	UID        int64      `json:"uid"`
	IndexUID   string     `json:"indexUid"`
	Status     string     `json:"status"`
	Type       string     `json:"type"`
	Error      *TaskError `json:"error,omitempty"`
	Duration   string     `json:"duration,omitempty"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
}

// Finished reports whether the task reached a terminal status.
func (t *Task) Finished() bool {
	return t.Status == TaskSucceeded || t.Status == TaskFailed || t.Status == TaskCanceled
}

type TaskError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
	Link    string `json:"link"`
}

type Index struct {
	UID        string    `json:"uid"`
	PrimaryKey string    `json:"primaryKey"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type IndexStats struct {
	NumberOfDocuments int64            `json:"numberOfDocuments"`
	IsIndexing        bool             `json:"isIndexing"`
	FieldDistribution map[string]int64 `json:"fieldDistribution"`
}

// HTTPClient implements Client using the indexing service's HTTP API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a new indexing service HTTP client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) CreateIndex(ctx context.Context, uid, primaryKey string) (*TaskInfo, error) {
	body := map[string]string{"uid": uid}
	if primaryKey != "" {
		body["primaryKey"] = primaryKey
	}
	var info TaskInfo
	if err := c.do(ctx, http.MethodPost, "/indexes", body, http.StatusAccepted, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *HTTPClient) ListIndexes(ctx context.Context) ([]Index, error) {
	var resp struct {
		Results []Index `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/indexes?limit=1000", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	if resp.Results == nil {
		return []Index{}, nil
	}
	return resp.Results, nil
}

func (c *HTTPClient) GetIndex(ctx context.Context, uid string) (*Index, error) {
	var idx Index
	if err := c.do(ctx, http.MethodGet, "/indexes/"+url.PathEscape(uid), nil, http.StatusOK, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

func (c *HTTPClient) DeleteIndex(ctx context.Context, uid string) (*TaskInfo, error) {
	var info TaskInfo
	if err := c.do(ctx, http.MethodDelete, "/indexes/"+url.PathEscape(uid), nil, http.StatusAccepted, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *HTTPClient) GetIndexStats(ctx context.Context, uid string) (*IndexStats, error) {
	var stats IndexStats
	if err := c.do(ctx, http.MethodGet, "/indexes/"+url.PathEscape(uid)+"/stats", nil, http.StatusOK, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *HTTPClient) GetIndexSettings(ctx context.Context, uid string) (map[string]any, error) {
	settings := map[string]any{}
	if err := c.do(ctx, http.MethodGet, "/indexes/"+url.PathEscape(uid)+"/settings", nil, http.StatusOK, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// AddDocuments submits docs to index uid, creating the index if needed. The returned
// task has only been accepted; use WaitForTask to learn its outcome.
func (c *HTTPClient) AddDocuments(ctx context.Context, uid string, docs []models.Document, primaryKey string) (*TaskInfo, error) {
	path := "/indexes/" + url.PathEscape(uid) + "/documents"
	if primaryKey != "" {
		path += "?" + url.Values{"primaryKey": {primaryKey}}.Encode()
	}
	if docs == nil {
		docs = []models.Document{}
	}
	var info TaskInfo
	if err := c.do(ctx, http.MethodPost, path, docs, http.StatusAccepted, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *HTTPClient) GetTask(ctx context.Context, taskUID int64) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+strconv.FormatInt(taskUID, 10), nil, http.StatusOK, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// WaitForTask polls the task every interval until it finishes, timeout elapses or
// ctx is done. A failed or canceled task is reported as ErrTaskFailed with the
// service's error message.
func (c *HTTPClient) WaitForTask(ctx context.Context, taskUID int64, interval, timeout time.Duration) (*Task, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     interval,
		RandomizationFactor: 0,
		Multiplier:          1,
		MaxInterval:         interval,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var (
		last      *Task
		permanent error
	)
	operation := func() error {
		task, err := c.GetTask(ctx, taskUID)
		if err != nil {
			if errors.Is(err, ErrUnreachable) {
				return err
			}
			permanent = err
			return backoff.Permanent(err)
		}
		last = task
		if !task.Finished() {
			return fmt.Errorf("task %d is %s", taskUID, task.Status)
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return last, fmt.Errorf("%w: task %d: %w", ErrTaskTimeout, taskUID, ctxErr)
		}
		if permanent != nil {
			if errors.Is(permanent, ErrRequest) || errors.Is(permanent, ErrIndexNotFound) {
				return last, permanent
			}
			return last, fmt.Errorf("%w: task %d: %w", ErrRequest, taskUID, permanent)
		}
		return last, fmt.Errorf("%w: task %d after %s: %v", ErrTaskTimeout, taskUID, timeout, err)
	}

	if last.Status != TaskSucceeded {
		msg := last.Status
		if last.Error != nil {
			msg = fmt.Sprintf("%s: %s (%s)", last.Status, last.Error.Message, last.Error.Code)
		}
		return last, fmt.Errorf("%w: task %d %s", ErrTaskFailed, taskUID, msg)
	}
	return last, nil
}

func (c *HTTPClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: not healthy (status %d)", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// do sends a JSON request and decodes a JSON response. Any status other than
// want is turned into a sentinel error carrying the service's message.
func (c *HTTPClient) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return statusError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

func statusError(resp *http.Response) error {
	var apiErr TaskError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &apiErr)

	detail := apiErr.Message
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && apiErr.Code == "index_not_found":
		return fmt.Errorf("%w: %s", ErrIndexNotFound, detail)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnreachable, resp.StatusCode, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRequest, resp.StatusCode, detail)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: request timed out: %w", ErrUnreachable, err)
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
