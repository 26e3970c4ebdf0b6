package queue_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/meilisync/internal/cache"
	"github.com/kiranshivaraju/meilisync/internal/store"
	"github.com/kiranshivaraju/meilisync/pkg/models"
)

// ─── in-memory repositories ──────────────────────────────────────────────────

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	jobs      map[int64]*models.Job
	reserved  map[int64]string
	failed    map[int64]*models.FailedJob
	createErr error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     map[int64]*models.Job{},
		reserved: map[int64]string{},
		failed:   map[int64]*models.FailedJob{},
	}
}

func (m *memStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.nextID++
	job.ID = m.nextID
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, id int64) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) UpdateJob(_ context.Context, job *models.Job, from models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("%w: job %d is %s", store.ErrStatusConflict, job.ID, cur.Status)
	}
	cp := *job
	m.jobs[job.ID] = &cp
	delete(m.reserved, job.ID)
	return nil
}

func (m *memStore) DeleteJob(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memStore) GetNextPendingJob(ctx context.Context, queue models.QueueName, workerID string) (*models.Job, error) {
	jobs, err := m.GetReadyJobs(ctx, queue, 1, workerID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, store.ErrNoReadyJob
	}
	return jobs[0], nil
}

func (m *memStore) GetReadyJobs(_ context.Context, queue models.QueueName, limit int, workerID string) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var ready []*models.Job
	for id, j := range m.jobs {
		if j.QueueName != queue || !j.IsReadyAt(now) {
			continue
		}
		if _, taken := m.reserved[id]; taken {
			continue
		}
		ready = append(ready, j)
	}
	sort.Slice(ready, func(i, k int) bool { return ready[i].ID < ready[k].ID })
	if len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]*models.Job, 0, len(ready))
	for _, j := range ready {
		m.reserved[j.ID] = workerID
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ReleaseJob(_ context.Context, id int64, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if ok && j.Status == models.JobStatusPending && m.reserved[id] == workerID {
		delete(m.reserved, id)
	}
	return nil
}

func (m *memStore) GetStaleRunningJobs(_ context.Context, queue models.QueueName, startedBefore time.Time) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Job{}
	for _, j := range m.sorted() {
		if j.QueueName == queue && j.Status == models.JobStatusRunning &&
			j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) FindJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Job{}
	for _, j := range m.sorted() {
		if j.QueueName != filter.Queue {
			continue
		}
		if filter.Status != nil && j.Status != *filter.Status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) CountJobsByStatus(_ context.Context, queue models.QueueName, status models.JobStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.QueueName == queue && j.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetRetryJobs(_ context.Context, queue models.QueueName) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Job{}
	for _, j := range m.sorted() {
		if j.QueueName == queue && j.CanRetry() {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) GetQueueStats(_ context.Context) ([]models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make([]models.QueueStats, 0)
	for _, q := range models.AllQueues() {
		st := models.QueueStats{QueueName: q}
		present := false
		for _, j := range m.jobs {
			if j.QueueName != q {
				continue
			}
			present = true
			switch j.Status {
			case models.JobStatusPending:
				st.Pending++
			case models.JobStatusRunning:
				st.Running++
			case models.JobStatusCompleted:
				st.Completed++
			case models.JobStatusFailed:
				st.Failed++
			}
		}
		if present {
			stats = append(stats, st)
		}
	}
	return stats, nil
}

func (m *memStore) CleanupCompletedJobs(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.Status == models.JobStatusCompleted && j.FinishedAt != nil && j.FinishedAt.Before(olderThan) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteJobsByQueue(_ context.Context, queue models.QueueName) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.QueueName == queue {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeadLetterJob(_ context.Context, job *models.Job, from models.JobStatus, failed *models.FailedJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("%w: job %d is %s", store.ErrStatusConflict, job.ID, cur.Status)
	}
	delete(m.jobs, job.ID)
	m.nextID++
	failed.ID = m.nextID
	cp := *failed
	m.failed[failed.ID] = &cp
	return nil
}

func (m *memStore) ReviveFailedJob(_ context.Context, failedID int64, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.failed[failedID]; !ok {
		return store.ErrNotFound
	}
	delete(m.failed, failedID)
	m.nextID++
	job.ID = m.nextID
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) CreateFailedJob(_ context.Context, f *models.FailedJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	f.ID = m.nextID
	cp := *f
	m.failed[f.ID] = &cp
	return nil
}

func (m *memStore) GetFailedJob(_ context.Context, id int64) (*models.FailedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failed[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *memStore) DeleteFailedJob(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.failed[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.failed, id)
	return nil
}

func (m *memStore) FindFailedJobsByQueue(_ context.Context, queue models.QueueName, _ int) ([]*models.FailedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.FailedJob{}
	for _, f := range m.failed {
		if f.QueueName == queue {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) CleanupOldFailedJobs(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, f := range m.failed {
		if f.FailedAt.Before(olderThan) {
			delete(m.failed, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) sorted() []*models.Job {
	out := make([]*models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// ─── mock cache ──────────────────────────────────────────────────────────────

type mockCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	states map[int64]cache.JobState
	gets   int
	setErr error
}

func newMockCache() *mockCache {
	return &mockCache{data: map[string][]byte{}, states: map[int64]cache.JobState{}}
}

func (c *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.data[key] = value
	return nil
}

func (c *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mockCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *mockCache) Ping(_ context.Context) error { return nil }

func (c *mockCache) SetJobState(_ context.Context, jobID int64, state cache.JobState, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.states[jobID] = state
	return nil
}

func (c *mockCache) GetJobState(_ context.Context, jobID int64) (*cache.JobState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	st, ok := c.states[jobID]
	if !ok {
		return nil, false, nil
	}
	return &st, true, nil
}

func (c *mockCache) status(jobID int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[jobID].Status
}

func (c *mockCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

var (
	_ cache.Cache               = (*mockCache)(nil)
	_ store.JobRepository       = (*memStore)(nil)
	_ store.FailedJobRepository = (*memStore)(nil)
)
