// Package cache keeps short-lived state in Redis: mirrored job states for status
// polling, cached queue statistics and query previews, and rate-limit counters.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobState is the part of a job mirrored into Redis so status polls skip the database.
type JobState struct {
	Status    string
	Queue     string
	Attempts  int
	UpdatedAt time.Time
}

// Cache is the caching interface. Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetJobState(ctx context.Context, jobID int64, state JobState, ttl time.Duration) error
	GetJobState(ctx context.Context, jobID int64) (*JobState, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements Cache on go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get reports found=false, with no error, for a missing or expired key.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// SetJobState writes the state as one hash and refreshes its TTL atomically.
func (c *RedisCache) SetJobState(ctx context.Context, jobID int64, state JobState, ttl time.Duration) error {
	key := JobStateKey(jobID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", state.Status,
		"queue", state.Queue,
		"attempts", state.Attempts,
		"updated_at", state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// GetJobState returns found=false when nothing is mirrored for jobID.
func (c *RedisCache) GetJobState(ctx context.Context, jobID int64) (*JobState, bool, error) {
	fields, err := c.client.HGetAll(ctx, JobStateKey(jobID)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 || fields["status"] == "" {
		return nil, false, nil
	}

	state := &JobState{Status: fields["status"], Queue: fields["queue"]}
	if state.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return nil, false, fmt.Errorf("job %d state: attempts: %w", jobID, err)
	}
	if state.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, false, fmt.Errorf("job %d state: updated_at: %w", jobID, err)
	}
	return state, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
