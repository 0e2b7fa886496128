// Package store tracks per-job status records for inspection over the API.
// Status writes are best-effort observability: failures are logged by
// callers and never affect the job's path through the queue.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the lifecycle stage recorded for a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

const (
	keyPrefix = "postq:job:"

	// Status records are inspection aids, not the source of truth; they
	// expire rather than accumulate forever.
	recordTTL = 24 * time.Hour
)

// Store persists job status hashes in Redis.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

// SetStatus upserts the status hash for a job, merging any extra fields.
func (s *Store) SetStatus(ctx context.Context, jobID string, status Status, fields map[string]any) error {
	key := keyPrefix + jobID

	data := map[string]any{
		"status":     string(status),
		"updated_at": s.now().Unix(),
	}
	for k, v := range fields {
		data[k] = v
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, data)
	pipe.Expire(ctx, key, recordTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetJob returns the status hash for a job, empty if unknown or expired.
func (s *Store) GetJob(ctx context.Context, jobID string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, keyPrefix+jobID).Result()
}
