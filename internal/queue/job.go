package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs across lanes. 1 is urgent, 4 is low.
type Priority int

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

// Valid reports whether p is one of the four defined lanes.
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// LaneKey returns the Redis list key backing this priority lane.
func (p Priority) LaneKey() string {
	return fmt.Sprintf("postq:jobs:lane:%d", int(p))
}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// JobRecord is the serialized envelope stored in the queue. The payload is
// opaque to the store; the factory validates it against the schema registered
// for Type.
type JobRecord struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   Priority        `json:"priority"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewJobRecord builds a record with a fresh id and zero attempts.
func NewJobRecord(jobType string, payload json.RawMessage, priority Priority, now time.Time) *JobRecord {
	return &JobRecord{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: now.UTC(),
	}
}

// RetryPolicy controls how the worker retries a failed job.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
}

// DefaultRetryPolicy is used by job types that do not override it:
// three attempts with 1m, 2m, 4m delays.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Minute}
}

// Delay returns the backoff before retry attempt n (1-indexed):
// BaseDelay * 2^(n-1). No jitter; retry timing must be exact.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * (1 << (attempt - 1))
}

// Job is the execution contract every concrete job type implements.
// Jobs must not retry internally; retry orchestration belongs to the worker.
type Job interface {
	// Execute performs the job's single side effect. The context carries the
	// execution deadline; exceeding it counts as a failure.
	Execute(ctx context.Context) error

	// RateLimitKey identifies the rate-limiter bucket for this job type.
	RateLimitKey() string

	// RetryPolicy returns the retry behavior for this job type.
	RetryPolicy() RetryPolicy

	// Timeout is the maximum execution time for a single attempt.
	Timeout() time.Duration
}
