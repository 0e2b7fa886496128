package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyRetrySet   = "postq:jobs:retry"
	keyDeadLetter = "postq:jobs:dead"
	keyProcessed  = "postq:jobs:processed"

	// drainBatchSize bounds one DrainDueRetries pass so a large due backlog
	// cannot stall the poll cycle.
	drainBatchSize = 100
)

// moveDueScript atomically moves one retry entry back into its lane. ZREM
// returns 1 for exactly one caller, so a job is never duplicated even when
// two workers drain concurrently.
var moveDueScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
	redis.call("LPUSH", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// DeadLetterEntry retains a terminally failed job with its failure context.
// Append-only; never reprocessed automatically. Raw holds the original bytes
// when the envelope itself could not be decoded into a JobRecord.
type DeadLetterEntry struct {
	Job       JobRecord `json:"job"`
	Raw       string    `json:"raw,omitempty"`
	LastError string    `json:"last_error"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
}

// Stats is the observability snapshot of the store.
type Stats struct {
	Lanes       map[string]int64 `json:"lanes"`
	TotalQueued int64            `json:"total_queued"`
	RetrySet    int64            `json:"retry_set"`
	DeadLetter  int64            `json:"dead_letter"`
	Processed   int64            `json:"processed"`
}

// Store is the Redis-backed multi-queue: four priority lanes, one delayed
// retry set scored by ready time, and one append-only dead-letter list.
// All mutations are single atomic Redis operations so multiple workers can
// share the store without double-processing.
type Store struct {
	client *redis.Client
	log    *zap.Logger
	now    func() time.Time
}

// NewStore wraps an existing Redis client.
func NewStore(client *redis.Client, log *zap.Logger) *Store {
	return &Store{client: client, log: log, now: time.Now}
}

// Client exposes the underlying Redis client for components sharing the
// connection (status store, rate limiter).
func (s *Store) Client() *redis.Client { return s.client }

// Ping checks the backing store connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Enqueue appends the record to its priority lane and returns the job id.
func (s *Store) Enqueue(ctx context.Context, rec *JobRecord) (string, error) {
	if !rec.Priority.Valid() {
		return "", &ValidationError{JobType: rec.Type, Err: errors.New("priority must be between 1 and 4")}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", &ValidationError{JobType: rec.Type, Err: err}
	}
	if err := s.client.LPush(ctx, rec.Priority.LaneKey(), data).Err(); err != nil {
		return "", storeErr("enqueue", err)
	}
	return rec.ID, nil
}

// DequeueNext blocks up to timeout for the next job across lanes 1..4.
// A single BRPOP over all lane keys checks them in priority order and pops
// atomically, so a job is handed to at most one worker. Returns
// ErrQueueEmpty when nothing arrived within the timeout.
func (s *Store) DequeueNext(ctx context.Context, timeout time.Duration) (*JobRecord, error) {
	keys := []string{
		PriorityUrgent.LaneKey(),
		PriorityHigh.LaneKey(),
		PriorityNormal.LaneKey(),
		PriorityLow.LaneKey(),
	}

	res, err := s.client.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, storeErr("dequeue", err)
	}

	// BRPOP returns [key, value].
	var rec JobRecord
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		// Keep the bytes inspectable instead of silently losing them.
		s.log.Warn("dead-lettering undecodable job envelope", zap.Error(err))
		if dlErr := s.deadLetterRaw(ctx, res[1], err); dlErr != nil {
			s.log.Error("failed to retain undecodable envelope", zap.Error(dlErr))
		}
		return nil, &ValidationError{JobType: "unknown", Err: err}
	}
	return &rec, nil
}

// ScheduleRetry inserts the record into the retry set, ready at now+delay.
func (s *Store) ScheduleRetry(ctx context.Context, rec *JobRecord, delay time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &ValidationError{JobType: rec.Type, Err: err}
	}

	readyAt := s.now().Add(delay)
	err = s.client.ZAdd(ctx, keyRetrySet, redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: data,
	}).Err()
	if err != nil {
		return storeErr("schedule retry", err)
	}
	return nil
}

// DrainDueRetries moves retry entries whose ready time has passed back into
// their original priority lanes, returning the number moved. At most
// drainBatchSize entries are handled per call; the rest move on later passes.
// Each entry is moved by an atomic ZREM+LPUSH, so draining twice with no time
// elapsed moves each job exactly once.
func (s *Store) DrainDueRetries(ctx context.Context) (int, error) {
	due, err := s.client.ZRangeByScore(ctx, keyRetrySet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(s.now().Unix(), 10),
		Count: drainBatchSize,
	}).Result()
	if err != nil {
		return 0, storeErr("drain retries", err)
	}

	moved := 0
	for _, raw := range due {
		var rec JobRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || !rec.Priority.Valid() {
			// Unparseable entry can never execute; move it to the
			// dead-letter list rather than poison the retry set.
			if err == nil {
				err = fmt.Errorf("invalid priority %d", rec.Priority)
			}
			s.log.Warn("dead-lettering malformed retry entry", zap.Error(err))
			s.client.ZRem(ctx, keyRetrySet, raw)
			if dlErr := s.deadLetterRaw(ctx, raw, err); dlErr != nil {
				s.log.Error("failed to retain malformed retry entry", zap.Error(dlErr))
			}
			continue
		}

		n, err := moveDueScript.Run(ctx, s.client,
			[]string{keyRetrySet, rec.Priority.LaneKey()}, raw).Int()
		if err != nil {
			return moved, storeErr("drain retries", err)
		}
		moved += n
	}
	return moved, nil
}

// DeadLetter appends the job with its failure context. Irreversible.
func (s *Store) DeadLetter(ctx context.Context, rec *JobRecord, cause error) error {
	entry := DeadLetterEntry{
		Job:       *rec,
		LastError: cause.Error(),
		Attempts:  rec.Attempts,
		FailedAt:  s.now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return &ValidationError{JobType: rec.Type, Err: err}
	}
	if err := s.client.RPush(ctx, keyDeadLetter, data).Err(); err != nil {
		return storeErr("dead letter", err)
	}
	return nil
}

// deadLetterRaw retains bytes that could not be decoded into a JobRecord so
// they stay inspectable through DeadLetters.
func (s *Store) deadLetterRaw(ctx context.Context, raw string, cause error) error {
	entry := DeadLetterEntry{
		Raw:       raw,
		LastError: cause.Error(),
		FailedAt:  s.now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, keyDeadLetter, data).Err(); err != nil {
		return storeErr("dead letter", err)
	}
	return nil
}

// DeadLetters returns up to limit entries, oldest first, for inspection.
func (s *Store) DeadLetters(ctx context.Context, limit int64) ([]DeadLetterEntry, error) {
	raws, err := s.client.LRange(ctx, keyDeadLetter, 0, limit-1).Result()
	if err != nil {
		return nil, storeErr("dead letters", err)
	}

	entries := make([]DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.log.Warn("skipping malformed dead-letter entry", zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MarkProcessed increments the cumulative counter of successful executions.
func (s *Store) MarkProcessed(ctx context.Context) error {
	if err := s.client.Incr(ctx, keyProcessed).Err(); err != nil {
		return storeErr("mark processed", err)
	}
	return nil
}

// Stats returns counts per lane, retry set size, dead-letter size and the
// cumulative processed counter.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	pipe := s.client.Pipeline()
	laneCmds := make(map[Priority]*redis.IntCmd, 4)
	for p := PriorityUrgent; p <= PriorityLow; p++ {
		laneCmds[p] = pipe.LLen(ctx, p.LaneKey())
	}
	retryCmd := pipe.ZCard(ctx, keyRetrySet)
	deadCmd := pipe.LLen(ctx, keyDeadLetter)
	processedCmd := pipe.Get(ctx, keyProcessed)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr("stats", err)
	}

	stats := &Stats{Lanes: make(map[string]int64, 4)}
	for p, cmd := range laneCmds {
		stats.Lanes[p.String()] = cmd.Val()
		stats.TotalQueued += cmd.Val()
	}
	stats.RetrySet = retryCmd.Val()
	stats.DeadLetter = deadCmd.Val()
	if v, err := processedCmd.Int64(); err == nil {
		stats.Processed = v
	}
	return stats, nil
}
