package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyRateLimitPrefix = "postq:ratelimit:"

// Limits are the three independent ceilings enforced per job type.
type Limits struct {
	PerDay      int           `json:"per_day"`
	PerHour     int           `json:"per_hour"`
	MinInterval time.Duration `json:"min_interval"`
}

// ConservativeLimits gate job types nobody configured explicitly.
func ConservativeLimits() Limits {
	return Limits{PerDay: 10, PerHour: 1, MinInterval: time.Hour}
}

// Snapshot is the per-type limiter view exposed for monitoring.
type Snapshot struct {
	Key           string        `json:"key"`
	DailyCount    int64         `json:"daily_count"`
	DailyLimit    int           `json:"daily_limit"`
	HourlyCount   int64         `json:"hourly_count"`
	HourlyLimit   int           `json:"hourly_limit"`
	MinInterval   time.Duration `json:"min_interval"`
	LastExecution *time.Time    `json:"last_execution,omitempty"`
	CanExecute    bool          `json:"can_execute"`
}

// recordScript resets any expired window, then increments both counters and
// stamps the execution, all in one atomic step so concurrent workers cannot
// race a window boundary. ARGV: now, next daily reset, next hourly reset
// (all unix seconds, computed by the caller from the injected clock).
var recordScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local dreset = tonumber(redis.call("HGET", KEYS[1], "daily_reset_at") or "0")
if dreset == 0 or now >= dreset then
	redis.call("HSET", KEYS[1], "daily_count", 0, "daily_reset_at", ARGV[2])
end
local hreset = tonumber(redis.call("HGET", KEYS[1], "hourly_reset_at") or "0")
if hreset == 0 or now >= hreset then
	redis.call("HSET", KEYS[1], "hourly_count", 0, "hourly_reset_at", ARGV[3])
end
redis.call("HINCRBY", KEYS[1], "daily_count", 1)
redis.call("HINCRBY", KEYS[1], "hourly_count", 1)
redis.call("HSET", KEYS[1], "last_execution_at", ARGV[1])
return 1
`)

// RateLimiter enforces per-job-type execution ceilings: a daily maximum
// resetting at UTC midnight, an hourly maximum resetting on the hour, and a
// minimum interval between executions. Counter state lives in Redis so all
// worker instances share one view of global throughput. Window resets are
// lazy: evaluated against the clock on every read and write, never by a
// background timer.
type RateLimiter struct {
	client *redis.Client
	log    *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	limits map[string]Limits
}

// NewRateLimiter wraps a Redis client with no limits registered.
func NewRateLimiter(client *redis.Client, log *zap.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		log:    log,
		now:    time.Now,
		limits: make(map[string]Limits),
	}
}

// SetLimits registers (or replaces) the ceilings for a job type.
func (l *RateLimiter) SetLimits(key string, lim Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[key] = lim
}

func (l *RateLimiter) limitsFor(key string) Limits {
	l.mu.RLock()
	lim, ok := l.limits[key]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.limits[key]; ok {
		return lim
	}
	lim = ConservativeLimits()
	l.limits[key] = lim
	l.log.Info("registered conservative rate limits for unconfigured job type",
		zap.String("key", key))
	return lim
}

// Keys returns every job type with registered limits.
func (l *RateLimiter) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.limits))
	for k := range l.limits {
		keys = append(keys, k)
	}
	return keys
}

type limiterState struct {
	dailyCount    int64
	dailyResetAt  int64
	hourlyCount   int64
	hourlyResetAt int64
	lastExecution int64
}

func (l *RateLimiter) load(ctx context.Context, key string) (limiterState, error) {
	fields, err := l.client.HGetAll(ctx, keyRateLimitPrefix+key).Result()
	if err != nil {
		return limiterState{}, storeErr("rate limit read", err)
	}

	parse := func(name string) int64 {
		v, _ := strconv.ParseInt(fields[name], 10, 64)
		return v
	}
	st := limiterState{
		dailyCount:    parse("daily_count"),
		dailyResetAt:  parse("daily_reset_at"),
		hourlyCount:   parse("hourly_count"),
		hourlyResetAt: parse("hourly_reset_at"),
		lastExecution: parse("last_execution_at"),
	}

	// Lazy reset, computed only: expired windows read as zero. Nothing is
	// written here, so failed attempts never consume budget.
	now := l.now().Unix()
	if st.dailyResetAt != 0 && now >= st.dailyResetAt {
		st.dailyCount = 0
	}
	if st.hourlyResetAt != 0 && now >= st.hourlyResetAt {
		st.hourlyCount = 0
	}
	return st, nil
}

// CanExecute reports whether the job type is within all three ceilings.
// Pure read: it never mutates limiter state.
func (l *RateLimiter) CanExecute(ctx context.Context, key string) (bool, error) {
	lim := l.limitsFor(key)
	st, err := l.load(ctx, key)
	if err != nil {
		return false, err
	}

	if lim.PerDay > 0 && st.dailyCount >= int64(lim.PerDay) {
		return false, nil
	}
	if lim.PerHour > 0 && st.hourlyCount >= int64(lim.PerHour) {
		return false, nil
	}
	if lim.MinInterval > 0 && st.lastExecution > 0 {
		since := l.now().Sub(time.Unix(st.lastExecution, 0))
		if since < lim.MinInterval {
			return false, nil
		}
	}
	return true, nil
}

// RecordExecution counts one confirmed successful execution. Called by the
// worker only after Execute succeeded.
func (l *RateLimiter) RecordExecution(ctx context.Context, key string) error {
	now := l.now().UTC()
	err := recordScript.Run(ctx, l.client,
		[]string{keyRateLimitPrefix + key},
		now.Unix(),
		nextUTCMidnight(now).Unix(),
		nextHourBoundary(now).Unix(),
	).Err()
	if err != nil {
		return storeErr("rate limit record", err)
	}
	return nil
}

// Snapshot returns the current limiter view for one job type.
func (l *RateLimiter) Snapshot(ctx context.Context, key string) (*Snapshot, error) {
	lim := l.limitsFor(key)
	st, err := l.load(ctx, key)
	if err != nil {
		return nil, err
	}
	ok, err := l.CanExecute(ctx, key)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Key:         key,
		DailyCount:  st.dailyCount,
		DailyLimit:  lim.PerDay,
		HourlyCount: st.hourlyCount,
		HourlyLimit: lim.PerHour,
		MinInterval: lim.MinInterval,
		CanExecute:  ok,
	}
	if st.lastExecution > 0 {
		t := time.Unix(st.lastExecution, 0).UTC()
		snap.LastExecution = &t
	}
	return snap, nil
}

// Snapshots returns limiter views for every registered job type.
func (l *RateLimiter) Snapshots(ctx context.Context) ([]Snapshot, error) {
	snaps := make([]Snapshot, 0)
	for _, key := range l.Keys() {
		s, err := l.Snapshot(ctx, key)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *s)
	}
	return snaps, nil
}

func nextUTCMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func nextHourBoundary(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}
