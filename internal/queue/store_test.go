package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, zap.NewNop()), mr
}

func mustEnqueue(t *testing.T, s *Store, jobType string, priority Priority) *JobRecord {
	t.Helper()
	rec := NewJobRecord(jobType, json.RawMessage(`{"content":"hi"}`), priority, time.Now())
	_, err := s.Enqueue(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func TestStore_Enqueue_RejectsInvalidPriority(t *testing.T) {
	s, _ := newTestStore(t)

	rec := NewJobRecord("post", json.RawMessage(`{}`), Priority(5), time.Now())
	_, err := s.Enqueue(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestStore_DequeueNext_StrictPriorityOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Enqueue A (priority 2), B (priority 1), C (priority 2) in that order.
	a := mustEnqueue(t, s, "post", PriorityHigh)
	b := mustEnqueue(t, s, "post", PriorityUrgent)
	c := mustEnqueue(t, s, "post", PriorityHigh)

	var got []string
	for i := 0; i < 3; i++ {
		rec, err := s.DequeueNext(ctx, time.Second)
		require.NoError(t, err)
		got = append(got, rec.ID)
	}

	assert.Equal(t, []string{b.ID, a.ID, c.ID}, got)
}

func TestStore_DequeueNext_LaneFIFO(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := mustEnqueue(t, s, "post", PriorityNormal)
	second := mustEnqueue(t, s, "post", PriorityNormal)
	third := mustEnqueue(t, s, "post", PriorityNormal)

	for _, want := range []string{first.ID, second.ID, third.ID} {
		rec, err := s.DequeueNext(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, rec.ID)
	}
}

func TestStore_DequeueNext_EmptyTimesOut(t *testing.T) {
	s, _ := newTestStore(t)

	rec, err := s.DequeueNext(context.Background(), time.Second)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestStore_ScheduleRetry_DrainDueRetries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	rec := NewJobRecord("post", json.RawMessage(`{"content":"hi"}`), PriorityHigh, clock)
	rec.Attempts = 1
	require.NoError(t, s.ScheduleRetry(ctx, rec, time.Minute))

	// Not due yet.
	moved, err := s.DrainDueRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	clock = clock.Add(61 * time.Second)
	moved, err = s.DrainDueRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	// Back in its original lane with attempts intact.
	got, err := s.DequeueNext(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.Equal(t, 1, got.Attempts)
}

func TestStore_DrainDueRetries_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	rec := NewJobRecord("post", json.RawMessage(`{"content":"hi"}`), PriorityNormal, clock)
	require.NoError(t, s.ScheduleRetry(ctx, rec, 0))

	moved, err := s.DrainDueRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	// Draining again with no time elapsed must not duplicate the job.
	moved, err = s.DrainDueRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalQueued)
	assert.Zero(t, stats.RetrySet)
}

func TestStore_DrainDueRetries_DeadLettersMalformedEntries(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.ZAdd(keyRetrySet, 1, "not json")

	moved, err := s.DrainDueRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.False(t, mr.Exists(keyRetrySet))

	// The raw bytes stay inspectable on the dead-letter list.
	entries, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "not json", entries[0].Raw)
}

func TestStore_DrainDueRetries_BatchBound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	for i := 0; i < drainBatchSize+3; i++ {
		rec := NewJobRecord("post", json.RawMessage(`{}`), PriorityNormal, clock)
		require.NoError(t, s.ScheduleRetry(ctx, rec, 0))
	}

	// One pass moves at most a batch; the remainder follows on the next.
	moved, err := s.DrainDueRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, drainBatchSize, moved)

	moved, err = s.DrainDueRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, moved)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(drainBatchSize+3), stats.TotalQueued)
	assert.Zero(t, stats.RetrySet)
}

func TestStore_DequeueNext_DeadLettersUndecodableEnvelope(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := mr.Lpush(PriorityHigh.LaneKey(), "{{{")
	require.NoError(t, err)

	rec, err := s.DequeueNext(ctx, time.Second)
	assert.Nil(t, rec)
	assert.True(t, IsValidation(err))

	entries, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "{{{", entries[0].Raw)
}

func TestStore_DeadLetter_AppendsWithFailureContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	rec := NewJobRecord("post", json.RawMessage(`{"content":"hi"}`), PriorityLow, clock)
	rec.Attempts = 3
	require.NoError(t, s.DeadLetter(ctx, rec, errors.New("delivery exploded")))

	entries, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, rec.ID, entries[0].Job.ID)
	assert.Equal(t, "delivery exploded", entries[0].LastError)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.True(t, clock.Equal(entries[0].FailedAt))
}

func TestStore_DeadLetters_OldestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := NewJobRecord("post", json.RawMessage(`{}`), PriorityLow, time.Now())
	second := NewJobRecord("post", json.RawMessage(`{}`), PriorityLow, time.Now())
	require.NoError(t, s.DeadLetter(ctx, first, errors.New("one")))
	require.NoError(t, s.DeadLetter(ctx, second, errors.New("two")))

	entries, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].Job.ID)
	assert.Equal(t, second.ID, entries[1].Job.ID)
}

func TestStore_Stats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, "post", PriorityUrgent)
	mustEnqueue(t, s, "post", PriorityNormal)
	mustEnqueue(t, s, "post", PriorityNormal)

	retry := NewJobRecord("post", json.RawMessage(`{}`), PriorityHigh, time.Now())
	require.NoError(t, s.ScheduleRetry(ctx, retry, time.Hour))

	dead := NewJobRecord("post", json.RawMessage(`{}`), PriorityLow, time.Now())
	require.NoError(t, s.DeadLetter(ctx, dead, errors.New("nope")))

	require.NoError(t, s.MarkProcessed(ctx))
	require.NoError(t, s.MarkProcessed(ctx))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Lanes["urgent"])
	assert.Equal(t, int64(2), stats.Lanes["normal"])
	assert.Equal(t, int64(3), stats.TotalQueued)
	assert.Equal(t, int64(1), stats.RetrySet)
	assert.Equal(t, int64(1), stats.DeadLetter)
	assert.Equal(t, int64(2), stats.Processed)
}

func TestStore_StoreUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Enqueue(context.Background(), NewJobRecord("post", json.RawMessage(`{}`), PriorityNormal, time.Now()))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
