package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"post-queue/internal/metrics"
	"post-queue/internal/store"
)

// WorkerConfig tunes the poll cycle.
type WorkerConfig struct {
	// Count is the number of concurrent poll loops.
	Count int
	// DequeueTimeout bounds the blocking wait for the next job.
	DequeueTimeout time.Duration
	// IdleSleep is the pause when no job is available, and after a
	// rate-limited requeue so a lone gated job cannot spin the loop hot.
	IdleSleep time.Duration
	// StoreBackoff is the pause after a store-level failure.
	StoreBackoff time.Duration
	// MaxExecTimeout caps the per-attempt execution deadline regardless of
	// what the job declares.
	MaxExecTimeout time.Duration
}

// DefaultWorkerConfig returns the production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Count:          3,
		DequeueTimeout: 5 * time.Second,
		IdleSleep:      2 * time.Second,
		StoreBackoff:   5 * time.Second,
		MaxExecTimeout: 30 * time.Second,
	}
}

// Worker runs the poll cycle: drain due retries, select the next job in
// priority order, build it, gate it through the rate limiter, execute with a
// bounded timeout, and route the outcome back into the store. It is the sole
// mutator of a record's attempt count and the sole caller of
// RecordExecution. No job failure terminates the loop.
type Worker struct {
	cfg     WorkerConfig
	store   *Store
	status  *store.Store
	factory *Factory
	limiter *RateLimiter
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewWorker wires the worker's collaborators.
func NewWorker(cfg WorkerConfig, st *Store, status *store.Store, factory *Factory, limiter *RateLimiter, m *metrics.Metrics, log *zap.Logger) *Worker {
	return &Worker{
		cfg:     cfg,
		store:   st,
		status:  status,
		factory: factory,
		limiter: limiter,
		metrics: m,
		log:     log,
	}
}

// Run starts cfg.Count poll loops and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log := w.log.With(zap.Int("worker", id))
			log.Info("worker loop started")
			for ctx.Err() == nil {
				w.cycle(ctx)
			}
			log.Info("worker loop stopped")
		}(i)
	}
	wg.Wait()
}

// cycle is one pass of the poll state machine.
func (w *Worker) cycle(ctx context.Context) {
	if _, err := w.store.DrainDueRetries(ctx); err != nil {
		w.log.Error("drain retries failed", zap.Error(err))
		w.pause(ctx, w.cfg.StoreBackoff)
		return
	}

	rec, err := w.store.DequeueNext(ctx, w.cfg.DequeueTimeout)
	switch {
	case errors.Is(err, ErrQueueEmpty):
		w.pause(ctx, w.cfg.IdleSleep)
		return
	case IsValidation(err):
		// Unparseable envelope: the store already retained the raw bytes
		// on the dead-letter list.
		w.log.Warn("undecodable job envelope dead-lettered", zap.Error(err))
		return
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		w.log.Error("dequeue failed", zap.Error(err))
		w.pause(ctx, w.cfg.StoreBackoff)
		return
	}

	w.process(ctx, rec)
}

func (w *Worker) process(ctx context.Context, rec *JobRecord) {
	log := w.log.With(
		zap.String("job_id", rec.ID),
		zap.String("job_type", rec.Type),
		zap.Int("attempts", rec.Attempts),
	)

	job, err := w.factory.Create(rec.Type, rec.Payload)
	if err != nil {
		// Structurally invalid payloads can never succeed; dead-letter
		// without consuming a retry attempt.
		log.Warn("job failed validation", zap.Error(err))
		w.metrics.JobsProcessed.WithLabelValues(rec.Type, metrics.OutcomeInvalid).Inc()
		w.deadLetter(ctx, rec, err, log)
		return
	}

	ok, err := w.limiter.CanExecute(ctx, job.RateLimitKey())
	if err != nil {
		log.Error("rate limit check failed", zap.Error(err))
		w.requeue(ctx, rec, log)
		w.pause(ctx, w.cfg.StoreBackoff)
		return
	}
	if !ok {
		// Rate limiting is not a failure: back of the original lane,
		// attempt count untouched.
		log.Debug("rate limited, requeueing", zap.String("key", job.RateLimitKey()))
		w.metrics.JobsProcessed.WithLabelValues(rec.Type, metrics.OutcomeRateLimited).Inc()
		w.requeue(ctx, rec, log)
		w.pause(ctx, w.cfg.IdleSleep)
		return
	}

	w.setStatus(ctx, rec.ID, store.StatusProcessing, map[string]any{
		"attempts": rec.Attempts,
	}, log)

	timeout := job.Timeout()
	if timeout <= 0 || timeout > w.cfg.MaxExecTimeout {
		timeout = w.cfg.MaxExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	execErr := job.Execute(execCtx)
	cancel()
	w.metrics.JobDuration.WithLabelValues(rec.Type).Observe(time.Since(start).Seconds())

	if execErr == nil {
		if err := w.limiter.RecordExecution(ctx, job.RateLimitKey()); err != nil {
			// The execution already happened; an uncounted window is the
			// lesser harm. Next CanExecute will still see prior counts.
			log.Warn("failed to record execution", zap.Error(err))
		}
		if err := w.store.MarkProcessed(ctx); err != nil {
			log.Warn("failed to bump processed counter", zap.Error(err))
		}
		w.metrics.JobsProcessed.WithLabelValues(rec.Type, metrics.OutcomeSucceeded).Inc()
		w.setStatus(ctx, rec.ID, store.StatusSucceeded, map[string]any{
			"finished_at": time.Now().Unix(),
		}, log)
		log.Info("job succeeded")
		return
	}

	if IsPermanent(execErr) {
		log.Warn("permanent delivery failure", zap.Error(execErr))
		w.deadLetter(ctx, rec, execErr, log)
		return
	}

	policy := job.RetryPolicy()

	// The pre-failure attempt count decides, so a policy of MaxRetries grants
	// exactly that many retries before the job dead-letters.
	if rec.Attempts < policy.MaxRetries {
		rec.Attempts++
		rec.LastError = execErr.Error()
		delay := policy.Delay(rec.Attempts)
		if err := w.store.ScheduleRetry(ctx, rec, delay); err != nil {
			log.Error("failed to schedule retry", zap.Error(err))
			w.requeue(ctx, rec, log)
			return
		}
		w.metrics.JobsProcessed.WithLabelValues(rec.Type, metrics.OutcomeRetried).Inc()
		w.setStatus(ctx, rec.ID, store.StatusRetrying, map[string]any{
			"attempts":   rec.Attempts,
			"last_error": rec.LastError,
		}, log)
		log.Warn("job failed, retry scheduled",
			zap.Error(execErr),
			zap.Duration("delay", delay),
		)
		return
	}

	log.Error("job exhausted retries", zap.Error(execErr))
	w.deadLetter(ctx, rec, execErr, log)
}

func (w *Worker) deadLetter(ctx context.Context, rec *JobRecord, cause error, log *zap.Logger) {
	if err := w.store.DeadLetter(ctx, rec, cause); err != nil {
		log.Error("dead-letter write failed, job lost", zap.Error(err))
		return
	}
	w.metrics.JobsProcessed.WithLabelValues(rec.Type, metrics.OutcomeDeadLettered).Inc()
	w.setStatus(ctx, rec.ID, store.StatusFailed, map[string]any{
		"attempts":    rec.Attempts,
		"last_error":  cause.Error(),
		"finished_at": time.Now().Unix(),
	}, log)
}

func (w *Worker) requeue(ctx context.Context, rec *JobRecord, log *zap.Logger) {
	if _, err := w.store.Enqueue(ctx, rec); err != nil {
		log.Error("requeue failed, job lost", zap.Error(err))
	}
}

func (w *Worker) setStatus(ctx context.Context, jobID string, status store.Status, fields map[string]any, log *zap.Logger) {
	if w.status == nil {
		return
	}
	if err := w.status.SetStatus(ctx, jobID, status, fields); err != nil {
		log.Warn("status write failed", zap.Error(err))
	}
}

func (w *Worker) pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
