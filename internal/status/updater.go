// Package status makes terminal job-status writes eventually happen: each
// write is retried with exponential backoff up to a hard attempt cap, and an
// exhausted write is reported as a DLQ condition instead of being lost.
package status

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/you/inboxd/internal/domain"
	"github.com/you/inboxd/internal/metrics"
	"github.com/you/inboxd/internal/storage"
)

// JobStore is the persistence the updater needs. *storage.Store satisfies it.
type JobStore interface {
	UpdateStatus(ctx context.Context, id int64, status domain.Status, lastError *string) error
	AttemptCount(ctx context.Context, id int64) (int, error)
}

// Result reports the outcome of one guaranteed status update.
type Result struct {
	Success  bool
	Attempts int
	// DLQ is set when every retry was spent without the write landing.
	// The outcome needs manual or asynchronous remediation; it was not lost
	// silently.
	DLQ bool
	Err error
}

type Updater struct {
	store       JobStore
	log         *zap.Logger
	metrics     *metrics.Collector
	maxRetries  int
	maxAttempts int
	sleep       func(context.Context, time.Duration) bool
}

// New builds an Updater. maxRetries bounds write attempts per call;
// maxAttempts is the job retry budget used to pick FAILED vs DEAD.
func New(store JobStore, maxRetries, maxAttempts int, log *zap.Logger, m *metrics.Collector) *Updater {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Updater{
		store:       store,
		log:         log,
		metrics:     m,
		maxRetries:  maxRetries,
		maxAttempts: maxAttempts,
		sleep:       sleepCtx,
	}
}

// MarkDone transitions one job to DONE, retrying transient errors.
func (u *Updater) MarkDone(ctx context.Context, jobID int64) Result {
	return u.write(ctx, jobID, domain.StatusDone, nil)
}

// MarkFailed transitions one job to FAILED or DEAD depending on whether its
// attempt budget is spent. When attemptCount is nil the current value is read
// first; the same value then drives both the decision and the write, so a
// concurrent increment cannot flip the outcome between read and write.
func (u *Updater) MarkFailed(ctx context.Context, jobID int64, errMsg string, attemptCount *int) Result {
	attempts := 0
	if attemptCount != nil {
		attempts = *attemptCount
	} else {
		n, err := u.store.AttemptCount(ctx, jobID)
		if err != nil {
			u.metrics.StatusUpdates.WithLabelValues("not_found").Inc()
			return Result{Attempts: 0, Err: err}
		}
		attempts = n
	}

	next := domain.StatusFailed
	if attempts >= u.maxAttempts {
		next = domain.StatusDead
	}
	return u.write(ctx, jobID, next, &errMsg)
}

// write performs the UPDATE with bounded retry. Sleeps double each attempt
// (1s, 2s, 4s, ...). Row-not-found fails immediately: retrying cannot heal a
// missing or already-terminal row.
func (u *Updater) write(ctx context.Context, jobID int64, st domain.Status, lastError *string) Result {
	var lastErr error
	for attempt := 1; attempt <= u.maxRetries; attempt++ {
		err := u.store.UpdateStatus(ctx, jobID, st, lastError)
		if err == nil {
			u.metrics.StatusUpdates.WithLabelValues("success").Inc()
			u.metrics.StatusAttempts.Observe(float64(attempt))
			u.log.Debug("status updated",
				zap.Int64("job_id", jobID),
				zap.String("status", string(st)),
				zap.Int("attempts", attempt))
			return Result{Success: true, Attempts: attempt}
		}
		if errors.Is(err, storage.ErrJobNotFound) {
			u.metrics.StatusUpdates.WithLabelValues("not_found").Inc()
			u.log.Warn("status update target missing",
				zap.Int64("job_id", jobID),
				zap.String("status", string(st)),
				zap.Error(err))
			return Result{Attempts: attempt, Err: err}
		}
		lastErr = err
		u.log.Warn("status update attempt failed",
			zap.Int64("job_id", jobID),
			zap.String("status", string(st)),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < u.maxRetries {
			if !u.sleep(ctx, time.Duration(1<<uint(attempt-1))*time.Second) {
				return Result{Attempts: attempt, Err: ctx.Err()}
			}
		}
	}
	u.metrics.StatusUpdates.WithLabelValues("dlq").Inc()
	u.metrics.StatusAttempts.Observe(float64(u.maxRetries))
	u.log.Error("status update exhausted retries, needs remediation",
		zap.Int64("job_id", jobID),
		zap.String("status", string(st)),
		zap.Int("attempts", u.maxRetries),
		zap.Error(lastErr))
	return Result{Attempts: u.maxRetries, DLQ: true, Err: lastErr}
}

// sleepCtx waits for d or until ctx is done; returns false when cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
