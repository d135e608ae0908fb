// Package reclaim recovers inbox jobs abandoned by a crashed worker. A pass
// resets stale jobs that still have attempts left back to NEW, and
// dead-letters the ones that have spent their budget. Both steps re-check
// their predicate inside the mutating statement, so overlapping passes from
// different processes never touch the same rows twice.
package reclaim

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/inboxd/internal/metrics"
	"github.com/you/inboxd/internal/status"
	"github.com/you/inboxd/internal/storage"
)

// Store is the persistence a reclaimer pass needs. *storage.Store satisfies it.
type Store interface {
	CountStale(ctx context.Context, staleAfter time.Duration) (int, error)
	ResetStale(ctx context.Context, staleAfter time.Duration, maxAttempts, limit int) ([]storage.ReclaimedJob, error)
	ClaimExhausted(ctx context.Context, staleAfter time.Duration, maxAttempts, limit int, reclaimerID string) ([]storage.ReclaimedJob, error)
}

// StatusUpdater is the terminal-write dependency, satisfied by *status.Updater.
type StatusUpdater interface {
	MarkFailed(ctx context.Context, jobID int64, errMsg string, attemptCount *int) status.Result
}

// Stats summarizes one reclaimer pass.
type Stats struct {
	Detected   int
	ResetToNew int
	MarkedDead int
	Errors     int
}

type Config struct {
	StaleLockAfter time.Duration // lock age past which a PROCESSING job is presumed abandoned
	MaxAttempts    int
	BatchSize      int // bounds per-pass work regardless of backlog size
}

type Reclaimer struct {
	cfg     Config
	store   Store
	updater StatusUpdater
	log     *zap.Logger
	metrics *metrics.Collector

	// id tags rows this instance claims, e.g. "reclaimer:4fd1...".
	id string
}

func New(cfg Config, store Store, updater StatusUpdater, log *zap.Logger, m *metrics.Collector) *Reclaimer {
	if cfg.StaleLockAfter <= 0 {
		cfg.StaleLockAfter = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reclaimer{
		cfg:     cfg,
		store:   store,
		updater: updater,
		log:     log,
		metrics: m,
		id:      "reclaimer:" + uuid.NewString(),
	}
}

// ID is this instance's claim identifier, recorded in locked_by for audit.
func (r *Reclaimer) ID() string { return r.id }

// Run executes one pass: count candidates, batch-reset retryable stale jobs,
// then claim-and-dead-letter the exhausted ones. A failed dead-letter mark is
// counted and logged but never aborts the rest of the batch.
func (r *Reclaimer) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	// Observational only; the reset below re-checks staleness itself.
	detected, err := r.store.CountStale(ctx, r.cfg.StaleLockAfter)
	if err != nil {
		return stats, errors.Wrap(err, "count stale")
	}
	stats.Detected = detected
	r.metrics.ReclaimDetected.Set(float64(detected))
	if detected == 0 {
		return stats, nil
	}
	r.log.Info("stale jobs detected",
		zap.String("reclaimer", r.id),
		zap.Int("count", detected))

	reset, err := r.store.ResetStale(ctx, r.cfg.StaleLockAfter, r.cfg.MaxAttempts, r.cfg.BatchSize)
	if err != nil {
		return stats, errors.Wrap(err, "reset stale batch")
	}
	stats.ResetToNew = len(reset)
	r.metrics.ReclaimResetToNew.Add(float64(len(reset)))
	for _, j := range reset {
		lockedBy := ""
		if j.PrevLockedBy != nil {
			lockedBy = *j.PrevLockedBy
		}
		r.log.Info("stale job reset for retry",
			zap.String("reclaimer", r.id),
			zap.Int64("job_id", j.ID),
			zap.String("correlation_key", j.CorrelationKey),
			zap.String("abandoned_by", lockedBy),
			zap.Int("prev_attempts", j.PrevAttempts))
	}

	claimed, err := r.store.ClaimExhausted(ctx, r.cfg.StaleLockAfter, r.cfg.MaxAttempts, r.cfg.BatchSize, r.id)
	if err != nil {
		return stats, errors.Wrap(err, "claim exhausted batch")
	}
	for _, j := range claimed {
		attempts := j.PrevAttempts
		msg := fmt.Sprintf("stuck beyond max attempts (%d)", attempts)
		res := r.updater.MarkFailed(ctx, j.ID, msg, &attempts)
		if !res.Success {
			// The row stays claimed by this reclaimer until its lock goes
			// stale again; flagged for manual follow-up rather than silently
			// retried forever.
			stats.Errors++
			r.metrics.ReclaimErrors.Inc()
			r.log.Error("dead-letter mark failed for claimed job",
				zap.String("reclaimer", r.id),
				zap.Int64("job_id", j.ID),
				zap.String("correlation_key", j.CorrelationKey),
				zap.Bool("dlq", res.DLQ),
				zap.Error(res.Err))
			continue
		}
		stats.MarkedDead++
		r.metrics.ReclaimMarkedDead.Inc()
		r.log.Info("stuck job dead-lettered",
			zap.String("reclaimer", r.id),
			zap.Int64("job_id", j.ID),
			zap.String("correlation_key", j.CorrelationKey),
			zap.Int("attempts", attempts),
			zap.Int("mark_attempts", res.Attempts))
	}

	return stats, nil
}
