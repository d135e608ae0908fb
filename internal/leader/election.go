// Package leader implements lease-based leader election over a single
// database row. Exactly one candidate per task name holds the lease at a
// time; a crashed holder is superseded once its heartbeat goes stale.
package leader

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/inboxd/internal/metrics"
)

// HeartbeatResult is the tri-state outcome of one heartbeat cycle.
type HeartbeatResult int

const (
	// StillLeader: the lease row was extended, keep dispatching.
	StillLeader HeartbeatResult = iota
	// LeadershipLost: the write matched zero rows. Authoritative; the caller
	// must stop acting as leader within the same iteration.
	LeadershipLost
	// Uncertain: the write errored. The caller may still be leader and should
	// back off and retry rather than relinquish, to avoid flapping on a blip.
	Uncertain
	// Skipped: heartbeat deliberately not attempted due to pool pressure.
	// Not a failure.
	Skipped
)

// LeaseStore is the persistence needed for election. *storage.Store satisfies it.
type LeaseStore interface {
	TryAcquireLease(ctx context.Context, taskName, leaderID string, staleAfter time.Duration) (bool, error)
	RenewLease(ctx context.Context, taskName, leaderID string) (bool, error)
	ReleaseLease(ctx context.Context, taskName, leaderID string) error
}

// UsageFunc reports connection pool utilization in percent. Optional: a nil
// gauge disables pressure-aware heartbeat skipping.
type UsageFunc func() float64

type Config struct {
	TaskName       string
	CandidateID    string
	StaleThreshold time.Duration // holder validity window, e.g. 90s
	BaseRetry      time.Duration // heartbeat failure backoff base, e.g. 30s
	MaxRetry       time.Duration // heartbeat failure backoff cap, e.g. 300s
	CriticalUsage  float64       // pool usage percent above which heartbeats are skipped
	SkipWarnAt     int           // consecutive skips before a warning is logged
}

// Election drives one candidate's participation in the election for one task.
// Not safe for concurrent use by multiple goroutines; each poll loop owns one.
type Election struct {
	cfg      Config
	store    LeaseStore
	usage    UsageFunc
	log      *zap.Logger
	metrics  *metrics.Collector
	isLeader bool
	failures int
	skips    int
}

func New(cfg Config, store LeaseStore, usage UsageFunc, log *zap.Logger, m *metrics.Collector) *Election {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 90 * time.Second
	}
	if cfg.BaseRetry <= 0 {
		cfg.BaseRetry = 30 * time.Second
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 300 * time.Second
	}
	if cfg.CriticalUsage <= 0 {
		cfg.CriticalUsage = 95
	}
	if cfg.SkipWarnAt <= 0 {
		cfg.SkipWarnAt = 5
	}
	return &Election{cfg: cfg, store: store, usage: usage, log: log, metrics: m}
}

// IsLeader is the cached, heartbeat-refreshed view of the lease row. It must
// be re-verified via Heartbeat before dispatch decisions, never assumed.
func (e *Election) IsLeader() bool { return e.isLeader }

// TryBecomeLeader attempts to acquire the lease: insert when absent, take
// over when stale. Exactly one of any set of racing candidates succeeds.
func (e *Election) TryBecomeLeader(ctx context.Context) (bool, error) {
	won, err := e.store.TryAcquireLease(ctx, e.cfg.TaskName, e.cfg.CandidateID, e.cfg.StaleThreshold)
	if err != nil {
		e.isLeader = false
		return false, errors.Wrap(err, "try become leader")
	}
	if won && !e.isLeader {
		e.log.Info("leadership acquired",
			zap.String("task", e.cfg.TaskName),
			zap.String("candidate", e.cfg.CandidateID))
		e.metrics.LeadershipAcquired.Inc()
	}
	e.isLeader = won
	if won {
		e.failures = 0
	}
	return won, nil
}

// Heartbeat renews the lease and classifies the outcome. A zero-row update is
// the one authoritative lost signal; a database error is only uncertainty.
// Under critical pool pressure the heartbeat is skipped for this cycle so the
// election does not starve the pool of connections.
func (e *Election) Heartbeat(ctx context.Context) HeartbeatResult {
	if e.usage != nil {
		if pct := e.usage(); pct >= e.cfg.CriticalUsage {
			e.skips++
			e.metrics.HeartbeatSkips.Inc()
			if e.skips >= e.cfg.SkipWarnAt {
				e.log.Warn("heartbeat skipped repeatedly under pool pressure",
					zap.String("task", e.cfg.TaskName),
					zap.Float64("pool_usage_pct", pct),
					zap.Int("consecutive_skips", e.skips))
			} else {
				e.log.Debug("heartbeat skipped under pool pressure",
					zap.String("task", e.cfg.TaskName),
					zap.Float64("pool_usage_pct", pct))
			}
			return Skipped
		}
	}
	e.skips = 0

	renewed, err := e.store.RenewLease(ctx, e.cfg.TaskName, e.cfg.CandidateID)
	if err != nil {
		e.failures++
		e.metrics.HeartbeatFailures.Inc()
		e.log.Warn("heartbeat failed, leadership uncertain",
			zap.String("task", e.cfg.TaskName),
			zap.Int("consecutive_failures", e.failures),
			zap.Duration("retry_in", e.RetryDelay()),
			zap.Error(err))
		return Uncertain
	}
	e.failures = 0
	if !renewed {
		if e.isLeader {
			e.log.Info("leadership lost",
				zap.String("task", e.cfg.TaskName),
				zap.String("candidate", e.cfg.CandidateID))
			e.metrics.LeadershipLost.Inc()
		}
		e.isLeader = false
		return LeadershipLost
	}
	e.isLeader = true
	return StillLeader
}

// RetryDelay is the backoff to apply after consecutive heartbeat failures:
// min(base * 2^min(failures, 4), cap). The first failure already applies the
// x2 multiplier.
func (e *Election) RetryDelay() time.Duration {
	f := e.failures
	if f > 4 {
		f = 4
	}
	d := e.cfg.BaseRetry * time.Duration(1<<uint(f))
	if d > e.cfg.MaxRetry {
		d = e.cfg.MaxRetry
	}
	return d
}

// ConsecutiveSkips reports how many heartbeats in a row were skipped under
// pool pressure. Surfaced for observability; exceeding the warn threshold is
// a warning, not an error.
func (e *Election) ConsecutiveSkips() int { return e.skips }

// Release clears the lease if still held so a successor can take over
// immediately. Called on graceful shutdown with a bounded context.
func (e *Election) Release(ctx context.Context) error {
	e.isLeader = false
	if err := e.store.ReleaseLease(ctx, e.cfg.TaskName, e.cfg.CandidateID); err != nil {
		return errors.Wrap(err, "release lease")
	}
	e.log.Info("lease released",
		zap.String("task", e.cfg.TaskName),
		zap.String("candidate", e.cfg.CandidateID))
	return nil
}
