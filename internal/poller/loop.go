// Package poller drives one process through leader election and work
// dispatch. The loop runs until its context is cancelled and never hands a
// job to the callback unless leadership was confirmed this cycle.
package poller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/you/inboxd/internal/domain"
	"github.com/you/inboxd/internal/leader"
	"github.com/you/inboxd/internal/metrics"
	"github.com/you/inboxd/internal/reclaim"
)

// State is the loop's position in its lifecycle.
type State int32

const (
	StateNotLeader State = iota
	StateElecting
	StateLeading
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotLeader:
		return "NOT_LEADER"
	case StateElecting:
		return "ELECTING"
	case StateLeading:
		return "LEADING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Handler processes one claimed job. It is the business layer's callback and
// is responsible for finalizing the job's status (via the status updater or
// equivalent). A returned error is logged; the loop keeps running.
type Handler func(ctx context.Context, job domain.Job) error

// Election is the leadership dependency, satisfied by *leader.Election.
type Election interface {
	TryBecomeLeader(ctx context.Context) (bool, error)
	Heartbeat(ctx context.Context) leader.HeartbeatResult
	RetryDelay() time.Duration
	Release(ctx context.Context) error
	IsLeader() bool
}

// JobClaimer fetches the next batch of work, satisfied by *storage.Store.
type JobClaimer interface {
	ClaimBatch(ctx context.Context, workerID string, limit int) ([]domain.Job, error)
}

// Reclaimer runs one stuck-job recovery pass, satisfied by *reclaim.Reclaimer.
type Reclaimer interface {
	Run(ctx context.Context) (reclaim.Stats, error)
}

type Config struct {
	WorkerID          string
	PollInterval      time.Duration // steady-state sleep while leading
	ElectionRetryBase time.Duration // first retry delay after a lost election
	ElectionRetryMax  time.Duration // retry delay cap; growth is x1.5
	BatchSize         int
	ReclaimInterval   time.Duration
	ReleaseTimeout    time.Duration // bound on the shutdown lease release
}

type Loop struct {
	cfg       Config
	election  Election
	jobs      JobClaimer
	handler   Handler
	reclaimer Reclaimer
	log       *zap.Logger
	metrics   *metrics.Collector

	state       atomic.Int32
	lastReclaim time.Time

	// sleep is swapped out in tests; returns false when ctx was cancelled.
	sleep func(context.Context, time.Duration) bool
}

func New(cfg Config, election Election, jobs JobClaimer, handler Handler, reclaimer Reclaimer, log *zap.Logger, m *metrics.Collector) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ElectionRetryBase <= 0 {
		cfg.ElectionRetryBase = 5 * time.Second
	}
	if cfg.ElectionRetryMax <= 0 {
		cfg.ElectionRetryMax = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = time.Minute
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 5 * time.Second
	}
	return &Loop{
		cfg:       cfg,
		election:  election,
		jobs:      jobs,
		handler:   handler,
		reclaimer: reclaimer,
		log:       log,
		metrics:   m,
		sleep:     sleepCtx,
	}
}

// State reports the loop's current lifecycle state. Safe for concurrent reads.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Run blocks until ctx is cancelled, alternating between election attempts
// and leading. On shutdown the lease release is best-effort under a bounded
// timeout; a failed release is logged and swallowed because the stale-lease
// takeover path is the real safety net.
func (l *Loop) Run(ctx context.Context) {
	l.log.Info("poll loop starting",
		zap.String("worker_id", l.cfg.WorkerID),
		zap.Duration("poll_interval", l.cfg.PollInterval))

	delay := l.cfg.ElectionRetryBase
	for ctx.Err() == nil {
		l.setState(StateElecting)
		won, err := l.election.TryBecomeLeader(ctx)
		if err != nil {
			l.log.Warn("election attempt errored", zap.Error(err))
		}
		if !won {
			if !l.sleep(ctx, delay) {
				break
			}
			delay = nextElectionDelay(delay, l.cfg.ElectionRetryMax)
			continue
		}
		// Delay resets to base the moment an election succeeds.
		delay = l.cfg.ElectionRetryBase

		l.setState(StateLeading)
		l.lead(ctx)
		l.setState(StateNotLeader)
	}

	l.setState(StateStopping)
	releaseCtx, cancel := context.WithTimeout(context.Background(), l.cfg.ReleaseTimeout)
	defer cancel()
	if err := l.election.Release(releaseCtx); err != nil {
		l.log.Warn("lease release failed on shutdown, successor will take over after stale threshold",
			zap.Error(err))
	}
	l.setState(StateStopped)
	l.log.Info("poll loop stopped", zap.String("worker_id", l.cfg.WorkerID))
}

// nextElectionDelay grows the retry delay by x1.5 up to max.
func nextElectionDelay(d, max time.Duration) time.Duration {
	d = d * 3 / 2
	if d > max {
		d = max
	}
	return d
}

// lead runs dispatch cycles until leadership is lost or ctx is cancelled.
// Each cycle: heartbeat, reclaim on cadence, claim-and-dispatch one batch,
// then sleep the poll interval. A lost heartbeat stops dispatch within the
// same iteration.
func (l *Loop) lead(ctx context.Context) {
	for ctx.Err() == nil {
		switch l.election.Heartbeat(ctx) {
		case leader.LeadershipLost:
			return
		case leader.Uncertain:
			// Might still be leader: back off and re-check rather than
			// relinquish on a transient blip.
			if !l.sleep(ctx, l.election.RetryDelay()) {
				return
			}
			continue
		case leader.StillLeader, leader.Skipped:
		}

		l.maybeReclaim(ctx)
		l.dispatch(ctx)

		if !l.sleep(ctx, l.cfg.PollInterval) {
			return
		}
	}
}

// maybeReclaim runs a reclaimer pass when its cadence is due.
func (l *Loop) maybeReclaim(ctx context.Context) {
	if l.reclaimer == nil || time.Since(l.lastReclaim) < l.cfg.ReclaimInterval {
		return
	}
	l.lastReclaim = time.Now()
	stats, err := l.reclaimer.Run(ctx)
	if err != nil {
		l.log.Error("reclaimer pass failed", zap.Error(err))
		return
	}
	if stats.Detected > 0 {
		l.log.Info("reclaimer pass finished",
			zap.Int("detected", stats.Detected),
			zap.Int("reset_to_new", stats.ResetToNew),
			zap.Int("marked_failed", stats.MarkedDead),
			zap.Int("errors", stats.Errors))
	}
}

// dispatch claims one bounded batch and hands each job to the callback.
// Leadership is re-verified before every job, not once per cycle; losing it
// mid-batch aborts the remainder immediately.
func (l *Loop) dispatch(ctx context.Context) {
	batch, err := l.jobs.ClaimBatch(ctx, l.cfg.WorkerID, l.cfg.BatchSize)
	if err != nil {
		l.log.Error("claim batch failed", zap.Error(err))
		return
	}
	for _, job := range batch {
		if ctx.Err() != nil || !l.election.IsLeader() {
			l.log.Warn("dispatch aborted mid-batch",
				zap.Int64("job_id", job.ID),
				zap.Bool("leader", l.election.IsLeader()))
			return
		}
		l.metrics.JobsDispatched.Inc()
		if err := l.invoke(ctx, job); err != nil {
			l.metrics.DispatchErrors.Inc()
			l.log.Error("job handler failed",
				zap.Int64("job_id", job.ID),
				zap.String("correlation_key", job.CorrelationKey),
				zap.Error(err))
		}
	}
}

// invoke calls the handler, converting a panic into an error so one bad job
// cannot kill the loop.
func (l *Loop) invoke(ctx context.Context, job domain.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return l.handler(ctx, job)
}

// sleepCtx waits for d or until ctx is done; returns false when cancelled so
// shutdown never waits out a full poll interval.
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
