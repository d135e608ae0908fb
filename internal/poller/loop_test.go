package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/inboxd/internal/domain"
	"github.com/you/inboxd/internal/leader"
	"github.com/you/inboxd/internal/metrics"
	"github.com/you/inboxd/internal/reclaim"
)

// fakeElection scripts election and heartbeat outcomes.
type fakeElection struct {
	mu         sync.Mutex
	electWins  []bool // consumed per TryBecomeLeader call; empty = win
	heartbeats []leader.HeartbeatResult
	leading    bool
	retryDelay time.Duration
	released   bool
	releaseErr error
}

func (f *fakeElection) TryBecomeLeader(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	won := true
	if len(f.electWins) > 0 {
		won = f.electWins[0]
		f.electWins = f.electWins[1:]
	}
	f.leading = won
	return won, nil
}

func (f *fakeElection) Heartbeat(context.Context) leader.HeartbeatResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.heartbeats) == 0 {
		return leader.StillLeader
	}
	hb := f.heartbeats[0]
	f.heartbeats = f.heartbeats[1:]
	if hb == leader.LeadershipLost {
		f.leading = false
	}
	return hb
}

func (f *fakeElection) RetryDelay() time.Duration { return f.retryDelay }

func (f *fakeElection) Release(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return f.releaseErr
}

func (f *fakeElection) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leading
}

func (f *fakeElection) setLeading(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leading = v
}

type fakeClaimer struct {
	mu      sync.Mutex
	batches [][]domain.Job
}

func (f *fakeClaimer) ClaimBatch(context.Context, string, int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

type fakeReclaimer struct {
	mu   sync.Mutex
	runs int
}

func (f *fakeReclaimer) Run(context.Context) (reclaim.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return reclaim.Stats{}, nil
}

func newLoop(t *testing.T, e Election, c JobClaimer, h Handler, r Reclaimer) *Loop {
	t.Helper()
	return New(Config{
		WorkerID:          "test-worker",
		PollInterval:      time.Millisecond,
		ElectionRetryBase: 5 * time.Second,
		ElectionRetryMax:  60 * time.Second,
		BatchSize:         10,
		ReclaimInterval:   time.Millisecond,
		ReleaseTimeout:    time.Second,
	}, e, c, h, r, zap.NewNop(), metrics.NewCollector())
}

func jobs(ids ...int64) []domain.Job {
	out := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Job{ID: id, Status: domain.StatusProcessing, CorrelationKey: "k"})
	}
	return out
}

func TestElectionRetryDelayGrowsAndResets(t *testing.T) {
	election := &fakeElection{
		electWins:  []bool{false, false, false, true},
		heartbeats: []leader.HeartbeatResult{leader.LeadershipLost},
	}
	loop := newLoop(t, election, &fakeClaimer{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var delays []time.Duration
	loop.sleep = func(_ context.Context, d time.Duration) bool {
		delays = append(delays, d)
		// Enough observed: three failed-election sleeps, then the loop loses
		// leadership and sleeps once more after a failed re-election.
		if len(delays) >= 4 {
			cancel()
			return false
		}
		return true
	}
	election.electWins = append(election.electWins, false)

	loop.Run(ctx)

	// 5s, then x1.5 growth while elections keep failing; reset to base after
	// the successful election.
	require.GreaterOrEqual(t, len(delays), 4)
	assert.Equal(t, 5*time.Second, delays[0])
	assert.Equal(t, 7500*time.Millisecond, delays[1])
	assert.Equal(t, 11250*time.Millisecond, delays[2])
	assert.Equal(t, 5*time.Second, delays[3])
}

func TestElectionRetryDelayCapped(t *testing.T) {
	assert.Equal(t, 60*time.Second, nextElectionDelay(59*time.Second, 60*time.Second))
	assert.Equal(t, 60*time.Second, nextElectionDelay(60*time.Second, 60*time.Second))
	assert.Equal(t, 7500*time.Millisecond, nextElectionDelay(5*time.Second, 60*time.Second))
}

func TestLostHeartbeatStopsDispatchSameIteration(t *testing.T) {
	election := &fakeElection{
		heartbeats: []leader.HeartbeatResult{leader.StillLeader, leader.LeadershipLost},
		electWins:  []bool{true, false},
	}
	claimer := &fakeClaimer{batches: [][]domain.Job{jobs(1), jobs(2)}}

	var handled []int64
	var mu sync.Mutex
	handler := func(_ context.Context, j domain.Job) error {
		mu.Lock()
		handled = append(handled, j.ID)
		mu.Unlock()
		return nil
	}
	loop := newLoop(t, election, claimer, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	loop.sleep = func(_ context.Context, d time.Duration) bool {
		// First sleep is the poll interval after the good cycle; the next is
		// the election retry after losing the lease.
		if d == 5*time.Second {
			cancel()
			return false
		}
		return true
	}
	loop.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1}, handled, "no dispatch after leadership was lost")
}

func TestDispatchAbortsMidBatchOnLeadershipLoss(t *testing.T) {
	election := &fakeElection{leading: true}
	claimer := &fakeClaimer{batches: [][]domain.Job{jobs(1, 2, 3)}}

	var handled []int64
	handler := func(_ context.Context, j domain.Job) error {
		handled = append(handled, j.ID)
		// Leadership evaporates while job 1 is in flight.
		election.setLeading(false)
		return nil
	}
	loop := newLoop(t, election, claimer, handler, nil)

	loop.dispatch(context.Background())
	assert.Equal(t, []int64{1}, handled)
}

func TestHandlerErrorAndPanicDoNotKillDispatch(t *testing.T) {
	election := &fakeElection{leading: true}
	claimer := &fakeClaimer{batches: [][]domain.Job{jobs(1, 2, 3)}}

	var handled []int64
	handler := func(_ context.Context, j domain.Job) error {
		handled = append(handled, j.ID)
		switch j.ID {
		case 1:
			return errors.New("downstream unavailable")
		case 2:
			panic("corrupt payload")
		}
		return nil
	}
	loop := newLoop(t, election, claimer, handler, nil)

	loop.dispatch(context.Background())
	assert.Equal(t, []int64{1, 2, 3}, handled, "every job was attempted")
}

func TestUncertainHeartbeatBacksOffWithoutRelinquishing(t *testing.T) {
	election := &fakeElection{
		heartbeats: []leader.HeartbeatResult{leader.Uncertain, leader.StillLeader},
		retryDelay: 60 * time.Second,
		leading:    true,
	}
	claimer := &fakeClaimer{batches: [][]domain.Job{jobs(7)}}
	var handled []int64
	handler := func(_ context.Context, j domain.Job) error {
		handled = append(handled, j.ID)
		return nil
	}
	loop := newLoop(t, election, claimer, handler, nil)

	var delays []time.Duration
	ctx, cancel := context.WithCancel(context.Background())
	loop.sleep = func(_ context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return len(delays) < 2 // cancel on the post-dispatch poll sleep
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	loop.lead(ctx)
	cancel()

	require.NotEmpty(t, delays)
	assert.Equal(t, 60*time.Second, delays[0], "backed off by the heartbeat retry delay")
	assert.Equal(t, []int64{7}, handled, "dispatch resumed after the blip")
}

func TestShutdownReleasesLeaseAndReachesStopped(t *testing.T) {
	election := &fakeElection{}
	loop := newLoop(t, election, &fakeClaimer{}, func(context.Context, domain.Job) error { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return loop.State() == StateLeading
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop promptly after cancellation")
	}
	assert.Equal(t, StateStopped, loop.State())
	assert.True(t, election.released)
}

func TestReleaseFailureIsSwallowed(t *testing.T) {
	election := &fakeElection{releaseErr: errors.New("connection reset")}
	loop := newLoop(t, election, &fakeClaimer{}, func(context.Context, domain.Job) error { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop.Run(ctx) // must return despite the failed release
	assert.Equal(t, StateStopped, loop.State())
}

func TestReclaimerRunsOnCadenceWhileLeading(t *testing.T) {
	election := &fakeElection{}
	rec := &fakeReclaimer{}
	loop := newLoop(t, election, &fakeClaimer{}, func(context.Context, domain.Job) error { return nil }, rec)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.runs >= 2
	}, time.Second, time.Millisecond)
	cancel()
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "NOT_LEADER", StateNotLeader.String())
	assert.Equal(t, "ELECTING", StateElecting.String())
	assert.Equal(t, "LEADING", StateLeading.String())
	assert.Equal(t, "STOPPING", StateStopping.String())
	assert.Equal(t, "STOPPED", StateStopped.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}
