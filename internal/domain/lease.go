package domain

import "time"

// Lease is the leader-election row for one logical singleton task.
// At most one row exists per TaskName; the holder is valid while
// now - HeartbeatAt stays under the configured stale threshold.
type Lease struct {
	TaskName    string
	LeaderID    string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
}

// Expired reports whether the lease can be taken over at now.
func (l Lease) Expired(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(l.HeartbeatAt) >= staleAfter
}
