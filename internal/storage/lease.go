package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/you/inboxd/internal/domain"
)

// TryAcquireLease inserts the lease row for taskName, or takes it over when
// the current holder's heartbeat is older than staleAfter. The WHERE clause on
// the conflict branch re-checks staleness in the same statement, so two
// candidates racing for a stale lease cannot both win. Also succeeds when this
// candidate already holds the row (idempotent re-election).
func (s *Store) TryAcquireLease(ctx context.Context, taskName, leaderID string, staleAfter time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx, `insert into leases (task_name, leader_id, acquired_at, heartbeat_at)
values ($1, $2, now(), now())
on conflict (task_name) do update
   set leader_id = excluded.leader_id,
       acquired_at = excluded.acquired_at,
       heartbeat_at = excluded.heartbeat_at
 where leases.heartbeat_at < now() - make_interval(secs => $3)
    or leases.leader_id = excluded.leader_id`,
		taskName, leaderID, staleAfter.Seconds())
	if err != nil {
		return false, errors.Wrap(err, "acquire lease")
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLease advances heartbeat_at iff leaderID still holds the lease.
// Returns false when zero rows matched: leadership has passed to someone else.
func (s *Store) RenewLease(ctx context.Context, taskName, leaderID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `update leases
   set heartbeat_at = now()
 where task_name = $1
   and leader_id = $2`, taskName, leaderID)
	if err != nil {
		return false, errors.Wrap(err, "renew lease")
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease deletes the lease row if still held by leaderID, letting the
// next candidate in without waiting out the stale threshold.
func (s *Store) ReleaseLease(ctx context.Context, taskName, leaderID string) error {
	_, err := s.db.Exec(ctx, `delete from leases
 where task_name = $1
   and leader_id = $2`, taskName, leaderID)
	return errors.Wrap(err, "release lease")
}

// GetLease returns the current lease row for taskName, or nil when absent.
func (s *Store) GetLease(ctx context.Context, taskName string) (*domain.Lease, error) {
	var l domain.Lease
	err := s.db.QueryRow(ctx, `select task_name, leader_id, acquired_at, heartbeat_at
  from leases
 where task_name = $1`, taskName).Scan(&l.TaskName, &l.LeaderID, &l.AcquiredAt, &l.HeartbeatAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get lease")
	}
	return &l, nil
}
