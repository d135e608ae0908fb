package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/you/inboxd/internal/domain"
)

// ReclaimedJob is one row touched by a reclaimer pass, carrying the values it
// had before the pass for audit logging.
type ReclaimedJob struct {
	ID             int64
	CorrelationKey string
	PrevLockedBy   *string
	PrevAttempts   int
}

// ClaimBatch atomically moves up to limit NEW jobs to PROCESSING under
// workerID's lock and returns them. FOR UPDATE SKIP LOCKED keeps concurrent
// claimers from blocking on or double-claiming the same rows.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, limit int) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx, `with claimed as (
    select id
      from inbox_jobs
     where status = 'NEW'
     order by created_at
     limit $2
       for update skip locked
)
update inbox_jobs j
   set status = 'PROCESSING',
       locked_by = $1,
       locked_at = now(),
       updated_at = now()
  from claimed c
 where j.id = c.id
returning j.id, j.status, j.payload, j.correlation_key,
          j.locked_by, j.locked_at, j.attempt_count, j.last_error,
          j.created_at, j.updated_at`, workerID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim batch")
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(&j.ID, &j.Status, &j.Payload, &j.CorrelationKey,
			&j.LockedBy, &j.LockedAt, &j.AttemptCount, &j.LastError,
			&j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan claimed job")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "claim batch rows")
}

// CountStale counts PROCESSING jobs whose lock is older than staleAfter.
// Observational only: the count may be stale by the time a reset runs.
func (s *Store) CountStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `select count(*)
  from inbox_jobs
 where status = 'PROCESSING'
   and locked_at < now() - make_interval(secs => $1)`, staleAfter.Seconds()).Scan(&n)
	return n, errors.Wrap(err, "count stale jobs")
}

// ResetStale returns up to limit stale jobs that still have attempts left to
// NEW, clearing their lock and incrementing attempt_count, all in one
// statement. The CTE re-checks the staleness predicate under row locks, so a
// concurrent reclaimer touches zero of the same rows.
func (s *Store) ResetStale(ctx context.Context, staleAfter time.Duration, maxAttempts, limit int) ([]ReclaimedJob, error) {
	rows, err := s.db.Query(ctx, `with stale as (
    select id, locked_by, attempt_count
      from inbox_jobs
     where status = 'PROCESSING'
       and locked_at < now() - make_interval(secs => $1)
       and attempt_count < $2
     order by locked_at
     limit $3
       for update skip locked
)
update inbox_jobs j
   set status = 'NEW',
       locked_by = null,
       locked_at = null,
       attempt_count = j.attempt_count + 1,
       updated_at = now()
  from stale s
 where j.id = s.id
returning j.id, j.correlation_key, s.locked_by, s.attempt_count`,
		staleAfter.Seconds(), maxAttempts, limit)
	if err != nil {
		return nil, errors.Wrap(err, "reset stale jobs")
	}
	defer rows.Close()
	return scanReclaimed(rows)
}

// ClaimExhausted claims up to limit stale jobs that have used up their
// attempts, re-locking them under reclaimerID so no other reclaimer can also
// claim them. The caller is expected to dead-letter each returned row.
func (s *Store) ClaimExhausted(ctx context.Context, staleAfter time.Duration, maxAttempts, limit int, reclaimerID string) ([]ReclaimedJob, error) {
	rows, err := s.db.Query(ctx, `with stale as (
    select id, locked_by, attempt_count
      from inbox_jobs
     where status = 'PROCESSING'
       and locked_at < now() - make_interval(secs => $1)
       and attempt_count >= $2
     order by locked_at
     limit $3
       for update skip locked
)
update inbox_jobs j
   set locked_by = $4,
       locked_at = now(),
       updated_at = now()
  from stale s
 where j.id = s.id
returning j.id, j.correlation_key, s.locked_by, s.attempt_count`,
		staleAfter.Seconds(), maxAttempts, limit, reclaimerID)
	if err != nil {
		return nil, errors.Wrap(err, "claim exhausted jobs")
	}
	defer rows.Close()
	return scanReclaimed(rows)
}

func scanReclaimed(rows pgx.Rows) ([]ReclaimedJob, error) {
	var out []ReclaimedJob
	for rows.Next() {
		var r ReclaimedJob
		if err := rows.Scan(&r.ID, &r.CorrelationKey, &r.PrevLockedBy, &r.PrevAttempts); err != nil {
			return nil, errors.Wrap(err, "scan reclaimed job")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "reclaimed rows")
}

// UpdateStatus writes status and lastError to one non-terminal job,
// clearing its lock. Each call is one transaction: a failed commit rolls back
// cleanly before any retry. Returns ErrJobNotFound when the row is missing or
// already DONE/DEAD.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status domain.Status, lastError *string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `update inbox_jobs
   set status = $2,
       last_error = $3,
       locked_by = null,
       locked_at = null,
       updated_at = now()
 where id = $1
   and status not in ('DONE', 'DEAD')`, id, status, lastError)
		if err != nil {
			return errors.Wrap(err, "set terminal status")
		}
		if tag.RowsAffected() == 0 {
			return ErrJobNotFound
		}
		return nil
	})
}

// AttemptCount reads the current attempt_count for one job.
func (s *Store) AttemptCount(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `select attempt_count from inbox_jobs where id = $1`, id).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrJobNotFound
		}
		return 0, errors.Wrap(err, "attempt count")
	}
	return n, nil
}
