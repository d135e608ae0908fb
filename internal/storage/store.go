// Package storage is the data access layer. All coordination happens through
// single-statement conditional writes (CAS on the lease row, CTE updates with
// FOR UPDATE SKIP LOCKED on the inbox), so concurrent processes never need an
// application-level lock.
package storage

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/inboxd/internal/domain"
)

// ErrJobNotFound is returned when a write matched no row: the job does not
// exist or has already reached a terminal status. Not retryable.
var ErrJobNotFound = errors.New("job not found or already terminal")

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Pool exposes the underlying pool for callers that need connection stats.
func (s *Store) Pool() *pgxpool.Pool { return s.db }

// UsagePercent reports acquired connections as a percentage of pool capacity.
// Plugged into the leader election as its pool-pressure gauge.
func (s *Store) UsagePercent() float64 {
	st := s.db.Stat()
	if st.MaxConns() == 0 {
		return 0
	}
	return float64(st.AcquiredConns()) / float64(st.MaxConns()) * 100
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// otherwise so no attempt ever starts on a dirty transaction.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// InsertJob persists a new inbox job in NEW status and returns its id.
func (s *Store) InsertJob(ctx context.Context, payload json.RawMessage, correlationKey string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `insert into inbox_jobs (status, payload, correlation_key)
values ('NEW', $1, $2)
returning id`, payload, correlationKey).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert job")
	}
	return id, nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	var j domain.Job
	err := s.db.QueryRow(ctx, `select id, status, payload, correlation_key,
       locked_by, locked_at, attempt_count, last_error, created_at, updated_at
  from inbox_jobs
 where id = $1`, id).Scan(
		&j.ID, &j.Status, &j.Payload, &j.CorrelationKey,
		&j.LockedBy, &j.LockedAt, &j.AttemptCount, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, errors.Wrap(err, "get job")
	}
	return &j, nil
}

// RequeueDead puts a DEAD job back to NEW for another round of attempts.
// Operator remediation path; resets the attempt counter deliberately.
func (s *Store) RequeueDead(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `update inbox_jobs
   set status = 'NEW',
       locked_by = null,
       locked_at = null,
       attempt_count = 0,
       last_error = null,
       updated_at = now()
 where id = $1
   and status = 'DEAD'`, id)
	if err != nil {
		return errors.Wrap(err, "requeue dead job")
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}
