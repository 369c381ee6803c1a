package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/easy-mail/internal/api"
	"github.com/djlord-it/easy-mail/internal/dispatcher"
	"github.com/djlord-it/easy-mail/internal/domain"
	"github.com/djlord-it/easy-mail/internal/reconciler"
	"github.com/djlord-it/easy-mail/internal/scheduler"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

// Store implements the job store using PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration // 0 = no per-operation timeout
}

// New creates a new PostgreSQL store. Every operation is bounded by opTimeout.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// InsertJob inserts a job and its trigger in one transaction.
// Returns domain.ErrDuplicateJob if the job or its trigger already exists.
func (s *Store) InsertJob(ctx context.Context, job domain.Job, trigger domain.Trigger) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, queryInsertJob,
		job.ID,
		job.Group,
		job.Description,
		job.Payload.Recipient,
		job.Payload.Subject,
		job.Payload.Body,
		job.Durable,
		job.CreatedAt,
	)
	if err != nil {
		return mapInsertError(err)
	}

	_, err = tx.ExecContext(ctx, queryInsertTrigger,
		trigger.JobID,
		job.Group,
		trigger.Group,
		trigger.Description,
		trigger.FireAt.UTC(),
		trigger.Timezone,
		string(trigger.MisfirePolicy),
		string(trigger.State),
		trigger.CreatedAt,
	)
	if err != nil {
		return mapInsertError(err)
	}

	return tx.Commit()
}

// GetJob returns the job identified by (id, group).
func (s *Store) GetJob(ctx context.Context, id uuid.UUID, group string) (domain.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var job domain.Job
	err := s.db.QueryRowContext(ctx, queryGetJob, id, group).Scan(
		&job.ID,
		&job.Group,
		&job.Description,
		&job.Payload.Recipient,
		&job.Payload.Subject,
		&job.Payload.Body,
		&job.Durable,
		&job.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, domain.ErrNotFound
		}
		return domain.Job{}, err
	}
	return job, nil
}

// GetTrigger returns the trigger attached to a job.
func (s *Store) GetTrigger(ctx context.Context, jobID uuid.UUID) (domain.Trigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tr, err := scanTrigger(s.db.QueryRowContext(ctx, queryGetTrigger, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Trigger{}, domain.ErrNotFound
		}
		return domain.Trigger{}, err
	}
	return tr, nil
}

// PendingTriggers returns scheduled triggers ordered by fire instant, paginated by limit and offset.
func (s *Store) PendingTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryPendingTriggers, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Trigger
	for rows.Next() {
		tr, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// MarkFired moves a scheduled trigger to a terminal state.
// Returns domain.ErrAlreadyFired if the trigger is already terminal and
// domain.ErrNotFound if it does not exist. The guard lives in the UPDATE's
// WHERE clause so concurrent claims cannot both succeed.
func (s *Store) MarkFired(ctx context.Context, jobID uuid.UUID, state domain.TriggerState, firedAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryMarkFired, string(state), firedAt.UTC(), jobID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}

	// Either the trigger does not exist or it is already terminal.
	var current string
	err = s.db.QueryRowContext(ctx, queryGetTriggerState, jobID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrAlreadyFired
}

// InsertDeliveryAttempt records a delivery attempt.
func (s *Store) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertDeliveryAttempt,
		attempt.ID,
		attempt.JobID,
		attempt.Recipient,
		attempt.Error,
		attempt.StartedAt,
		attempt.FinishedAt,
	)
	return err
}

// ListDeliveryAttempts returns the delivery attempts of a job, oldest first.
func (s *Store) ListDeliveryAttempts(ctx context.Context, jobID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListDeliveryAttempts, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.JobID, &a.Recipient, &a.Error, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (domain.Trigger, error) {
	var tr domain.Trigger
	var policy, state string
	var firedAt sql.NullTime

	err := row.Scan(
		&tr.JobID,
		&tr.Group,
		&tr.Description,
		&tr.FireAt,
		&tr.Timezone,
		&policy,
		&state,
		&firedAt,
		&tr.CreatedAt,
	)
	if err != nil {
		return domain.Trigger{}, err
	}
	tr.FireAt = tr.FireAt.UTC()
	tr.MisfirePolicy = domain.MisfirePolicy(policy)
	tr.State = domain.TriggerState(state)
	if firedAt.Valid {
		t := firedAt.Time.UTC()
		tr.FiredAt = &t
	}
	return tr, nil
}

// mapInsertError translates a unique violation into domain.ErrDuplicateJob.
func mapInsertError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return domain.ErrDuplicateJob
	}
	return err
}

// Compile-time interface assertions
var (
	_ scheduler.Store  = (*Store)(nil)
	_ dispatcher.Store = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
	_ api.Store        = (*Store)(nil)
)
