// Package sqlite implements the job store on a local SQLite file for
// single-node deployments. Writes are committed with synchronous=FULL so an
// accepted job survives a power loss.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/djlord-it/easy-mail/internal/api"
	"github.com/djlord-it/easy-mail/internal/dispatcher"
	"github.com/djlord-it/easy-mail/internal/domain"
	"github.com/djlord-it/easy-mail/internal/reconciler"
	"github.com/djlord-it/easy-mail/internal/scheduler"
)

//go:embed schema.sql
var schema string

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = FULL",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

type Store struct {
	db        *sql.DB
	opTimeout time.Duration // 0 = no per-operation timeout
}

// Open opens (creating if needed) the database file at path and applies the schema.
func Open(ctx context.Context, path string, opTimeout time.Duration) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: pragmas are per connection and SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &Store{db: db, opTimeout: opTimeout}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
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

	_, err = tx.ExecContext(ctx,
		`INSERT INTO email_jobs (id, job_group, description, recipient, subject, body, durable, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.Group, job.Description,
		job.Payload.Recipient, job.Payload.Subject, job.Payload.Body,
		job.Durable, toMicros(job.CreatedAt),
	)
	if err != nil {
		return mapInsertError(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO email_triggers (job_id, job_group, trigger_group, description, fire_at, timezone, misfire_policy, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trigger.JobID.String(), job.Group, trigger.Group, trigger.Description,
		toMicros(trigger.FireAt), trigger.Timezone, string(trigger.MisfirePolicy),
		string(trigger.State), toMicros(trigger.CreatedAt),
	)
	if err != nil {
		return mapInsertError(err)
	}

	return tx.Commit()
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID, group string) (domain.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var job domain.Job
	var rawID string
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_group, description, recipient, subject, body, durable, created_at
		 FROM email_jobs WHERE id = ? AND job_group = ?`,
		id.String(), group,
	).Scan(&rawID, &job.Group, &job.Description,
		&job.Payload.Recipient, &job.Payload.Subject, &job.Payload.Body,
		&job.Durable, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}

	if job.ID, err = uuid.Parse(rawID); err != nil {
		return domain.Job{}, fmt.Errorf("job id %q: %w", rawID, err)
	}
	job.CreatedAt = fromMicros(createdAt)
	return job, nil
}

const triggerColumns = `job_id, trigger_group, description, fire_at, timezone, misfire_policy, state, fired_at, created_at`

func (s *Store) GetTrigger(ctx context.Context, jobID uuid.UUID) (domain.Trigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM email_triggers WHERE job_id = ?`, jobID.String())
	tr, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trigger{}, domain.ErrNotFound
	}
	return tr, err
}

func (s *Store) PendingTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+triggerColumns+` FROM email_triggers
		 WHERE state = 'scheduled'
		 ORDER BY fire_at ASC, job_id ASC
		 LIMIT ? OFFSET ?`,
		limit, offset)
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
	return result, rows.Err()
}

// MarkFired moves a scheduled trigger to a terminal state, or returns
// domain.ErrAlreadyFired / domain.ErrNotFound.
func (s *Store) MarkFired(ctx context.Context, jobID uuid.UUID, state domain.TriggerState, firedAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`UPDATE email_triggers SET state = ?, fired_at = ?
		 WHERE job_id = ? AND state = 'scheduled'`,
		string(state), toMicros(firedAt), jobID.String())
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT state FROM email_triggers WHERE job_id = ?`, jobID.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrAlreadyFired
}

func (s *Store) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (id, job_id, recipient, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		attempt.ID.String(), attempt.JobID.String(), attempt.Recipient, attempt.Error,
		toMicros(attempt.StartedAt), toMicros(attempt.FinishedAt))
	return err
}

func (s *Store) ListDeliveryAttempts(ctx context.Context, jobID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, recipient, error, started_at, finished_at
		 FROM delivery_attempts WHERE job_id = ? ORDER BY started_at ASC`,
		jobID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		var id, job string
		var started, finished int64
		if err := rows.Scan(&id, &job, &a.Recipient, &a.Error, &started, &finished); err != nil {
			return nil, err
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if a.JobID, err = uuid.Parse(job); err != nil {
			return nil, err
		}
		a.StartedAt = fromMicros(started)
		a.FinishedAt = fromMicros(finished)
		result = append(result, a)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (domain.Trigger, error) {
	var tr domain.Trigger
	var jobID, policy, state string
	var fireAt, createdAt int64
	var firedAt sql.NullInt64

	if err := row.Scan(&jobID, &tr.Group, &tr.Description, &fireAt, &tr.Timezone,
		&policy, &state, &firedAt, &createdAt); err != nil {
		return domain.Trigger{}, err
	}

	id, err := uuid.Parse(jobID)
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("trigger job id %q: %w", jobID, err)
	}
	tr.JobID = id
	tr.FireAt = fromMicros(fireAt)
	tr.CreatedAt = fromMicros(createdAt)
	tr.MisfirePolicy = domain.MisfirePolicy(policy)
	tr.State = domain.TriggerState(state)
	if firedAt.Valid {
		t := fromMicros(firedAt.Int64)
		tr.FiredAt = &t
	}
	return tr, nil
}

// Timestamps are stored as Unix microseconds, the same precision as a
// Postgres timestamptz. Nanoseconds would overflow int64 after 2262.
func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(n int64) time.Time {
	return time.UnixMicro(n).UTC()
}

func mapInsertError(err error) error {
	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return domain.ErrDuplicateJob
		}
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
