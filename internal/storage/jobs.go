package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

const defaultMaxAttempts = 3

var jobColumns = []string{
	"id", "type", "payload_json", "status", "attempts", "max_attempts",
	"run_after", "created_at", "updated_at", "last_error",
}

// jobRetryDelay is the wait before attempt n+1 after n failures: 2s, 4s, 8s...
func jobRetryDelay(attempts int) time.Duration {
	return time.Second << min(attempts, 10)
}

// EnqueueJob adds a pending job. A zero RunAfter makes it due now and a
// zero MaxAttempts means three attempts.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := time.Now()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	query, args, err := build(sq.Insert("jobs").
		Columns("id", "type", "payload_json", "status", "attempts", "max_attempts", "run_after", "created_at", "updated_at").
		Values(job.ID, job.Type, job.PayloadJSON, JobPending, 0, job.MaxAttempts, formatTime(job.RunAfter), formatTime(now), formatTime(now)))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// ClaimNextJob marks the oldest due pending job of one of types as running
// and returns it, or returns nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := formatTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := build(sq.Select(jobColumns...).From("jobs").
		Where(sq.Eq{"status": JobPending, "type": types}).
		Where(sq.LtOrEq{"run_after": now}).
		OrderBy("run_after ASC", "created_at ASC").
		Limit(1))
	if err != nil {
		return nil, err
	}
	j, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	query, args, err = build(sq.Update("jobs").
		Set("status", JobRunning).Set("updated_at", now).
		Where(sq.Eq{"id": j.ID, "status": JobPending}))
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", j.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	j.UpdatedAt, _ = parseTime("updated_at", now)
	return &j, nil
}

// CompleteJob marks a job done.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	query, args, err := build(sq.Update("jobs").
		Set("status", JobCompleted).Set("updated_at", formatTime(time.Now())).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return err
	}
	return s.execOne(ctx, query, args...)
}

// FailJob records a failed attempt. The job goes back to pending with an
// exponential delay until max_attempts is reached, then stays failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	attempts++
	upd := sq.Update("jobs").
		Set("attempts", attempts).
		Set("last_error", errMsg).
		Set("updated_at", formatTime(now)).
		Where(sq.Eq{"id": id})
	if attempts >= maxAttempts {
		upd = upd.Set("status", JobFailed)
	} else {
		upd = upd.Set("status", JobPending).Set("run_after", formatTime(now.Add(jobRetryDelay(attempts))))
	}
	query, args, err := build(upd)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	query, args, err := build(sq.Select(jobColumns...).From("jobs").Where(sq.Eq{"id": id}))
	if err != nil {
		return Job{}, err
	}
	j, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// RecoverInterrupted returns jobs left running by a previous process to the
// queue and resets their documents to pending. It must run before any
// worker starts.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`, JobPending, now, JobRunning)
	if err != nil {
		return 0, fmt.Errorf("requeueing running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET status = ?, updated_at = ? WHERE status = ?`,
		DocumentPending, now, DocumentProcessing); err != nil {
		return 0, fmt.Errorf("resetting processing documents: %w", err)
	}
	return int(n), tx.Commit()
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	var err error
	if j.RunAfter, err = parseTime("run_after", runAfter); err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}
