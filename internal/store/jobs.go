// ABOUTME: Durable job rows backing the lifecycle work queue
// ABOUTME: Supports delayed enqueue, atomic claim, completion and restart recovery

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the processing status of a Job
type JobStatus string

// Job statuses
const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is one unit of deferred work. Payload is opaque JSON owned by the handler.
type Job struct {
	ID        string
	Kind      string
	Payload   string
	RunAt     time.Time
	Status    JobStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type jobRow struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	Payload   string `db:"payload"`
	RunAt     int64  `db:"run_at"`
	Status    string `db:"status"`
	Attempts  int    `db:"attempts"`
	LastError string `db:"last_error"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r *jobRow) toJob() (*Job, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &Job{
		ID:        r.ID,
		Kind:      r.Kind,
		Payload:   r.Payload,
		RunAt:     time.UnixMilli(r.RunAt).UTC(),
		Status:    JobStatus(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

const jobColumns = `id, kind, payload, run_at, status, attempts, last_error, created_at, updated_at`

// InsertJob stores a queued job. RunAt is kept with millisecond precision.
func (s *SQLiteStore) InsertJob(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = JobQueued
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Kind,
		job.Payload,
		job.RunAt.UnixMilli(),
		string(job.Status),
		job.Attempts,
		job.LastError,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// ClaimJob atomically moves the oldest due queued job to running.
// Returns ErrNotFound when nothing is due.
func (s *SQLiteStore) ClaimJob(ctx context.Context, now time.Time) (*Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	err = tx.GetContext(ctx, &row, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'queued' AND run_at <= ?
		ORDER BY run_at ASC, created_at ASC
		LIMIT 1
	`, now.UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting due job: %w", err)
	}

	updatedAt := formatTime(now)
	result, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`, updatedAt, row.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	row.Status = string(JobRunning)
	row.Attempts++
	row.UpdatedAt = updatedAt
	return row.toJob()
}

// FinishJob records the terminal status of a claimed job.
func (s *SQLiteStore) FinishJob(ctx context.Context, id string, status JobStatus, lastError string) error {
	if status != JobDone && status != JobFailed {
		return fmt.Errorf("invalid terminal job status %q", status)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), lastError, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("finishing job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueRunningJobs returns jobs left running by a previous process to the queue.
func (s *SQLiteStore) RequeueRunningJobs(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', updated_at = ?
		WHERE status = 'running'
	`, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("requeueing jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return row.toJob()
}

// ListJobs returns jobs with the given status ordered by run time.
// An empty status lists every job.
func (s *SQLiteStore) ListJobs(ctx context.Context, status JobStatus) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY run_at ASC, created_at ASC`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}

	result := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, nil
}
