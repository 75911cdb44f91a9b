package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/blob_ingest/internal/storage"
)

const defaultMaxDeliveries = 5

// JobQueue is a visibility-timeout queue on the jobs table. A received job stays
// invisible to other workers until its lock lapses; the holder keeps it by renewing.
type JobQueue struct {
	db            *sql.DB
	owner         string
	lockDuration  time.Duration
	maxDeliveries int
	now           func() time.Time
}

func NewJobQueue(db *sql.DB, owner string, lockDuration time.Duration, maxDeliveries int) *JobQueue {
	if maxDeliveries <= 0 {
		maxDeliveries = defaultMaxDeliveries
	}

	return &JobQueue{
		db:            db,
		owner:         owner,
		lockDuration:  lockDuration,
		maxDeliveries: maxDeliveries,
		now:           time.Now,
	}
}

func (q *JobQueue) Enqueue(ctx context.Context, blobPath, token string) (*storage.Job, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO jobs (blob_path, token, status, enqueued_at) VALUES (?, ?, 'pending', ?)`,
		blobPath, token, q.now().UnixNano(),
	)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &storage.Job{ID: id, BlobPath: blobPath, Token: token, Status: storage.JobStatusPending}, nil
}

// Receive claims the oldest visible job: pending, or processing with a lapsed lock.
func (q *JobQueue) Receive(ctx context.Context) (*storage.Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	now := q.now()

	var (
		job      storage.Job
		lockedBy sql.NullString
	)

	err = tx.QueryRowContext(ctx, `
		SELECT id, blob_path, token, delivery_count, last_error, locked_by
		FROM jobs
		WHERE status = 'pending' OR (status = 'processing' AND locked_until <= ?)
		ORDER BY id
		LIMIT 1
	`, now.UnixNano()).Scan(&job.ID, &job.BlobPath, &job.Token, &job.DeliveryCount, &job.LastError, &lockedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNoJob
	}

	if err != nil {
		return nil, err
	}

	lockedUntil := now.Add(q.lockDuration)

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'processing', locked_by = ?, locked_until = ?, delivery_count = delivery_count + 1
		WHERE id = ?
	`, q.owner, lockedUntil.UnixNano(), job.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Status = storage.JobStatusProcessing
	job.LockedBy = q.owner
	job.DeliveryCount++
	job.SetLockedUntil(lockedUntil)

	return &job, nil
}

// RenewLock extends the job's lock by the queue's lock duration. It fails with
// storage.ErrLockLost once the lock has lapsed or another worker took the job.
func (q *JobQueue) RenewLock(ctx context.Context, job *storage.Job) error {
	now := q.now()
	lockedUntil := now.Add(q.lockDuration)

	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET locked_until = ?
		WHERE id = ? AND locked_by = ? AND status = 'processing' AND locked_until > ?
	`, lockedUntil.UnixNano(), job.ID, q.owner, now.UnixNano())
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("renew job %d: %w", job.ID, storage.ErrLockLost)
	}

	job.SetLockedUntil(lockedUntil)

	return nil
}

func (q *JobQueue) Complete(ctx context.Context, job *storage.Job) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', locked_by = NULL, locked_until = 0
		WHERE id = ? AND locked_by = ?
	`, job.ID, q.owner)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("complete job %d: %w", job.ID, storage.ErrLockLost)
	}

	job.Status = storage.JobStatusCompleted

	return nil
}

// Abandon makes the job visible again, or marks it failed once it has been delivered
// maxDeliveries times.
func (q *JobQueue) Abandon(ctx context.Context, job *storage.Job, reason string) error {
	status := storage.JobStatusPending
	if job.DeliveryCount >= q.maxDeliveries {
		status = storage.JobStatusFailed
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, locked_by = NULL, locked_until = 0, last_error = ?
		WHERE id = ? AND locked_by = ?
	`, status, reason, job.ID, q.owner)
	if err != nil {
		return err
	}

	job.Status = status
	job.LastError = reason

	return nil
}

func (q *JobQueue) GetJob(ctx context.Context, id int64) (*storage.Job, error) {
	var (
		job         storage.Job
		lockedBy    sql.NullString
		lockedUntil int64
	)

	err := q.db.QueryRowContext(ctx, `
		SELECT id, blob_path, token, status, locked_by, locked_until, delivery_count, last_error
		FROM jobs WHERE id = ?
	`, id).Scan(&job.ID, &job.BlobPath, &job.Token, &job.Status, &lockedBy, &lockedUntil, &job.DeliveryCount, &job.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	job.LockedBy = ""
	if lockedBy.Valid {
		job.LockedBy = lockedBy.String
	}

	if lockedUntil > 0 {
		job.SetLockedUntil(time.Unix(0, lockedUntil))
	}

	return &job, nil
}
