package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/blob_ingest/internal/storage"
)

// LeaseRepository implements storage.LeaseRepository on the leases table.
type LeaseRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewLeaseRepository(db *sql.DB) *LeaseRepository {
	return &LeaseRepository{db: db, now: time.Now}
}

// AcquireLease inserts the lease, or takes over an existing row only if it has already expired.
func (r *LeaseRepository) AcquireLease(ctx context.Context, rec storage.LeaseRecord) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO leases (lease_key, token, owner, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(lease_key) DO UPDATE SET
			token = excluded.token,
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= ?
	`, rec.Key, rec.Token, rec.Owner, rec.ExpiresAt.UnixNano(), r.now().UnixNano())
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// RenewLease extends a lease the caller still holds. It reports false when the lease
// expired or was taken over.
func (r *LeaseRepository) RenewLease(ctx context.Context, key, token string, expiresAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE lease_key = ? AND token = ? AND expires_at > ?`,
		expiresAt.UnixNano(), key, token, r.now().UnixNano(),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (r *LeaseRepository) ReleaseLease(ctx context.Context, key, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM leases WHERE lease_key = ? AND token = ?`, key, token)

	return err
}

func (r *LeaseRepository) GetLease(ctx context.Context, key string) (*storage.LeaseRecord, error) {
	var (
		rec       storage.LeaseRecord
		expiresAt int64
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT lease_key, token, owner, expires_at FROM leases WHERE lease_key = ?`, key,
	).Scan(&rec.Key, &rec.Token, &rec.Owner, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	rec.ExpiresAt = time.Unix(0, expiresAt)

	return &rec, nil
}
