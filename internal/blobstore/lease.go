package blobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/italolelis/blob_ingest/internal/storage"
)

// Lease is an exclusive, time-bounded claim on a blob held by this client.
type Lease struct {
	Ref      Ref
	Token    string
	Owner    string
	Duration time.Duration

	mu        sync.RWMutex
	expiresAt time.Time
}

// ExpiresAt reports when the lease lapses unless renewed.
func (l *Lease) ExpiresAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.expiresAt
}

func (l *Lease) setExpiresAt(t time.Time) {
	l.mu.Lock()
	l.expiresAt = t
	l.mu.Unlock()
}

// AcquireLease claims ref for d. The blob must exist. A live lease held by anyone,
// this client included, fails with *LeaseConflictError.
func (c *Client) AcquireLease(ctx context.Context, ref Ref, d time.Duration) (*Lease, error) {
	if c.leases == nil {
		return nil, ErrNoLeases
	}

	if _, err := c.Properties(ctx, ref); err != nil {
		return nil, err
	}

	lease := &Lease{
		Ref:      ref,
		Token:    uuid.NewString(),
		Owner:    c.owner,
		Duration: d,
	}

	expiresAt := c.now().Add(d)

	err := c.telemetry.InstrumentStoreOperation(ctx, "acquire_lease", func(ctx context.Context) error {
		ok, err := c.leases.AcquireLease(ctx, storage.LeaseRecord{
			Key:       ref.String(),
			Token:     lease.Token,
			Owner:     lease.Owner,
			ExpiresAt: expiresAt,
		})
		if err != nil {
			return &RequestError{Operation: "acquire_lease", Ref: ref, Err: err}
		}

		if ok {
			return nil
		}

		conflict := &LeaseConflictError{Ref: ref}

		if rec, err := c.leases.GetLease(ctx, ref.String()); err == nil {
			conflict.Owner = rec.Owner
			conflict.ExpiresAt = rec.ExpiresAt
		}

		return conflict
	})
	if err != nil {
		return nil, err
	}

	lease.setExpiresAt(expiresAt)

	return lease, nil
}

// RenewLease extends the lease by its duration. If the lease already lapsed or
// was taken over, the error wraps storage.ErrLockLost.
func (c *Client) RenewLease(ctx context.Context, lease *Lease) error {
	if c.leases == nil {
		return ErrNoLeases
	}

	expiresAt := c.now().Add(lease.Duration)

	return c.telemetry.InstrumentStoreOperation(ctx, "renew_lease", func(ctx context.Context) error {
		ok, err := c.leases.RenewLease(ctx, lease.Ref.String(), lease.Token, expiresAt)
		if err != nil {
			return &RequestError{Operation: "renew_lease", Ref: lease.Ref, Err: err}
		}

		if !ok {
			return fmt.Errorf("renew lease on %s: %w", lease.Ref, storage.ErrLockLost)
		}

		lease.setExpiresAt(expiresAt)

		return nil
	})
}

// ReleaseLease gives the claim up. Releasing a lease that was already lost is not an error.
func (c *Client) ReleaseLease(ctx context.Context, lease *Lease) error {
	if c.leases == nil {
		return ErrNoLeases
	}

	return c.telemetry.InstrumentStoreOperation(ctx, "release_lease", func(ctx context.Context) error {
		err := c.leases.ReleaseLease(ctx, lease.Ref.String(), lease.Token)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return &RequestError{Operation: "release_lease", Ref: lease.Ref, Err: err}
		}

		return nil
	})
}
