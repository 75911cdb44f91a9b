package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("storage: record not found")
	// ErrNoJob is returned by Receive when no job is currently visible.
	ErrNoJob = errors.New("storage: no job available")
	// ErrLockLost means the caller no longer owns the job or lease it tried to touch.
	ErrLockLost = errors.New("storage: lock lost")
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// LeaseRecord represents an exclusive, time-bounded claim on a blob.
type LeaseRecord struct {
	Key       string
	Token     string
	Owner     string
	ExpiresAt time.Time
}

// LeaseRepository persists blob leases. At most one unexpired lease exists per key.
type LeaseRepository interface {
	AcquireLease(ctx context.Context, rec LeaseRecord) (bool, error)
	RenewLease(ctx context.Context, key, token string, expiresAt time.Time) (bool, error)
	ReleaseLease(ctx context.Context, key, token string) error
	GetLease(ctx context.Context, key string) (*LeaseRecord, error)
}

// Job is a unit of ingestion work delivered by the queue. Its lock deadline is read
// by the renewer while the queue updates it, so access goes through the accessors.
type Job struct {
	ID            int64
	BlobPath      string
	Token         string
	Status        string
	DeliveryCount int
	LastError     string
	LockedBy      string

	mu          sync.RWMutex
	lockedUntil time.Time
}

func (j *Job) LockedUntil() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return j.lockedUntil
}

func (j *Job) SetLockedUntil(t time.Time) {
	j.mu.Lock()
	j.lockedUntil = t
	j.mu.Unlock()
}

// ExpiresAt reports when the job's processing lock lapses.
func (j *Job) ExpiresAt() time.Time {
	return j.LockedUntil()
}

// Payload renders the job in the "<blobPath>;<token>" queue message form.
func (j *Job) Payload() string {
	return j.BlobPath + ";" + j.Token
}

// ParseJobPayload splits a "<blobPath>;<token>" message body.
func ParseJobPayload(payload string) (blobPath, token string, err error) {
	payload = strings.Trim(strings.TrimSpace(payload), `"`)

	blobPath, token, ok := strings.Cut(payload, ";")
	if !ok || blobPath == "" {
		return "", "", fmt.Errorf("malformed job payload %q: expected <blob_path>;<token>", payload)
	}

	return blobPath, token, nil
}

// JobQueue is the message queue collaborator: visibility-timeout locks that must be
// renewed while a job is processed.
type JobQueue interface {
	Enqueue(ctx context.Context, blobPath, token string) (*Job, error)
	Receive(ctx context.Context) (*Job, error)
	RenewLock(ctx context.Context, job *Job) error
	Complete(ctx context.Context, job *Job) error
	Abandon(ctx context.Context, job *Job, reason string) error
	GetJob(ctx context.Context, id int64) (*Job, error)
}
