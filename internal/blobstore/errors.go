package blobstore

import (
	"errors"
	"fmt"
	"time"

	"gocloud.dev/gcerrors"
)

var (
	// ErrClosed is returned by every operation once the client has been closed,
	// including operations that were in flight when Close was called.
	ErrClosed = errors.New("blobstore: client is closed")

	ErrExists        = errors.New("blobstore: blob already exists")
	ErrUnknownCopy   = errors.New("blobstore: unknown copy id")
	ErrNoPendingCopy = errors.New("blobstore: there is no pending copy operation")
	ErrNoLeases      = errors.New("blobstore: lease repository not configured")
)

// NotFoundError means the blob or its container does not exist.
type NotFoundError struct {
	Ref Ref
	Err error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("blob %s not found", e.Ref)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// RequestError represents a failed storage service request: network failures,
// rejected requests and precondition failures. It is not retried here.
type RequestError struct {
	Operation string
	Ref       Ref
	Err       error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("storage request %s failed for %s: %v", e.Operation, e.Ref, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// LeaseConflictError is returned when another owner holds a live lease on the blob.
type LeaseConflictError struct {
	Ref       Ref
	Owner     string
	ExpiresAt time.Time
}

func (e *LeaseConflictError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("blob %s is leased by another owner", e.Ref)
	}

	return fmt.Sprintf("blob %s is leased by %s until %s", e.Ref, e.Owner, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError

	return errors.As(err, &nf)
}

func classify(op string, ref Ref, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrClosed) {
		return fmt.Errorf("%s %s: %w", op, ref, ErrClosed)
	}

	var (
		nf  *NotFoundError
		req *RequestError
	)
	if errors.As(err, &nf) || errors.As(err, &req) {
		return err
	}

	if gcerrors.Code(err) == gcerrors.NotFound {
		return &NotFoundError{Ref: ref, Err: err}
	}

	return &RequestError{Operation: op, Ref: ref, Err: err}
}
