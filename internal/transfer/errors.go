package transfer

import (
	"errors"
	"fmt"

	"github.com/italolelis/blob_ingest/internal/blobstore"
)

// ErrCancelled is the cause recorded when a transfer is torn down because its
// cancellation signal fired.
var ErrCancelled = errors.New("transfer: cancellation signal fired")

// TimeoutError is returned when a cancellation signal fires or a bounded wait
// elapses before the operation completes. Chunk is -1 when the failure is not
// attributable to a single chunk.
type TimeoutError struct {
	Op    string
	Ref   blobstore.Ref
	Chunk int
	Err   error
}

func (e *TimeoutError) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("%s timed out for %s (chunk %d)", e.Op, e.Ref, e.Chunk)
	}

	return fmt.Sprintf("%s timed out for %s", e.Op, e.Ref)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// PartialWriteError means the bytes written to the destination do not add up to the
// size of the source. The destination must be treated as corrupt.
type PartialWriteError struct {
	Ref      blobstore.Ref
	Expected int64
	Written  int64
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write for %s: wrote %d of %d bytes", e.Ref, e.Written, e.Expected)
}

// ConfigError reports an invalid transfer parameter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid transfer configuration %s: %s", e.Field, e.Reason)
}

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError

	return errors.As(err, &te)
}
