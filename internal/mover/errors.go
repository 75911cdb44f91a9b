package mover

import (
	"fmt"

	"github.com/italolelis/blob_ingest/internal/blobstore"
)

// CopyError means the storage service finished a copy without success.
type CopyError struct {
	Source      blobstore.Ref
	Destination blobstore.Ref
	Status      blobstore.CopyStatus
	Err         error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy %s to %s ended with status %s", e.Source, e.Destination, e.Status)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}
