// Package marker implements the status marker protocol: small sentinel blobs next to
// an object that tell observers it is being ingested (<path>.ingesting) or that
// ingestion failed (<path>.error, content is the reason).
package marker

import (
	"context"
	"strings"

	"github.com/italolelis/blob_ingest/internal/blobstore"
	"github.com/italolelis/blob_ingest/internal/logctx"
	"github.com/italolelis/blob_ingest/internal/telemetry"
)

const (
	IngestingSuffix = ".ingesting"
	ErrorSuffix     = ".error"

	ingestingPayload = "ingesting"
)

type Kind string

const (
	None      Kind = "none"
	Ingesting Kind = "ingesting"
	Error     Kind = "error"
)

// Status is what observers learn from the markers of one object.
type Status struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message,omitempty"`
}

// Store is the subset of the storage client markers need.
type Store interface {
	Upload(ctx context.Context, ref blobstore.Ref, data []byte, overwrite bool) error
	ReadAll(ctx context.Context, ref blobstore.Ref) ([]byte, error)
	Exists(ctx context.Context, ref blobstore.Ref) (bool, error)
	Delete(ctx context.Context, ref blobstore.Ref) error
}

// Writer publishes markers. Writes are best effort: failures are logged and counted,
// never returned, so they cannot mask the error being reported.
type Writer struct {
	store     Store
	telemetry *telemetry.Telemetry
}

func NewWriter(store Store, tel *telemetry.Telemetry) *Writer {
	return &Writer{store: store, telemetry: tel}
}

// Ingesting announces that ref is being processed.
func (w *Writer) Ingesting(ctx context.Context, ref blobstore.Ref) {
	w.write(ctx, Ingesting, Normalize(ref).WithSuffix(IngestingSuffix), []byte(ingestingPayload))
}

// Error records why processing ref failed. A second call replaces the message.
func (w *Writer) Error(ctx context.Context, ref blobstore.Ref, message string) {
	w.write(ctx, Error, Normalize(ref).WithSuffix(ErrorSuffix), []byte(message))
}

// Clear removes both markers of ref.
func (w *Writer) Clear(ctx context.Context, ref blobstore.Ref) {
	logger := logctx.LoggerFromContext(ctx)
	ref = Normalize(ref)

	for _, m := range []blobstore.Ref{ref.WithSuffix(IngestingSuffix), ref.WithSuffix(ErrorSuffix)} {
		if err := w.store.Delete(ctx, m); err != nil && !blobstore.IsNotFound(err) {
			logger.Error("failed to delete status marker", "marker", m.String(), "err", err)
			w.telemetry.RecordMarkerWrite("clear", "error")

			continue
		}

		w.telemetry.RecordMarkerWrite("clear", "success")
	}
}

func (w *Writer) write(ctx context.Context, kind Kind, ref blobstore.Ref, payload []byte) {
	if err := w.store.Upload(ctx, ref, payload, true); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to upload status marker", "marker", ref.String(), "err", err)
		w.telemetry.RecordMarkerWrite(string(kind), "error")

		return
	}

	w.telemetry.RecordMarkerWrite(string(kind), "success")
}

// Reader lets observers poll the markers of an object.
type Reader struct {
	store Store
}

func NewReader(store Store) *Reader {
	return &Reader{store: store}
}

// Status returns Error with its message when an error marker exists, otherwise
// Ingesting when an ingesting marker exists, otherwise None.
func (r *Reader) Status(ctx context.Context, ref blobstore.Ref) (Status, error) {
	ref = Normalize(ref)

	msg, err := r.store.ReadAll(ctx, ref.WithSuffix(ErrorSuffix))
	switch {
	case err == nil:
		return Status{Kind: Error, Message: string(msg)}, nil
	case !blobstore.IsNotFound(err):
		return Status{}, err
	}

	ok, err := r.store.Exists(ctx, ref.WithSuffix(IngestingSuffix))
	if err != nil {
		return Status{}, err
	}

	if ok {
		return Status{Kind: Ingesting}, nil
	}

	return Status{Kind: None}, nil
}

// Normalize strips everything up to "/<container>/" from paths that still carry the
// container, e.g. paths built from a local mirror of the store.
func Normalize(ref blobstore.Ref) blobstore.Ref {
	sep := "/" + ref.Container + "/"

	if i := strings.LastIndex(ref.Path, sep); i >= 0 {
		return ref.WithPath(ref.Path[i+len(sep):])
	}

	return ref
}
