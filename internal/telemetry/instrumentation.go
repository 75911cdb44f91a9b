package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes here must stay low cardinality: operation names, variants and
// statuses only. Blob paths, job ids and lease tokens belong in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentStoreOperation instruments blob storage calls.
func (t *Telemetry) InstrumentStoreOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "store_"+operation, "blobstore", fn)

	t.RecordStoreOperation(operation, statusOf(err))

	return err
}

// InstrumentTransfer instruments one download. fn returns the number of bytes written.
func (t *Telemetry) InstrumentTransfer(ctx context.Context, variant string, fn func(ctx context.Context) (int64, error)) (int64, error) {
	if t == nil {
		return fn(ctx)
	}

	t.IncrementActiveTransfers()
	defer t.DecrementActiveTransfers()

	start := time.Now()

	var written int64

	err := t.InstrumentOperation(ctx, "transfer_"+variant, "transfer", func(ctx context.Context) error {
		var err error

		written, err = fn(ctx)

		return err
	})

	t.RecordTransfer(variant, statusOf(err), written, time.Since(start))

	return written, err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
