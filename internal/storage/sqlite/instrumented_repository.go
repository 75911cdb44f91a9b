package sqlite

import (
	"context"

	"github.com/italolelis/blob_ingest/internal/storage"
	"github.com/italolelis/blob_ingest/internal/telemetry"
)

// InstrumentedJobQueue wraps JobQueue with telemetry.
type InstrumentedJobQueue struct {
	queue     *JobQueue
	telemetry *telemetry.Telemetry
}

// NewInstrumentedJobQueue creates a new instrumented job queue.
func NewInstrumentedJobQueue(queue *JobQueue, tel *telemetry.Telemetry) *InstrumentedJobQueue {
	return &InstrumentedJobQueue{
		queue:     queue,
		telemetry: tel,
	}
}

func (q *InstrumentedJobQueue) Enqueue(ctx context.Context, blobPath, token string) (*storage.Job, error) {
	var result *storage.Job

	err := q.telemetry.InstrumentDBOperation(ctx, "enqueue_job", func(ctx context.Context) error {
		var err error

		result, err = q.queue.Enqueue(ctx, blobPath, token)

		return err
	})

	return result, err
}

func (q *InstrumentedJobQueue) Receive(ctx context.Context) (*storage.Job, error) {
	var result *storage.Job

	err := q.telemetry.InstrumentDBOperation(ctx, "receive_job", func(ctx context.Context) error {
		var err error

		result, err = q.queue.Receive(ctx)
		if err == storage.ErrNoJob {
			// An empty queue is not an operation failure.
			return nil
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	if result == nil {
		return nil, storage.ErrNoJob
	}

	return result, nil
}

func (q *InstrumentedJobQueue) RenewLock(ctx context.Context, job *storage.Job) error {
	return q.telemetry.InstrumentDBOperation(ctx, "renew_job_lock", func(ctx context.Context) error {
		return q.queue.RenewLock(ctx, job)
	})
}

func (q *InstrumentedJobQueue) Complete(ctx context.Context, job *storage.Job) error {
	return q.telemetry.InstrumentDBOperation(ctx, "complete_job", func(ctx context.Context) error {
		return q.queue.Complete(ctx, job)
	})
}

func (q *InstrumentedJobQueue) Abandon(ctx context.Context, job *storage.Job, reason string) error {
	return q.telemetry.InstrumentDBOperation(ctx, "abandon_job", func(ctx context.Context) error {
		return q.queue.Abandon(ctx, job, reason)
	})
}

func (q *InstrumentedJobQueue) GetJob(ctx context.Context, id int64) (*storage.Job, error) {
	var result *storage.Job

	err := q.telemetry.InstrumentDBOperation(ctx, "get_job", func(ctx context.Context) error {
		var err error

		result, err = q.queue.GetJob(ctx, id)

		return err
	})

	return result, err
}
