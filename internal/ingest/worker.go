// Package ingest runs ingestion jobs: it takes a job off the queue, keeps the job's
// lock alive, downloads the blob under a timeout and hands the local copy to the
// processing stage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/italolelis/blob_ingest/internal/blobstore"
	"github.com/italolelis/blob_ingest/internal/lease"
	"github.com/italolelis/blob_ingest/internal/logctx"
	"github.com/italolelis/blob_ingest/internal/marker"
	"github.com/italolelis/blob_ingest/internal/notifier"
	"github.com/italolelis/blob_ingest/internal/storage"
	"github.com/italolelis/blob_ingest/internal/telemetry"
	"github.com/italolelis/blob_ingest/internal/transfer"
)

// Processor consumes a downloaded blob. It must return promptly once ctx is cancelled.
type Processor interface {
	Process(ctx context.Context, src blobstore.Ref, localPath string) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, src blobstore.Ref, localPath string) error

func (f ProcessorFunc) Process(ctx context.Context, src blobstore.Ref, localPath string) error {
	return f(ctx, src, localPath)
}

type Worker struct {
	queue     storage.JobQueue
	fetcher   transfer.Fetcher
	processor Processor
	markers   *marker.Writer
	renewer   *lease.Renewer
	telemetry *telemetry.Telemetry

	// Notifier, when set, is told about every failed job.
	Notifier notifier.Notifier
	// Output maps a source blob to where its processed result is published; the
	// ingesting marker is written there. Nil means the source itself.
	Output func(blobstore.Ref) blobstore.Ref
	// Container scopes job blob paths; see blobstore.ParseRefIn. Empty accepts any container.
	Container    string
	WorkDir      string
	JobTimeout   time.Duration
	PollInterval time.Duration
}

func NewWorker(
	queue storage.JobQueue,
	fetcher transfer.Fetcher,
	processor Processor,
	markers *marker.Writer,
	renewer *lease.Renewer,
	tel *telemetry.Telemetry,
) *Worker {
	return &Worker{
		queue:        queue,
		fetcher:      fetcher,
		processor:    processor,
		markers:      markers,
		renewer:      renewer,
		telemetry:    tel,
		WorkDir:      os.TempDir(),
		JobTimeout:   2 * time.Hour,
		PollInterval: 10 * time.Second,
	}
}

// Run polls the queue every PollInterval and processes every visible job, one at a
// time, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("ingest worker started", "work_dir", w.WorkDir, "poll_interval", w.PollInterval.String())

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx)

		select {
		case <-ctx.Done():
			logger.Info("ingest worker shutdown",
				"operation", "run",
				"reason", "context_cancelled")

			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for ctx.Err() == nil {
		job, err := w.queue.Receive(ctx)
		if errors.Is(err, storage.ErrNoJob) {
			return
		}

		if err != nil {
			logger.Error("failed to receive job", "err", err)

			return
		}

		w.safeProcess(ctx, job)
	}
}

func (w *Worker) safeProcess(ctx context.Context, job *storage.Job) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("ingest job panic",
				"operation", "process",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()))

			w.telemetry.RecordSystemError("ingest", "panic")

			if err := w.queue.Abandon(context.WithoutCancel(ctx), job, fmt.Sprintf("panic: %v", r)); err != nil {
				logctx.LoggerFromContext(ctx).Error("failed to abandon job", "err", err)
			}
		}
	}()

	_ = w.Process(ctx, job)
}

// Process runs one job to completion. The job is completed on success and abandoned
// on failure, which makes it visible again until it runs out of deliveries.
func (w *Worker) Process(ctx context.Context, job *storage.Job) (err error) {
	ctx = logctx.WithJobID(ctx, strconv.FormatInt(job.ID, 10))

	src, err := blobstore.ParseRefIn(job.BlobPath, w.Container)
	if err != nil {
		w.finish(ctx, job, err)

		return err
	}

	ctx = logctx.WithBlob(ctx, src.Container, src.Path)
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("processing job", "delivery", job.DeliveryCount)

	// Deferred first so it runs last: the lock must not be renewed once the job is settled.
	defer func() { w.finish(ctx, job, err) }()

	stopRenewer := w.keepLockAlive(ctx, job)
	defer stopRenewer()

	timeout, stopTimer := transfer.NewTimeoutSignal(w.JobTimeout)
	defer stopTimer()

	scratch := filepath.Join(w.WorkDir, "job-"+strconv.FormatInt(job.ID, 10))
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}

	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn("failed to remove scratch directory", "path", scratch, "err", err)
		}
	}()

	output := src
	if w.Output != nil {
		output = w.Output(src)
	}

	w.markers.Ingesting(ctx, output)

	localPath, err := w.fetcher.Fetch(ctx, src, scratch, timeout)
	if err != nil {
		if transfer.IsTimeout(err) {
			w.markers.Error(ctx, src, fmt.Sprintf("Download timed out for %s", src))
		} else {
			w.markers.Error(ctx, src, fmt.Sprintf("Failed to download %s: %v", src, err))
		}

		return err
	}

	pctx, cancelProcessing := context.WithCancelCause(ctx)
	defer cancelProcessing(nil)

	stopWatch := transfer.WatchCooperative(pctx, timeout, cancelProcessing)
	err = w.processor.Process(pctx, src, localPath)
	stopWatch()

	if err != nil {
		if timeout.Fired() {
			err = &transfer.TimeoutError{Op: "process", Ref: src, Chunk: -1, Err: err}
			w.markers.Error(ctx, src, fmt.Sprintf("Processing timed out for %s", src))
		} else {
			w.markers.Error(ctx, src, fmt.Sprintf("Failed to ingest %s: %v", src, err))
		}

		return err
	}

	return nil
}

// keepLockAlive renews the job's queue lock in the background until the returned
// function is called. A lost lock is logged by the renewer; the job carries on.
func (w *Worker) keepLockAlive(ctx context.Context, job *storage.Job) func() {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		_ = w.renewer.Run(ctx, job, func(ctx context.Context) error {
			return w.queue.RenewLock(ctx, job)
		})
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func (w *Worker) finish(ctx context.Context, job *storage.Job, jobErr error) {
	logger := logctx.LoggerFromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	if jobErr == nil {
		if err := w.queue.Complete(ctx, job); err != nil {
			if errors.Is(err, storage.ErrLockLost) {
				w.telemetry.RecordJob("lost")
				logger.Warn("job finished after its lock was lost, it may be delivered again", "err", err)

				return
			}

			logger.Error("failed to complete job", "err", err)
		}

		w.telemetry.RecordJob("completed")
		logger.Info("job completed")

		return
	}

	logger.Error("job failed", "err", jobErr)
	w.telemetry.RecordJob("abandoned")

	if err := w.queue.Abandon(ctx, job, jobErr.Error()); err != nil {
		logger.Error("failed to abandon job", "err", err)
	}

	if w.Notifier != nil {
		msg := fmt.Sprintf("Ingestion of %s failed (job %d, delivery %d): %v", job.BlobPath, job.ID, job.DeliveryCount, jobErr)
		if err := w.Notifier.Notify(ctx, msg); err != nil {
			logger.Warn("failed to send notification", "err", err)
		}
	}
}
