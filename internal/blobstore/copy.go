package blobstore

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"gocloud.dev/blob"

	"github.com/italolelis/blob_ingest/internal/logctx"
)

// MaxFinishedCopies bounds how many completed copies stay queryable by id.
const MaxFinishedCopies = 256

// CopyStatus is the state of an asynchronous server-side copy.
type CopyStatus string

const (
	CopyPending CopyStatus = "pending"
	CopySuccess CopyStatus = "success"
	CopyFailed  CopyStatus = "failed"
	CopyAborted CopyStatus = "aborted"
)

// CopyState describes a copy started with StartCopy.
type CopyState struct {
	ID          string
	Source      Ref
	Destination Ref
	Status      CopyStatus
	Copied      int64
	Err         error
}

type copyJob struct {
	mu     sync.Mutex
	state  CopyState
	cancel context.CancelFunc
	done   chan struct{}
}

func (j *copyJob) snapshot() CopyState {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.state
}

func (j *copyJob) finish(status CopyStatus, copied int64, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.Status == CopyPending {
		j.state.Status = status
	}

	j.state.Copied = copied
	j.state.Err = err
}

// StartCopy begins copying src to dst and returns the copy id immediately. The copy
// keeps running after ctx ends; it stops only on completion, AbortCopy or Close.
func (c *Client) StartCopy(ctx context.Context, src, dst Ref) (string, error) {
	if c.base.Err() != nil {
		return "", fmt.Errorf("start_copy %s: %w", src, ErrClosed)
	}

	if _, err := c.Properties(ctx, src); err != nil {
		return "", err
	}

	srcBucket, err := c.bucket(ctx, src.Container)
	if err != nil {
		return "", c.fail(ctx, "start_copy", src, err)
	}

	dstBucket, err := c.bucket(ctx, dst.Container)
	if err != nil {
		return "", c.fail(ctx, "start_copy", dst, err)
	}

	copyCtx, cancel := context.WithCancel(logctx.WithLogger(c.base, logctx.LoggerFromContext(ctx)))

	job := &copyJob{
		state: CopyState{
			ID:          uuid.NewString(),
			Source:      src,
			Destination: dst,
			Status:      CopyPending,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.base.Err() != nil {
		c.mu.Unlock()
		cancel()

		return "", fmt.Errorf("start_copy %s: %w", src, ErrClosed)
	}

	c.copies[job.state.ID] = job
	c.copyWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.copyWG.Done()
		defer close(job.done)
		defer c.retire(job)
		defer cancel()

		copied, err := c.runCopy(copyCtx, srcBucket, dstBucket, src, dst)
		if err != nil {
			if copyCtx.Err() != nil {
				job.finish(CopyAborted, copied, err)
			} else {
				job.finish(CopyFailed, copied, classify("copy", src, err))
			}

			c.telemetry.RecordCopy(string(job.snapshot().Status))

			return
		}

		job.finish(CopySuccess, copied, nil)
		c.telemetry.RecordCopy(string(CopySuccess))
	}()

	return job.state.ID, nil
}

func (c *Client) runCopy(ctx context.Context, srcBucket, dstBucket *blob.Bucket, src, dst Ref) (int64, error) {
	if srcBucket == dstBucket {
		if err := dstBucket.Copy(ctx, dst.Path, src.Path, nil); err != nil {
			return 0, err
		}

		attrs, err := dstBucket.Attributes(ctx, dst.Path)
		if err != nil {
			return 0, err
		}

		return attrs.Size, nil
	}

	r, err := srcBucket.NewReader(ctx, src.Path, nil)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := dstBucket.NewWriter(wctx, dst.Path, &blob.WriterOptions{ContentType: r.ContentType()})
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(w, &ctxReader{ctx: ctx, base: c.base, r: r})
	if err != nil {
		cancel()
		_ = w.Close()

		return n, err
	}

	return n, w.Close()
}

// retire moves a completed copy out of the in-flight set into the bounded history,
// evicting the oldest entry once it is full.
func (c *Client) retire(job *copyJob) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := job.state.ID
	delete(c.copies, id)

	c.finished[id] = job
	c.finishedOrder = append(c.finishedOrder, id)

	for len(c.finishedOrder) > MaxFinishedCopies {
		delete(c.finished, c.finishedOrder[0])
		c.finishedOrder = c.finishedOrder[1:]
	}
}

func (c *Client) lookupCopy(id string) (*copyJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if job, ok := c.copies[id]; ok {
		return job, true
	}

	job, ok := c.finished[id]

	return job, ok
}

// CopyStatus reports the current state of a copy. Completed copies are answered
// until MaxFinishedCopies newer ones have completed.
func (c *Client) CopyStatus(_ context.Context, id string) (CopyState, error) {
	job, ok := c.lookupCopy(id)
	if !ok {
		return CopyState{}, fmt.Errorf("copy %s: %w", id, ErrUnknownCopy)
	}

	return job.snapshot(), nil
}

// AbortCopy stops a pending copy and removes whatever reached the destination. A
// copy that already failed is cleaned up the same way. Aborting a copy that
// succeeded or was already aborted fails with ErrNoPendingCopy.
func (c *Client) AbortCopy(ctx context.Context, id string) error {
	job, ok := c.lookupCopy(id)
	if !ok {
		return fmt.Errorf("copy %s: %w", id, ErrUnknownCopy)
	}

	job.mu.Lock()
	status := job.state.Status

	switch status {
	case CopyPending, CopyFailed:
		job.state.Status = CopyAborted
	default:
		job.mu.Unlock()

		return fmt.Errorf("copy %s is %s: %w", id, status, ErrNoPendingCopy)
	}
	job.mu.Unlock()

	job.cancel()
	<-job.done

	dst := job.snapshot().Destination

	err := c.Delete(ctx, dst)
	if err != nil && !IsNotFound(err) {
		return err
	}

	if status == CopyPending {
		logctx.LoggerFromContext(ctx).Debug("copy aborted", "copy_id", id, "destination", dst.String())
	}

	return nil
}

// Wait blocks until the copy leaves the pending state or ctx ends.
func (c *Client) Wait(ctx context.Context, id string) (CopyState, error) {
	job, ok := c.lookupCopy(id)
	if !ok {
		return CopyState{}, fmt.Errorf("copy %s: %w", id, ErrUnknownCopy)
	}

	select {
	case <-job.done:
		return job.snapshot(), nil
	case <-ctx.Done():
		return job.snapshot(), context.Cause(ctx)
	}
}
