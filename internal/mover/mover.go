// Package mover copies raw uploads into the datasets tier under a short lease.
package mover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/blob_ingest/internal/blobstore"
	"github.com/italolelis/blob_ingest/internal/lease"
	"github.com/italolelis/blob_ingest/internal/logctx"
	"github.com/italolelis/blob_ingest/internal/marker"
	"github.com/italolelis/blob_ingest/internal/telemetry"
	"github.com/italolelis/blob_ingest/internal/transfer"
)

const (
	DefaultLeaseDuration = 30 * time.Second
	DefaultCopyTimeout   = 30 * time.Second
	DefaultPollInterval  = 500 * time.Millisecond
)

// Store is the part of the storage client the mover needs.
type Store interface {
	AcquireLease(ctx context.Context, ref blobstore.Ref, d time.Duration) (*blobstore.Lease, error)
	RenewLease(ctx context.Context, l *blobstore.Lease) error
	ReleaseLease(ctx context.Context, l *blobstore.Lease) error
	StartCopy(ctx context.Context, src, dst blobstore.Ref) (string, error)
	CopyStatus(ctx context.Context, id string) (blobstore.CopyState, error)
	AbortCopy(ctx context.Context, id string) error
}

type Mover struct {
	store     Store
	markers   *marker.Writer
	layout    Layout
	telemetry *telemetry.Telemetry

	LeaseDuration time.Duration
	CopyTimeout   time.Duration
	PollInterval  time.Duration
	// Renewer keeps the source lease alive while the copy runs. Nil disables renewal.
	Renewer *lease.Renewer
}

func New(store Store, markers *marker.Writer, layout Layout, tel *telemetry.Telemetry) *Mover {
	return &Mover{
		store:         store,
		markers:       markers,
		layout:        layout,
		telemetry:     tel,
		LeaseDuration: DefaultLeaseDuration,
		CopyTimeout:   DefaultCopyTimeout,
		PollInterval:  DefaultPollInterval,
	}
}

// Destination returns where Move copies src to.
func (m *Mover) Destination(src blobstore.Ref) blobstore.Ref {
	return m.layout.Destination(src)
}

// Move copies src into the datasets tier. While it runs, an ingesting marker sits at
// the destination. Failures are reported through an error marker on src and returned
// to the caller: *CopyError when the copy ends without success, *transfer.TimeoutError
// when it does not finish within CopyTimeout, and the storage error otherwise.
// A *blobstore.LeaseConflictError means another mover owns src; no marker is written.
func (m *Mover) Move(ctx context.Context, src blobstore.Ref) error {
	dst := m.layout.Destination(src)
	ctx = logctx.WithBlob(ctx, src.Container, src.Path)
	logger := logctx.LoggerFromContext(ctx)

	return m.telemetry.InstrumentOperation(ctx, "move_blob", "mover", func(ctx context.Context) error {
		l, err := m.store.AcquireLease(ctx, src, m.LeaseDuration)
		if err != nil {
			var conflict *blobstore.LeaseConflictError
			if errors.As(err, &conflict) {
				logger.Info("blob is leased by another mover, skipping", "owner", conflict.Owner)

				return err
			}

			return m.fail(ctx, src, fmt.Sprintf("Failed to copy %s: %v", src, err), err)
		}

		defer func() {
			if err := m.store.ReleaseLease(context.WithoutCancel(ctx), l); err != nil {
				logger.Error("failed to release lease", "err", err)
			}
		}()

		stopRenewer := m.keepAlive(ctx, l)
		defer stopRenewer()

		m.markers.Ingesting(ctx, dst)

		logger.Info("copying blob", "destination", dst.String())

		id, err := m.store.StartCopy(ctx, src, dst)
		if err != nil {
			return m.fail(ctx, src, fmt.Sprintf("Failed to copy %s: %v", src, err), err)
		}

		state, err := m.await(ctx, id)
		if err != nil {
			m.abort(ctx, id)

			var te *transfer.TimeoutError
			if errors.As(err, &te) {
				return m.fail(ctx, src, fmt.Sprintf("Copy operation timed out for %s", src), err)
			}

			return m.fail(ctx, src, fmt.Sprintf("Failed to copy %s: %v", src, err), err)
		}

		if state.Status != blobstore.CopySuccess {
			m.abort(ctx, id)

			return m.fail(ctx, src, fmt.Sprintf("Failed to copy %s to %s", src, dst),
				&CopyError{Source: src, Destination: dst, Status: state.Status, Err: state.Err})
		}

		logger.Info("blob copied", "destination", dst.String(), "bytes", state.Copied)

		return nil
	})
}

// await polls the copy until it leaves the pending state or CopyTimeout elapses.
func (m *Mover) await(ctx context.Context, id string) (blobstore.CopyState, error) {
	timeout, stopTimer := transfer.NewTimeoutSignal(m.CopyTimeout)
	defer stopTimer()

	interval := m.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := m.store.CopyStatus(ctx, id)
		if err != nil {
			return state, err
		}

		if state.Status != blobstore.CopyPending {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-timeout.Done():
			return state, &transfer.TimeoutError{Op: "copy", Ref: state.Source, Chunk: -1, Err: context.DeadlineExceeded}
		case <-ticker.C:
		}
	}
}

func (m *Mover) abort(ctx context.Context, id string) {
	if err := m.store.AbortCopy(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, blobstore.ErrNoPendingCopy) {
		logctx.LoggerFromContext(ctx).Error("failed to abort copy", "copy_id", id, "err", err)
	}
}

func (m *Mover) fail(ctx context.Context, src blobstore.Ref, message string, err error) error {
	logctx.LoggerFromContext(ctx).Error(message, "err", err)
	m.markers.Error(context.WithoutCancel(ctx), src, message)

	return err
}

func (m *Mover) keepAlive(ctx context.Context, l *blobstore.Lease) func() {
	if m.Renewer == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		_ = m.Renewer.Run(ctx, l, func(ctx context.Context) error {
			return m.store.RenewLease(ctx, l)
		})
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
