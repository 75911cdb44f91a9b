package transfer

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/italolelis/blob_ingest/internal/logctx"
)

// DefaultPollInterval is how often a preemptive Monitor checks its signals.
const DefaultPollInterval = time.Second

// WatchCooperative cancels the transfer context with ErrCancelled as soon as sig
// fires, tearing down every range stream opened under it. Tasks still observe the
// signal themselves between segments; the watcher only makes the teardown prompt.
// The returned function stops the watcher and must be called once the transfer ends.
func WatchCooperative(ctx context.Context, sig *Signal, cancel context.CancelCauseFunc) func() {
	stop := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)

		select {
		case <-sig.Done():
			cancel(ErrCancelled)
		case <-ctx.Done():
		case <-stop:
		}
	}()

	return func() {
		close(stop)
		<-exited
	}
}

// Monitor preemptively cancels a blocking call by closing the resource it is blocked
// on. It polls Signal every PollInterval and closes Target when it fires. The owner
// of the blocking call fires Stop when the call returns so the monitor exits.
type Monitor struct {
	Signal       *Signal
	Stop         *Signal
	Target       io.Closer
	PollInterval time.Duration

	tripped atomic.Bool
}

// Run blocks until Signal fires (after closing Target), Stop fires or ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	interval := m.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if m.Stop.Fired() {
			return
		}

		if m.Signal.Fired() {
			m.tripped.Store(true)

			logger.Warn("cancellation signal fired, closing storage client")

			if err := m.Target.Close(); err != nil {
				logger.Error("failed to close storage client", "err", err)
			}

			return
		}

		select {
		case <-ctx.Done():
			return
		case <-m.Stop.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tripped reports whether the monitor closed its target.
func (m *Monitor) Tripped() bool {
	return m.tripped.Load()
}
