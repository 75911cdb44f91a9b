// Package lease keeps time-bounded claims alive while long-running work holds them.
package lease

import (
	"context"
	"time"

	"github.com/italolelis/blob_ingest/internal/logctx"
	"github.com/italolelis/blob_ingest/internal/telemetry"
)

const (
	DefaultInterval  = time.Second
	DefaultThreshold = 10 * time.Second
)

// Expirer is anything with an expiry that renewal pushes forward, such as a queue
// message lock or a blob lease.
type Expirer interface {
	ExpiresAt() time.Time
}

// RenewFunc extends the claim. It is expected to update what ExpiresAt reports.
type RenewFunc func(ctx context.Context) error

// Renewer renews a claim shortly before it expires, for as long as it runs.
type Renewer struct {
	// Interval is how often the remaining time is checked.
	Interval time.Duration
	// Threshold is the remaining time below which a renewal is issued.
	Threshold time.Duration
	// Kind labels logs and metrics, e.g. "job" or "blob".
	Kind      string
	Now       func() time.Time
	Telemetry *telemetry.Telemetry

	// ticks overrides the ticker in tests.
	ticks func(d time.Duration) (<-chan time.Time, func())
}

func NewRenewer(kind string, tel *telemetry.Telemetry) *Renewer {
	return &Renewer{
		Interval:  DefaultInterval,
		Threshold: DefaultThreshold,
		Kind:      kind,
		Now:       time.Now,
		Telemetry: tel,
	}
}

// Run checks target once per Interval and calls renew whenever fewer than Threshold
// remain. It returns nil when ctx is cancelled and the renew error when a renewal
// fails; in both cases the loop is over. A failed renewal does not stop the work
// holding the claim, which may still finish before the claim is reclaimed.
func (r *Renewer) Run(ctx context.Context, target Expirer, renew RenewFunc) error {
	logger := logctx.LoggerFromContext(ctx).With("lease_kind", r.Kind)

	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	now := r.Now
	if now == nil {
		now = time.Now
	}

	ticks, stop := r.ticker(interval)
	defer stop()

	for {
		if ctx.Err() != nil {
			logger.Debug("lease renewer stopped", "reason", "context_cancelled")

			return nil
		}

		remaining := target.ExpiresAt().Sub(now())
		if remaining < r.Threshold {
			logger.Debug("renewing lease", "remaining", remaining.String())

			if err := renew(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				r.Telemetry.RecordLeaseRenewal(r.Kind, "error")
				logger.Error("failed to renew lease, giving up", "err", err)

				return err
			}

			r.Telemetry.RecordLeaseRenewal(r.Kind, "success")
		}

		select {
		case <-ctx.Done():
			logger.Debug("lease renewer stopped", "reason", "context_cancelled")

			return nil
		case <-ticks:
		}
	}
}

func (r *Renewer) ticker(d time.Duration) (<-chan time.Time, func()) {
	if r.ticks != nil {
		return r.ticks(d)
	}

	t := time.NewTicker(d)

	return t.C, t.Stop
}
