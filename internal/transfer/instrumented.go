package transfer

import (
	"context"
	"os"

	"github.com/italolelis/blob_ingest/internal/blobstore"
	"github.com/italolelis/blob_ingest/internal/telemetry"
)

// Fetcher downloads a blob into a local directory and returns the file path.
// Both downloaders implement it.
type Fetcher interface {
	Fetch(ctx context.Context, src blobstore.Ref, destDir string, cancel *Signal) (string, error)
}

// InstrumentedFetcher wraps a Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
	variant   string
}

// NewInstrumentedFetcher creates a new instrumented fetcher. variant labels the
// metrics, e.g. "parallel" or "sync".
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry, variant string) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:   fetcher,
		telemetry: tel,
		variant:   variant,
	}
}

// Fetch downloads the blob with telemetry.
func (f *InstrumentedFetcher) Fetch(ctx context.Context, src blobstore.Ref, destDir string, cancel *Signal) (string, error) {
	var path string

	_, err := f.telemetry.InstrumentTransfer(ctx, f.variant, func(ctx context.Context) (int64, error) {
		var err error

		path, err = f.fetcher.Fetch(ctx, src, destDir, cancel)
		if err != nil {
			return 0, err
		}

		if info, statErr := os.Stat(path); statErr == nil {
			return info.Size(), nil
		}

		return 0, nil
	})
	if err != nil {
		return "", err
	}

	return path, nil
}
