package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/blob_ingest/internal/blobstore"
	"github.com/italolelis/blob_ingest/internal/logctx"
	"github.com/italolelis/blob_ingest/internal/progress"
)

// BlockingClient is a storage client whose Download blocks until the whole blob has
// been written. The only way to interrupt it from outside is Close.
type BlockingClient interface {
	Exists(ctx context.Context, ref blobstore.Ref) (bool, error)
	Download(ctx context.Context, ref blobstore.Ref, w io.WriterAt, onProgress progress.Func) (int64, error)
	io.Closer
}

// Dialer opens a client scoped to a single download.
type Dialer func(ctx context.Context) (BlockingClient, error)

// SyncDownloader downloads a blob with one blocking call and leaves the fan-out to the
// storage client. It is preemptively cancellable: a Monitor closes the client when
// the timeout signal fires, which makes the blocking call fail.
type SyncDownloader struct {
	Dial         Dialer
	PollInterval time.Duration
}

func NewSyncDownloader(dial Dialer) *SyncDownloader {
	return &SyncDownloader{Dial: dial, PollInterval: DefaultPollInterval}
}

// Download writes src to destDir/<basename> and returns that path.
func (d *SyncDownloader) Download(ctx context.Context, src blobstore.Ref, destDir string, timeout *Signal) (path string, err error) {
	logger := logctx.LoggerFromContext(ctx).With("blob", src.String())

	client, err := d.Dial(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to open storage client: %w", err)
	}

	defer func() {
		if cerr := client.Close(); cerr != nil && !errors.Is(cerr, blobstore.ErrClosed) {
			logger.Warn("failed to close storage client", "err", cerr)
		}
	}()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination directory: %w", err)
	}

	dst := filepath.Join(destDir, src.Name())

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to open destination file: %w", err)
	}

	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(dst)
		}
	}()

	exists, err := client.Exists(ctx, src)
	if err != nil {
		return "", err
	}

	if !exists {
		return "", &blobstore.NotFoundError{Ref: src}
	}

	stop := NewSignal()
	monitor := &Monitor{Signal: timeout, Stop: stop, Target: client, PollInterval: d.PollInterval}

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	n, err := client.Download(ctx, src, f, func(done, total int64) {
		logger.Debug("download progress", "percent", fmt.Sprintf("%.1f", progress.Percent(done, total)))
	})

	stop.Fire()
	wg.Wait()

	if err != nil {
		if monitor.Tripped() || timeout.Fired() {
			return "", &TimeoutError{Op: "download_sync", Ref: src, Chunk: -1, Err: err}
		}

		return "", err
	}

	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close destination file: %w", err)
	}

	logger.Info("download completed", "path", dst, "size", humanize.IBytes(uint64(n)))

	return dst, nil
}

// Fetch is Download under the name shared with ParallelDownloader.
func (d *SyncDownloader) Fetch(ctx context.Context, src blobstore.Ref, destDir string, timeout *Signal) (string, error) {
	return d.Download(ctx, src, destDir, timeout)
}
