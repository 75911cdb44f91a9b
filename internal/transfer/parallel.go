package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/blob_ingest/internal/blobstore"
	"github.com/italolelis/blob_ingest/internal/logctx"
	"github.com/italolelis/blob_ingest/internal/progress"
)

const (
	DefaultChunkCount  = 5
	DefaultSegmentSize = 4 * 1024 * 1024
)

// RangeSource is the part of the storage client the parallel downloader reads from.
type RangeSource interface {
	Properties(ctx context.Context, ref blobstore.Ref) (*blobstore.Properties, error)
	NewRangeReader(ctx context.Context, ref blobstore.Ref, offset, length int64) (io.ReadCloser, error)
}

// ParallelDownloader fans a blob out into concurrent range reads that write straight
// into the destination file at their own offsets. It is cooperatively cancellable:
// every chunk checks the cancellation signal after each segment it receives.
type ParallelDownloader struct {
	Source      RangeSource
	ChunkCount  int
	SegmentSize int64
}

func NewParallelDownloader(source RangeSource, chunkCount int, segmentSize int64) *ParallelDownloader {
	return &ParallelDownloader{Source: source, ChunkCount: chunkCount, SegmentSize: segmentSize}
}

type transferState struct {
	started time.Time
	written []atomic.Int64
}

func newTransferState(chunks int) *transferState {
	return &transferState{started: time.Now(), written: make([]atomic.Int64, chunks)}
}

func (s *transferState) total() int64 {
	var sum int64

	for i := range s.written {
		sum += s.written[i].Load()
	}

	return sum
}

// Download copies src into the file at dst, creating or truncating it, and returns the
// number of bytes written, which always equals the blob size. On any failure the
// destination file is removed. When cancel fires before every chunk has completed the
// error is a *TimeoutError.
func (d *ParallelDownloader) Download(ctx context.Context, src blobstore.Ref, dst string, chunkCount int, cancel *Signal) (written int64, err error) {
	logger := logctx.LoggerFromContext(ctx).With("blob", src.String(), "destination", dst)

	props, err := d.Source.Properties(ctx, src)
	if err != nil {
		return 0, err
	}

	chunks, err := Plan(props.Size, chunkCount)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create destination directory: %w", err)
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open destination file: %w", err)
	}

	defer func() {
		if err != nil {
			_ = f.Close()

			if rmErr := os.Remove(dst); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				logger.Error("failed to remove partial download", "err", rmErr)
			}
		}
	}()

	if err := f.Truncate(props.Size); err != nil {
		return 0, fmt.Errorf("failed to size destination file: %w", err)
	}

	logger.Info("starting parallel download",
		"size", humanize.IBytes(uint64(props.Size)),
		"content_type", props.ContentType,
		"chunks", len(chunks),
	)

	state := newTransferState(len(chunks))

	tctx, cancelTransfer := context.WithCancelCause(ctx)
	defer cancelTransfer(nil)

	stopWatch := WatchCooperative(tctx, cancel, cancelTransfer)

	g, gctx := errgroup.WithContext(tctx)

	for _, c := range chunks {
		g.Go(func() error {
			return d.fetchChunk(gctx, src, f, c, state, cancel)
		})
	}

	err = g.Wait()

	stopWatch()

	if err != nil {
		if cancel.Fired() || errors.Is(context.Cause(tctx), ErrCancelled) {
			var te *TimeoutError
			if errors.As(err, &te) {
				return 0, te
			}

			return 0, &TimeoutError{Op: "download", Ref: src, Chunk: -1, Err: errors.Join(ErrCancelled, err)}
		}

		return 0, err
	}

	written = state.total()
	if written != props.Size {
		return 0, &PartialWriteError{Ref: src, Expected: props.Size, Written: written}
	}

	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close destination file: %w", err)
	}

	logger.Info("parallel download completed",
		"size", humanize.IBytes(uint64(written)),
		"duration", time.Since(state.started).String(),
	)

	return written, nil
}

func (d *ParallelDownloader) fetchChunk(ctx context.Context, src blobstore.Ref, w io.WriterAt, c Chunk, state *transferState, cancel *Signal) error {
	if c.Length == 0 {
		return nil
	}

	if cancel.Fired() {
		return &TimeoutError{Op: "download", Ref: src, Chunk: c.Index, Err: ErrCancelled}
	}

	logger := logctx.LoggerFromContext(ctx)

	r, err := d.Source.NewRangeReader(ctx, src, c.Offset, c.Length)
	if err != nil {
		return fmt.Errorf("chunk %d: %w", c.Index, err)
	}
	defer r.Close()

	segment := d.SegmentSize
	if segment <= 0 {
		segment = DefaultSegmentSize
	}

	buf := make([]byte, min(segment, c.Length))
	body := io.LimitReader(r, c.Length)

	var written int64

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.WriteAt(buf[:n], c.Offset+written); err != nil {
				return fmt.Errorf("chunk %d: write at offset %d: %w", c.Index, c.Offset+written, err)
			}

			written += int64(n)
			state.written[c.Index].Add(int64(n))

			logger.Debug("chunk progress",
				"chunk", c.Index,
				"percent", fmt.Sprintf("%.1f", progress.Percent(written, c.Length)),
				"written", humanize.IBytes(uint64(written)),
			)

			if cancel.Fired() {
				return &TimeoutError{Op: "download", Ref: src, Chunk: c.Index, Err: ErrCancelled}
			}
		}

		if readErr == io.EOF {
			return nil
		}

		if readErr != nil {
			if cancel.Fired() {
				return &TimeoutError{Op: "download", Ref: src, Chunk: c.Index, Err: readErr}
			}

			return fmt.Errorf("chunk %d: read: %w", c.Index, readErr)
		}
	}
}

// Fetch downloads src into destDir under its base name with the configured chunk count.
func (d *ParallelDownloader) Fetch(ctx context.Context, src blobstore.Ref, destDir string, cancel *Signal) (string, error) {
	dst := filepath.Join(destDir, src.Name())

	if _, err := d.Download(ctx, src, dst, d.ChunkCount, cancel); err != nil {
		return "", err
	}

	return dst, nil
}
