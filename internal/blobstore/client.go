package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/blob_ingest/internal/logctx"
	"github.com/italolelis/blob_ingest/internal/progress"
	"github.com/italolelis/blob_ingest/internal/storage"
	"github.com/italolelis/blob_ingest/internal/telemetry"
)

const (
	DefaultConcurrency = 8
	DefaultBlockSize   = 16 * 1024 * 1024
)

// Properties is the subset of blob metadata the transfer components need.
type Properties struct {
	Size        int64
	ContentType string
	ETag        string
	ModTime     time.Time
}

// Opener opens the bucket backing a container.
type Opener func(ctx context.Context, container string) (*blob.Bucket, error)

// URLOpener opens containers through gocloud.dev URLs. Every "{container}" in
// template is replaced by the container name, e.g. "azblob://{container}" or
// "file:///srv/blobs/{container}".
func URLOpener(template string) Opener {
	return func(ctx context.Context, container string) (*blob.Bucket, error) {
		return blob.OpenBucket(ctx, strings.ReplaceAll(template, "{container}", container))
	}
}

type Option func(*Client)

// WithOwner sets the identity recorded on acquired leases.
func WithOwner(owner string) Option {
	return func(c *Client) { c.owner = owner }
}

// WithConcurrency bounds the parallel range reads issued by Download.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithBlockSize sets the range size Download splits a blob into.
func WithBlockSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.blockSize = n
		}
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Client) { c.telemetry = t }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client is the storage service collaborator: blob reads and writes over gocloud.dev
// buckets, leases persisted in a storage.LeaseRepository, and asynchronous copies.
//
// Close tears the client down: every in-flight operation observes ErrClosed at its
// next read, which is how blocking downloads are interrupted from another goroutine.
type Client struct {
	open        Opener
	leases      storage.LeaseRepository
	owner       string
	concurrency int
	blockSize   int64
	telemetry   *telemetry.Telemetry
	now         func() time.Time

	base     context.Context
	shutdown context.CancelFunc

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
	copies  map[string]*copyJob
	copyWG  sync.WaitGroup
	// finished keeps the last MaxFinishedCopies outcomes so callers polling a copy
	// that just completed still get an answer.
	finished      map[string]*copyJob
	finishedOrder []string

	closeOnce sync.Once
	closeErr  error
}

// New returns a client. leases may be nil when the caller never leases blobs.
func New(open Opener, leases storage.LeaseRepository, opts ...Option) *Client {
	base, shutdown := context.WithCancel(context.Background())

	c := &Client{
		open:        open,
		leases:      leases,
		owner:       storage.NewOwnerID("blobstore"),
		concurrency: DefaultConcurrency,
		blockSize:   DefaultBlockSize,
		now:         time.Now,
		base:        base,
		shutdown:    shutdown,
		buckets:     make(map[string]*blob.Bucket),
		copies:      make(map[string]*copyJob),
		finished:    make(map[string]*copyJob),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// scope derives an operation context that is cancelled with ErrClosed when the client closes.
func (c *Client) scope(ctx context.Context) (context.Context, func(), error) {
	if c.base.Err() != nil {
		return nil, nil, ErrClosed
	}

	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(c.base, func() { cancel(ErrClosed) })

	return ctx, func() {
		stop()
		cancel(nil)
	}, nil
}

func (c *Client) fail(ctx context.Context, op string, ref Ref, err error) error {
	if err == nil {
		return nil
	}

	if c.base.Err() != nil || (ctx != nil && errors.Is(context.Cause(ctx), ErrClosed)) {
		return fmt.Errorf("%s %s: %w", op, ref, ErrClosed)
	}

	return classify(op, ref, err)
}

func (c *Client) bucket(ctx context.Context, container string) (*blob.Bucket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.base.Err() != nil {
		return nil, ErrClosed
	}

	if b, ok := c.buckets[container]; ok {
		return b, nil
	}

	b, err := c.open(ctx, container)
	if err != nil {
		return nil, fmt.Errorf("open container %s: %w", container, err)
	}

	c.buckets[container] = b

	return b, nil
}

// do runs fn inside an operation scope on the ref's bucket.
func (c *Client) do(ctx context.Context, op string, ref Ref, fn func(ctx context.Context, b *blob.Bucket) error) error {
	return c.telemetry.InstrumentStoreOperation(ctx, op, func(ctx context.Context) error {
		ctx, release, err := c.scope(ctx)
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, ref, err)
		}
		defer release()

		b, err := c.bucket(ctx, ref.Container)
		if err != nil {
			return c.fail(ctx, op, ref, err)
		}

		return c.fail(ctx, op, ref, fn(ctx, b))
	})
}

// Properties fails with *NotFoundError if the blob is absent.
func (c *Client) Properties(ctx context.Context, ref Ref) (*Properties, error) {
	var props *Properties

	err := c.do(ctx, "get_properties", ref, func(ctx context.Context, b *blob.Bucket) error {
		attrs, err := b.Attributes(ctx, ref.Path)
		if err != nil {
			return err
		}

		props = &Properties{
			Size:        attrs.Size,
			ContentType: attrs.ContentType,
			ETag:        attrs.ETag,
			ModTime:     attrs.ModTime,
		}

		return nil
	})

	return props, err
}

func (c *Client) Exists(ctx context.Context, ref Ref) (bool, error) {
	var exists bool

	err := c.do(ctx, "exists", ref, func(ctx context.Context, b *blob.Bucket) error {
		var err error

		exists, err = b.Exists(ctx, ref.Path)

		return err
	})

	return exists, err
}

// NewRangeReader opens a finite stream over [offset, offset+length).
func (c *Client) NewRangeReader(ctx context.Context, ref Ref, offset, length int64) (io.ReadCloser, error) {
	ctx, release, err := c.scope(ctx)
	if err != nil {
		return nil, fmt.Errorf("open_range %s: %w", ref, err)
	}

	b, err := c.bucket(ctx, ref.Container)
	if err != nil {
		release()

		return nil, c.fail(ctx, "open_range", ref, err)
	}

	r, err := b.NewRangeReader(ctx, ref.Path, offset, length, nil)
	if err != nil {
		release()

		return nil, c.fail(ctx, "open_range", ref, err)
	}

	return &scopedReader{ctx: ctx, r: r, release: release, client: c, ref: ref}, nil
}

// Download reads the whole blob into w. The client splits the blob into blocks and
// reads up to its concurrency limit of them in parallel; the call blocks until every
// block has been written, the context ends, or the client is closed.
func (c *Client) Download(ctx context.Context, ref Ref, w io.WriterAt, onProgress progress.Func) (int64, error) {
	ctx, release, err := c.scope(ctx)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", ref, err)
	}
	defer release()

	b, err := c.bucket(ctx, ref.Container)
	if err != nil {
		return 0, c.fail(ctx, "download", ref, err)
	}

	attrs, err := b.Attributes(ctx, ref.Path)
	if err != nil {
		return 0, c.fail(ctx, "download", ref, err)
	}

	size := attrs.Size
	tracker := progress.NewTracker(size, c.blockSize, onProgress)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for offset := int64(0); offset < size; offset += c.blockSize {
		length := min(c.blockSize, size-offset)

		g.Go(func() error {
			r, err := b.NewRangeReader(gctx, ref.Path, offset, length, nil)
			if err != nil {
				return err
			}
			defer r.Close()

			n, err := io.Copy(io.NewOffsetWriter(w, offset), progress.NewReader(&ctxReader{ctx: gctx, base: c.base, r: r}, tracker))
			if err != nil {
				return err
			}

			if n != length {
				return fmt.Errorf("block at offset %d: read %d of %d bytes: %w", offset, n, length, io.ErrUnexpectedEOF)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return tracker.Done(), c.fail(ctx, "download", ref, err)
	}

	return tracker.Done(), nil
}

// ReadAll returns the whole blob. Intended for small objects such as status markers.
func (c *Client) ReadAll(ctx context.Context, ref Ref) ([]byte, error) {
	var data []byte

	err := c.do(ctx, "read_all", ref, func(ctx context.Context, b *blob.Bucket) error {
		var err error

		data, err = b.ReadAll(ctx, ref.Path)

		return err
	})

	return data, err
}

// Upload writes data to the blob. With overwrite false an existing blob is left
// untouched and the call fails with ErrExists.
func (c *Client) Upload(ctx context.Context, ref Ref, data []byte, overwrite bool) error {
	return c.do(ctx, "upload", ref, func(ctx context.Context, b *blob.Bucket) error {
		if !overwrite {
			exists, err := b.Exists(ctx, ref.Path)
			if err != nil {
				return err
			}

			if exists {
				return &RequestError{Operation: "upload", Ref: ref, Err: ErrExists}
			}
		}

		return b.WriteAll(ctx, ref.Path, data, nil)
	})
}

// UploadFile streams a local file to the blob and returns the bytes written.
func (c *Client) UploadFile(ctx context.Context, ref Ref, localPath string, overwrite bool) (int64, error) {
	var written int64

	err := c.do(ctx, "upload_file", ref, func(ctx context.Context, b *blob.Bucket) error {
		logger := logctx.LoggerFromContext(ctx)

		if !overwrite {
			exists, err := b.Exists(ctx, ref.Path)
			if err != nil {
				return err
			}

			if exists {
				return &RequestError{Operation: "upload_file", Ref: ref, Err: ErrExists}
			}
		}

		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", localPath, err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat %s: %w", localPath, err)
		}

		wctx, cancel := context.WithCancel(ctx)
		defer cancel()

		w, err := b.NewWriter(wctx, ref.Path, nil)
		if err != nil {
			return err
		}

		tracker := progress.NewTracker(info.Size(), c.blockSize, func(done, total int64) {
			logger.Debug("upload progress", "blob", ref.String(), "percent", progress.Percent(done, total))
		})

		written, err = io.Copy(w, progress.NewReader(f, tracker))
		if err != nil {
			// Cancelling before Close discards the partial object.
			cancel()
			_ = w.Close()

			return err
		}

		return w.Close()
	})

	return written, err
}

// Delete removes the blob; a missing blob is a *NotFoundError.
func (c *Client) Delete(ctx context.Context, ref Ref) error {
	return c.do(ctx, "delete", ref, func(ctx context.Context, b *blob.Bucket) error {
		return b.Delete(ctx, ref.Path)
	})
}

// Close aborts every pending copy, interrupts in-flight operations and closes the
// underlying buckets. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.shutdown()
		c.copyWG.Wait()

		c.mu.Lock()
		defer c.mu.Unlock()

		var errs []error

		for name, b := range c.buckets {
			if err := b.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close container %s: %w", name, err))
			}
		}

		c.buckets = map[string]*blob.Bucket{}
		c.closeErr = errors.Join(errs...)
	})

	return c.closeErr
}

// scopedReader releases the operation scope on Close and reports ErrClosed once
// the client has been torn down.
type scopedReader struct {
	ctx     context.Context
	r       io.ReadCloser
	release func()
	client  *Client
	ref     Ref
}

func (s *scopedReader) Read(p []byte) (int, error) {
	if s.client.base.Err() != nil {
		return 0, fmt.Errorf("read_range %s: %w", s.ref, ErrClosed)
	}

	if err := s.ctx.Err(); err != nil {
		return 0, s.client.fail(s.ctx, "read_range", s.ref, context.Cause(s.ctx))
	}

	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		return n, s.client.fail(s.ctx, "read_range", s.ref, err)
	}

	return n, err
}

func (s *scopedReader) Close() error {
	defer s.release()

	return s.r.Close()
}

// ctxReader stops a read loop as soon as ctx ends or the client closes, even for
// drivers whose readers never block (in-memory buckets).
type ctxReader struct {
	ctx  context.Context
	base context.Context
	r    io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if c.base != nil && c.base.Err() != nil {
		return 0, ErrClosed
	}

	if c.ctx.Err() != nil {
		return 0, context.Cause(c.ctx)
	}

	return c.r.Read(p)
}
