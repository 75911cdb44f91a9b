package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/italolelis/blob_ingest/internal/blobstore"
	"github.com/italolelis/blob_ingest/internal/progress"
)

func sample(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i * 31) ^ (i >> 8))
	}

	return data
}

// newMemClient returns a storage client over a single shared in-memory bucket
// holding data at ref.
func newMemClient(t *testing.T, ref blobstore.Ref, data []byte) (*blobstore.Client, blobstore.Opener) {
	t.Helper()

	bucket := memblob.OpenBucket(nil)
	require.NoError(t, bucket.WriteAll(context.Background(), ref.Path, data, nil))
	t.Cleanup(func() { bucket.Close() })

	// The bucket outlives every client so that scoped clients can be closed freely.
	open := func(context.Context, string) (*blob.Bucket, error) {
		return blob.PrefixedBucket(bucket, ""), nil
	}

	c := blobstore.New(open, nil)
	t.Cleanup(func() { c.Close() })

	return c, open
}

func TestParallelDownloader_ByteEquality(t *testing.T) {
	const size = 1031

	ref := blobstore.Ref{Container: "raw", Path: "in/sample.bin"}
	data := sample(size)
	client, _ := newMemClient(t, ref, data)

	for _, count := range []int{1, 2, 5, size} {
		t.Run(fmt.Sprintf("chunks=%d", count), func(t *testing.T) {
			dst := filepath.Join(t.TempDir(), "out.bin")
			d := NewParallelDownloader(client, count, 64)

			n, err := d.Download(context.Background(), ref, dst, count, NewSignal())
			require.NoError(t, err)
			assert.Equal(t, int64(size), n)

			got, err := os.ReadFile(dst)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got), "chunk count %d produced different bytes", count)
		})
	}
}

func TestParallelDownloader_EmptyBlob(t *testing.T) {
	ref := blobstore.Ref{Container: "raw", Path: "empty.bin"}
	client, _ := newMemClient(t, ref, []byte{})

	dst := filepath.Join(t.TempDir(), "empty.bin")
	n, err := NewParallelDownloader(client, 5, 0).Download(context.Background(), ref, dst, 5, NewSignal())
	require.NoError(t, err)
	assert.Zero(t, n)

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestParallelDownloader_NotFound(t *testing.T) {
	client, _ := newMemClient(t, blobstore.Ref{Container: "raw", Path: "present"}, []byte("x"))

	dst := filepath.Join(t.TempDir(), "out.bin")
	_, err := NewParallelDownloader(client, 2, 0).Download(context.Background(), blobstore.Ref{Container: "raw", Path: "absent"}, dst, 2, NewSignal())
	require.Error(t, err)
	assert.True(t, blobstore.IsNotFound(err))
	assert.NoFileExists(t, dst)
}

func TestParallelDownloader_Fetch(t *testing.T) {
	ref := blobstore.Ref{Container: "raw", Path: "deep/dir/scene.tif"}
	data := sample(300)
	client, _ := newMemClient(t, ref, data)

	dir := t.TempDir()
	path, err := NewParallelDownloader(client, 3, 0).Fetch(context.Background(), ref, dir, NewSignal())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "scene.tif"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// stallingSource serves the first segment of each range immediately and then blocks
// until the range's context is cancelled.
type stallingSource struct {
	size   int64
	served chan struct{}
	once   sync.Once
}

func (s *stallingSource) Properties(context.Context, blobstore.Ref) (*blobstore.Properties, error) {
	return &blobstore.Properties{Size: s.size}, nil
}

func (s *stallingSource) NewRangeReader(ctx context.Context, _ blobstore.Ref, _, length int64) (io.ReadCloser, error) {
	return io.NopCloser(&stallingReader{ctx: ctx, remaining: length, onServe: func() {
		s.once.Do(func() { close(s.served) })
	}}), nil
}

type stallingReader struct {
	ctx       context.Context
	remaining int64
	served    bool
	onServe   func()
}

func (r *stallingReader) Read(p []byte) (int, error) {
	if !r.served {
		r.served = true
		n := min(int64(len(p)), r.remaining, 8)
		r.onServe()

		return int(n), nil
	}

	<-r.ctx.Done()

	return 0, context.Cause(r.ctx)
}

func TestParallelDownloader_CancelledMidTransfer(t *testing.T) {
	src := &stallingSource{size: 1000, served: make(chan struct{})}
	ref := blobstore.Ref{Container: "raw", Path: "slow.bin"}
	dst := filepath.Join(t.TempDir(), "slow.bin")
	sig := NewSignal()

	errCh := make(chan error, 1)
	go func() {
		_, err := NewParallelDownloader(src, 4, 0).Download(context.Background(), ref, dst, 4, sig)
		errCh <- err
	}()

	<-src.served
	sig.Fire()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("download did not observe cancellation")
	}

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ref, te.Ref)
	assert.NoFileExists(t, dst, "a cancelled download must not leave a file behind")
}

func TestParallelDownloader_AlreadyCancelled(t *testing.T) {
	ref := blobstore.Ref{Container: "raw", Path: "a.bin"}
	client, _ := newMemClient(t, ref, sample(500))
	dst := filepath.Join(t.TempDir(), "a.bin")

	sig := NewSignal()
	sig.Fire()

	_, err := NewParallelDownloader(client, 5, 0).Download(context.Background(), ref, dst, 5, sig)
	assert.True(t, IsTimeout(err))
	assert.NoFileExists(t, dst)
}

// shortSource returns one byte less than requested for every range.
type shortSource struct {
	data []byte
}

func (s *shortSource) Properties(context.Context, blobstore.Ref) (*blobstore.Properties, error) {
	return &blobstore.Properties{Size: int64(len(s.data))}, nil
}

func (s *shortSource) NewRangeReader(_ context.Context, _ blobstore.Ref, offset, length int64) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data[offset : offset+length-1])), nil
}

func TestParallelDownloader_PartialWrite(t *testing.T) {
	ref := blobstore.Ref{Container: "raw", Path: "short.bin"}
	dst := filepath.Join(t.TempDir(), "short.bin")

	_, err := NewParallelDownloader(&shortSource{data: sample(100)}, 4, 0).Download(context.Background(), ref, dst, 4, NewSignal())

	var pw *PartialWriteError
	require.ErrorAs(t, err, &pw)
	assert.Equal(t, int64(100), pw.Expected)
	assert.Equal(t, int64(96), pw.Written)
	assert.NoFileExists(t, dst)
}

func TestSyncDownloader_Download(t *testing.T) {
	ref := blobstore.Ref{Container: "raw", Path: "set/scene.tif"}
	data := sample(70_000)
	_, open := newMemClient(t, ref, data)

	var dialed int

	d := NewSyncDownloader(func(context.Context) (BlockingClient, error) {
		dialed++

		return blobstore.New(open, nil, blobstore.WithBlockSize(4096), blobstore.WithConcurrency(4)), nil
	})

	dir := t.TempDir()
	path, err := d.Download(context.Background(), ref, dir, NewSignal())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "scene.tif"), path)
	assert.Equal(t, 1, dialed)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestSyncDownloader_NotFound(t *testing.T) {
	_, open := newMemClient(t, blobstore.Ref{Container: "raw", Path: "present"}, []byte("x"))

	d := NewSyncDownloader(func(context.Context) (BlockingClient, error) {
		return blobstore.New(open, nil), nil
	})

	dir := t.TempDir()
	_, err := d.Download(context.Background(), blobstore.Ref{Container: "raw", Path: "missing.tif"}, dir, NewSignal())

	var nf *blobstore.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.NoFileExists(t, filepath.Join(dir, "missing.tif"))
}

// blockingClient blocks in Download until Close is called.
type blockingClient struct {
	closed    chan struct{}
	closeOnce sync.Once
	closes    int
	mu        sync.Mutex
}

func newBlockingClient() *blockingClient {
	return &blockingClient{closed: make(chan struct{})}
}

func (c *blockingClient) Exists(context.Context, blobstore.Ref) (bool, error) {
	return true, nil
}

func (c *blockingClient) Download(ctx context.Context, _ blobstore.Ref, _ io.WriterAt, _ progress.Func) (int64, error) {
	select {
	case <-c.closed:
		return 0, blobstore.ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *blockingClient) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closed) })

	return nil
}

func TestSyncDownloader_TimeoutClosesClient(t *testing.T) {
	client := newBlockingClient()
	d := &SyncDownloader{
		Dial:         func(context.Context) (BlockingClient, error) { return client, nil },
		PollInterval: 10 * time.Millisecond,
	}

	ref := blobstore.Ref{Container: "raw", Path: "huge.tif"}
	dir := t.TempDir()
	timeout, stopTimer := NewTimeoutSignal(30 * time.Millisecond)
	defer stopTimer()

	_, err := d.Download(context.Background(), ref, dir, timeout)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, blobstore.ErrClosed))
	assert.NoFileExists(t, filepath.Join(dir, "huge.tif"))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.GreaterOrEqual(t, client.closes, 1, "scoped client must be released")
}

func TestSyncDownloader_DialError(t *testing.T) {
	d := NewSyncDownloader(func(context.Context) (BlockingClient, error) {
		return nil, errors.New("no credentials")
	})

	_, err := d.Download(context.Background(), blobstore.Ref{Container: "raw", Path: "x"}, t.TempDir(), NewSignal())
	require.ErrorContains(t, err, "no credentials")
}
