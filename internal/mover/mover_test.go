package mover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/italolelis/blob_ingest/internal/blobstore"
	"github.com/italolelis/blob_ingest/internal/lease"
	"github.com/italolelis/blob_ingest/internal/marker"
	"github.com/italolelis/blob_ingest/internal/storage/sqlite"
	"github.com/italolelis/blob_ingest/internal/transfer"
)

var layout = Layout{RawFolder: "raw", DatasetsFolder: "datasets"}

// scriptedStore is a real storage client whose reported copy status can be forced.
type scriptedStore struct {
	*blobstore.Client

	mu      sync.Mutex
	status  blobstore.CopyStatus
	aborted []string
}

func (s *scriptedStore) CopyStatus(ctx context.Context, id string) (blobstore.CopyState, error) {
	state, err := s.Client.CopyStatus(ctx, id)
	if err != nil {
		return state, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != "" {
		state.Status = s.status
	}

	return state, nil
}

func (s *scriptedStore) AbortCopy(ctx context.Context, id string) error {
	s.mu.Lock()
	s.aborted = append(s.aborted, id)
	s.mu.Unlock()

	return s.Client.AbortCopy(ctx, id)
}

func newFixture(t *testing.T) (*scriptedStore, *Mover) {
	t.Helper()

	db, err := sqlite.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bucket := memblob.OpenBucket(nil)
	client := blobstore.New(
		func(context.Context, string) (*blob.Bucket, error) { return bucket, nil },
		sqlite.NewLeaseRepository(db),
		blobstore.WithOwner("mover-test"),
	)
	t.Cleanup(func() { client.Close() })

	store := &scriptedStore{Client: client}
	m := New(store, marker.NewWriter(client, nil), layout, nil)
	m.PollInterval = 5 * time.Millisecond

	return store, m
}

func markerStatus(t *testing.T, store *scriptedStore, ref blobstore.Ref) marker.Status {
	t.Helper()

	status, err := marker.NewReader(store.Client).Status(context.Background(), ref)
	require.NoError(t, err)

	return status
}

func TestLayout_Destination(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "raw/scene.tif", want: "datasets/scene.tif/scene.tif"},
		{in: "raw/2024/06/scene.tif", want: "datasets/2024/06/scene.tif/scene.tif"},
		{in: "uploads/raw/a.gpkg", want: "uploads/datasets/a.gpkg/a.gpkg"},
		{in: "other/a.tif", want: "other/a.tif/a.tif"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := layout.Destination(blobstore.Ref{Container: "store", Path: tt.in})
			assert.Equal(t, blobstore.Ref{Container: "store", Path: tt.want}, got)
		})
	}
}

func TestMover_Move(t *testing.T) {
	ctx := context.Background()
	store, m := newFixture(t)
	src := blobstore.Ref{Container: "store", Path: "raw/scene.tif"}
	data := []byte("GeoTIFF bytes")
	require.NoError(t, store.Upload(ctx, src, data, false))

	require.NoError(t, m.Move(ctx, src))

	dst := m.Destination(src)
	got, err := store.ReadAll(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.Equal(t, marker.Ingesting, markerStatus(t, store, dst).Kind)
	assert.Equal(t, marker.None, markerStatus(t, store, src).Kind)
	assert.Empty(t, store.aborted)

	l, err := store.AcquireLease(ctx, src, time.Second)
	require.NoError(t, err, "the lease must be released after a move")
	require.NoError(t, store.ReleaseLease(ctx, l))
}

func TestMover_NonSuccessCopyAbortsAndMarks(t *testing.T) {
	ctx := context.Background()
	store, m := newFixture(t)
	store.status = blobstore.CopyFailed

	src := blobstore.Ref{Container: "store", Path: "raw/scene.tif"}
	require.NoError(t, store.Upload(ctx, src, []byte("data"), false))

	err := m.Move(ctx, src)

	var copyErr *CopyError
	require.ErrorAs(t, err, &copyErr)
	assert.Equal(t, blobstore.CopyFailed, copyErr.Status)
	assert.Len(t, store.aborted, 1)

	dst := m.Destination(src)
	status := markerStatus(t, store, src)
	assert.Equal(t, marker.Error, status.Kind)
	assert.Equal(t, "Failed to copy store/raw/scene.tif to store/datasets/scene.tif/scene.tif", status.Message)
	assert.Contains(t, status.Message, src.String())
	assert.Contains(t, status.Message, dst.String())
}

func TestMover_CopyTimeout(t *testing.T) {
	ctx := context.Background()
	store, m := newFixture(t)
	store.status = blobstore.CopyPending
	m.CopyTimeout = 50 * time.Millisecond

	src := blobstore.Ref{Container: "store", Path: "raw/big.tif"}
	require.NoError(t, store.Upload(ctx, src, []byte("data"), false))

	err := m.Move(ctx, src)

	var te *transfer.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Len(t, store.aborted, 1)

	status := markerStatus(t, store, src)
	assert.Equal(t, marker.Error, status.Kind)
	assert.Equal(t, "Copy operation timed out for store/raw/big.tif", status.Message)
}

func TestMover_SourceNotFound(t *testing.T) {
	store, m := newFixture(t)
	src := blobstore.Ref{Container: "store", Path: "raw/missing.tif"}

	err := m.Move(context.Background(), src)
	require.True(t, blobstore.IsNotFound(err))

	status := markerStatus(t, store, src)
	assert.Equal(t, marker.Error, status.Kind)
	assert.Contains(t, status.Message, "Failed to copy store/raw/missing.tif: ")
}

func TestMover_LeaseConflict(t *testing.T) {
	ctx := context.Background()
	store, m := newFixture(t)
	src := blobstore.Ref{Container: "store", Path: "raw/busy.tif"}
	require.NoError(t, store.Upload(ctx, src, []byte("data"), false))

	held, err := store.AcquireLease(ctx, src, time.Minute)
	require.NoError(t, err)

	err = m.Move(ctx, src)

	var conflict *blobstore.LeaseConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, marker.None, markerStatus(t, store, src).Kind, "a busy blob is not an error")

	exists, err := store.Exists(ctx, m.Destination(src))
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.ReleaseLease(ctx, held))
}

func TestMover_RenewsLeaseDuringCopy(t *testing.T) {
	ctx := context.Background()
	store, m := newFixture(t)
	store.status = blobstore.CopyPending
	m.CopyTimeout = 150 * time.Millisecond
	m.LeaseDuration = 50 * time.Millisecond

	r := lease.NewRenewer("blob", nil)
	r.Interval = 10 * time.Millisecond
	r.Threshold = 40 * time.Millisecond
	m.Renewer = r

	src := blobstore.Ref{Container: "store", Path: "raw/slow.tif"}
	require.NoError(t, store.Upload(ctx, src, []byte("data"), false))

	errCh := make(chan error, 1)
	go func() { errCh <- m.Move(ctx, src) }()

	// Past the original lease duration the source must still be owned by the mover.
	time.Sleep(100 * time.Millisecond)

	_, err := store.AcquireLease(ctx, src, time.Second)

	var conflict *blobstore.LeaseConflictError
	require.ErrorAs(t, err, &conflict)

	require.Error(t, <-errCh)
}
