package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/italolelis/blob_ingest/internal/blobstore"
	"github.com/italolelis/blob_ingest/internal/marker"
	"github.com/italolelis/blob_ingest/internal/mover"
	"github.com/italolelis/blob_ingest/internal/storage"
	"github.com/italolelis/blob_ingest/internal/storage/sqlite"
	"github.com/italolelis/blob_ingest/internal/transfer"
)

type fixture struct {
	api     *IngestHandler
	client  *blobstore.Client
	queue   *sqlite.JobQueue
	markers *marker.Writer
	handler http.Handler
}

func newFixture(t *testing.T, username, password string) *fixture {
	t.Helper()

	db, err := sqlite.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bucket := memblob.OpenBucket(nil)
	client := blobstore.New(
		func(context.Context, string) (*blob.Bucket, error) { return bucket, nil },
		sqlite.NewLeaseRepository(db),
	)
	t.Cleanup(func() { client.Close() })

	queue := sqlite.NewJobQueue(db, "api-test", time.Minute, 3)
	writer := marker.NewWriter(client, nil)

	m := mover.New(client, writer, mover.Layout{RawFolder: "raw", DatasetsFolder: "datasets"}, nil)
	m.PollInterval = 5 * time.Millisecond

	h := NewIngestHandler(username, password, queue, marker.NewReader(client), m)

	return &fixture{api: h, client: client, queue: queue, markers: writer, handler: h.Routes()}
}

func (f *fixture) scoped(container string) {
	f.api.Container = container
	f.handler = f.api.Routes()
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	return rec
}

func TestIngestHandler_EnqueueAndGetJob(t *testing.T) {
	f := newFixture(t, "", "")

	rec := f.do(t, http.MethodPost, "/jobs", EnqueueRequest{BlobPath: "/store/raw/a.bin", Token: "sas"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, "store/raw/a.bin", created.BlobPath)
	assert.Equal(t, storage.JobStatusPending, created.Status)

	rec = f.do(t, http.MethodGet, "/jobs/"+strconv.FormatInt(created.ID, 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, created.ID, got.ID)
}

func TestIngestHandler_EnqueueRawMessage(t *testing.T) {
	f := newFixture(t, "", "")

	rec := f.do(t, http.MethodPost, "/jobs", EnqueueRequest{Message: `"store/raw/b.bin;tok"`})
	require.Equal(t, http.StatusAccepted, rec.Code)

	job, err := f.queue.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "store/raw/b.bin", job.BlobPath)
	assert.Equal(t, "tok", job.Token)
}

func TestIngestHandler_EnqueueRejectsBadInput(t *testing.T) {
	f := newFixture(t, "", "")

	rec := f.do(t, http.MethodPost, "/jobs", EnqueueRequest{BlobPath: "store"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/jobs", EnqueueRequest{Message: "no-separator"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	f.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestIngestHandler_ContainerScope(t *testing.T) {
	f := newFixture(t, "", "")
	f.scoped("store")

	rec := f.do(t, http.MethodPost, "/jobs", EnqueueRequest{BlobPath: "scene.tif"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, "store/scene.tif", created.BlobPath)

	rec = f.do(t, http.MethodPost, "/jobs", EnqueueRequest{BlobPath: "other/raw/a.bin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/markers/other/raw/a.bin", nil).Code)
}

func TestIngestHandler_GetJobErrors(t *testing.T) {
	f := newFixture(t, "", "")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/jobs/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/jobs/999", nil).Code)
}

func TestIngestHandler_MarkerStatus(t *testing.T) {
	f := newFixture(t, "", "")
	ref := blobstore.Ref{Container: "store", Path: "raw/c.bin"}

	rec := f.do(t, http.MethodGet, "/markers/store/raw/c.bin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got MarkerResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, marker.None, got.Kind)

	f.markers.Error(context.Background(), ref, "Failed to download store/raw/c.bin")

	rec = f.do(t, http.MethodGet, "/markers/store/raw/c.bin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, marker.Error, got.Kind)
	assert.Equal(t, "Failed to download store/raw/c.bin", got.Message)
}

func TestIngestHandler_Move(t *testing.T) {
	f := newFixture(t, "", "")
	ctx := context.Background()
	src := blobstore.Ref{Container: "store", Path: "raw/d/e.csv"}
	require.NoError(t, f.client.Upload(ctx, src, []byte("a,b\n1,2\n"), false))

	rec := f.do(t, http.MethodPost, "/move/store/raw/d/e.csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got MoveResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "store/datasets/d/e.csv/e.csv", got.Destination)

	data, err := f.client.ReadAll(ctx, blobstore.Ref{Container: "store", Path: "datasets/d/e.csv/e.csv"})
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/move/store/raw/missing.csv", nil).Code)
}

func TestMoveStatus(t *testing.T) {
	ref := blobstore.Ref{Container: "c", Path: "p"}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "conflict", err: &blobstore.LeaseConflictError{Ref: ref}, want: http.StatusConflict},
		{name: "not found", err: &blobstore.NotFoundError{Ref: ref}, want: http.StatusNotFound},
		{name: "timeout", err: &transfer.TimeoutError{Op: "copy", Chunk: -1}, want: http.StatusGatewayTimeout},
		{name: "copy failed", err: &mover.CopyError{Status: blobstore.CopyFailed}, want: http.StatusBadGateway},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, moveStatus(tt.err))
		})
	}
}

func TestIngestHandler_BasicAuth(t *testing.T) {
	f := newFixture(t, "admin", "secret")

	rec := f.do(t, http.MethodGet, "/jobs/1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/jobs/1", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs/1", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
