package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/blob_ingest/internal/blobstore"
	"github.com/italolelis/blob_ingest/internal/logctx"
	"github.com/italolelis/blob_ingest/internal/marker"
	"github.com/italolelis/blob_ingest/internal/mover"
	"github.com/italolelis/blob_ingest/internal/storage"
	"github.com/italolelis/blob_ingest/internal/transfer"
)

// Mover is the blob mover the handler triggers.
type Mover interface {
	Move(ctx context.Context, src blobstore.Ref) error
	Destination(src blobstore.Ref) blobstore.Ref
}

// StatusReader reads status markers.
type StatusReader interface {
	Status(ctx context.Context, ref blobstore.Ref) (marker.Status, error)
}

type EnqueueRequest struct {
	BlobPath string `json:"blob_path"`
	Token    string `json:"token"`
	// Message is the raw queue form "<blob_path>;<token>", an alternative to the two fields above.
	Message string `json:"message,omitempty"`
}

type JobResponse struct {
	ID            int64  `json:"id"`
	BlobPath      string `json:"blob_path"`
	Status        string `json:"status"`
	DeliveryCount int    `json:"delivery_count"`
	LastError     string `json:"last_error,omitempty"`
}

type MarkerResponse struct {
	BlobPath string `json:"blob_path"`
	marker.Status
}

type MoveResponse struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type IngestHandler struct {
	// Container scopes every blob path; see blobstore.ParseRefIn. Empty accepts any container.
	Container string

	username string
	password string
	queue    storage.JobQueue
	markers  StatusReader
	mover    Mover
}

// NewIngestHandler creates the ingestion API. Basic auth is enforced when username is set.
func NewIngestHandler(username, password string, queue storage.JobQueue, markers StatusReader, m Mover) *IngestHandler {
	return &IngestHandler{
		username: username,
		password: password,
		queue:    queue,
		markers:  markers,
		mover:    m,
	}
}

func (h *IngestHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/jobs", h.HandleEnqueue)
	r.Get("/jobs/{id}", h.HandleGetJob)
	r.Get("/markers/*", h.HandleMarkerStatus)
	r.Post("/move/*", h.HandleMove)

	return r
}

// HandleEnqueue puts a blob on the ingestion queue.
func (h *IngestHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.Message != "" {
		blobPath, token, err := storage.ParseJobPayload(req.Message)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())

			return
		}

		req.BlobPath, req.Token = blobPath, token
	}

	ref, err := blobstore.ParseRefIn(req.BlobPath, h.Container)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	job, err := h.queue.Enqueue(r.Context(), ref.String(), req.Token)
	if err != nil {
		logger.Error("failed to enqueue job", "blob_path", ref.String(), "err", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")

		return
	}

	logger.Info("job enqueued", "job_id", job.ID, "blob_path", job.BlobPath)

	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (h *IngestHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")

		return
	}

	job, err := h.queue.GetJob(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")

		return
	}

	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to get job", "job_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")

		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// HandleMarkerStatus reports the status markers of the blob named by the path.
func (h *IngestHandler) HandleMarkerStatus(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.refFromPath(w, r)
	if !ok {
		return
	}

	status, err := h.markers.Status(r.Context(), ref)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to read markers", "blob_path", ref.String(), "err", err)
		writeError(w, http.StatusBadGateway, "failed to read status markers")

		return
	}

	writeJSON(w, http.StatusOK, MarkerResponse{BlobPath: ref.String(), Status: status})
}

// HandleMove copies the blob named by the path into the datasets tier and waits for
// the copy to finish.
func (h *IngestHandler) HandleMove(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.refFromPath(w, r)
	if !ok {
		return
	}

	if err := h.mover.Move(r.Context(), ref); err != nil {
		writeError(w, moveStatus(err), err.Error())

		return
	}

	writeJSON(w, http.StatusOK, MoveResponse{Source: ref.String(), Destination: h.mover.Destination(ref).String()})
}

func moveStatus(err error) int {
	var (
		conflict *blobstore.LeaseConflictError
		copyErr  *mover.CopyError
	)

	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict
	case blobstore.IsNotFound(err):
		return http.StatusNotFound
	case transfer.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.As(err, &copyErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *IngestHandler) refFromPath(w http.ResponseWriter, r *http.Request) (blobstore.Ref, bool) {
	ref, err := blobstore.ParseRefIn(strings.TrimPrefix(chi.URLParam(r, "*"), "/"), h.Container)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return blobstore.Ref{}, false
	}

	return ref, true
}

func toJobResponse(job *storage.Job) JobResponse {
	return JobResponse{
		ID:            job.ID,
		BlobPath:      job.BlobPath,
		Status:        job.Status,
		DeliveryCount: job.DeliveryCount,
		LastError:     job.LastError,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (h *IngestHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}
