package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry

	tel.RecordTransfer("parallel", "success", 10, 0)
	tel.RecordLeaseRenewal("job", "success")
	tel.RecordMarkerWrite("error", "success")
	tel.RecordCopy("success")
	tel.RecordJob("completed")
	tel.IncrementActiveTransfers()
	tel.DecrementActiveTransfers()

	n, err := tel.InstrumentTransfer(context.Background(), "sync", func(ctx context.Context) (int64, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestDisabledTelemetryPassesErrorsThrough(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	want := errors.New("boom")
	got := tel.InstrumentDBOperation(context.Background(), "receive", func(ctx context.Context) error {
		return want
	})
	assert.ErrorIs(t, got, want)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStatusClass(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		302: "3xx",
		404: "4xx",
		503: "5xx",
		100: "unknown",
	}

	for code, want := range tests {
		assert.Equal(t, want, getStatusClass(code))
	}
}

func TestRequestID(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("propagates upstream id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc")
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, req)

		assert.Equal(t, "abc", seen)
		assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))
	})

	t.Run("generates id", func(t *testing.T) {
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(NewHTTPMiddleware(&Telemetry{}).Middleware, HTTPLogging)

	var pattern string

	r.Get("/markers/*", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		pattern = routePattern(r)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/markers/geo/raw/a.tif", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "/markers/*", pattern)
}
