package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sajid-bs23/sttprep-converter/internal/api"
	"github.com/sajid-bs23/sttprep-converter/internal/jobstore"
	"github.com/sajid-bs23/sttprep-converter/internal/mediafs"
	"github.com/sajid-bs23/sttprep-converter/internal/models"
)

type stubStore struct{}

func (stubStore) CreateJob(_ context.Context, jobID, inputPath string) (models.Job, error) {
	return models.Job{ID: jobID, Status: models.StatusQueued, CreatedAt: time.Now().UTC(), InputPath: inputPath}, nil
}

func (stubStore) GetJob(_ context.Context, jobID string) (models.Job, error) {
	if jobID == "known" {
		return models.Job{ID: jobID, Status: models.StatusQueued, CreatedAt: time.Now().UTC()}, nil
	}
	return models.Job{}, jobstore.ErrNotFound
}

func (stubStore) UpdateStatus(context.Context, string, models.Status, string) error {
	return nil
}

func (stubStore) Ping(context.Context) error {
	return nil
}

type stubQueue struct{}

func (stubQueue) Enqueue(context.Context, models.Submission) error {
	return nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	media, err := mediafs.New(mediafs.Config{Root: t.TempDir(), MaxUploadBytes: 1 << 20, Logger: logger})
	require.NoError(t, err)
	handler := api.NewHandler(stubStore{}, stubQueue{}, media, logger)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0", Logger: logger})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.HTTPServer().Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestRoutes(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		method string
		path   string
		status int
	}{
		{method: http.MethodGet, path: "/health", status: http.StatusOK},
		{method: http.MethodGet, path: "/jobs/known", status: http.StatusOK},
		{method: http.MethodGet, path: "/jobs/unknown", status: http.StatusNotFound},
		{method: http.MethodGet, path: "/", status: http.StatusOK},
		{method: http.MethodGet, path: "/jobs", status: http.StatusMethodNotAllowed},
		{method: http.MethodPut, path: "/health", status: http.StatusMethodNotAllowed},
		{method: http.MethodGet, path: "/does-not-exist", status: http.StatusNotFound},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, ts.URL+tc.path, nil)
		require.NoError(t, err)
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, tc.status, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestNewRequiresHandler(t *testing.T) {
	_, err := New(nil, Config{Addr: ":0"})
	assert.Error(t, err)
}
