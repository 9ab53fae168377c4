package uploader

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sajid-bs23/sttprep-converter/internal/models"
	"github.com/sajid-bs23/sttprep-converter/internal/retrier"
	"github.com/sajid-bs23/sttprep-converter/internal/urlcheck"
)

func newTestClient(uploadAttempts, webhookAttempts int) *Client {
	return New(Config{
		Policy:       urlcheck.Policy{AllowPrivate: true},
		UploadRetry:  retrier.Policy{MaxAttempts: uploadAttempts, BaseDelay: time.Millisecond},
		WebhookRetry: retrier.Policy{MaxAttempts: webhookAttempts, BaseDelay: time.Millisecond},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func writeArtifact(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestArtifactURL(t *testing.T) {
	assert.Equal(t, "https://s.test/u/meeting.mp3", ArtifactURL("https://s.test/u/", "meeting.mp3"))
	assert.Equal(t, "https://s.test/u/meeting.mp3", ArtifactURL("https://s.test/u", "meeting.mp3"))
	assert.Equal(t, "https://s.test/u/meeting.mp3", ArtifactURL("https://s.test/u/meeting.mp3", "meeting.mp3"))
}

func TestUploadArtifactStreamsWithAuth(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	artifact := writeArtifact(t, "meeting.mp3", "mp3-bytes")
	client := newTestClient(3, 5)
	err := client.UploadArtifact(context.Background(), "job-1", artifact, server.URL+"/bucket/", "secret-token")
	require.NoError(t, err)

	assert.Equal(t, "/bucket/meeting.mp3", gotPath)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "audio/mpeg", gotContentType)
	assert.Equal(t, "mp3-bytes", string(gotBody))
}

func TestUploadArtifactRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "mp3-bytes", string(body), "body must be re-read from disk on retry")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	artifact := writeArtifact(t, "meeting.mp3", "mp3-bytes")
	client := newTestClient(3, 5)
	err := client.UploadArtifact(context.Background(), "job-1", artifact, server.URL+"/u/", "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestUploadArtifactExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	artifact := writeArtifact(t, "meeting.mp3", "mp3-bytes")
	client := newTestClient(3, 5)
	err := client.UploadArtifact(context.Background(), "job-1", artifact, server.URL+"/u/", "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestUploadArtifactBlockedBySSRFPolicy(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer server.Close()

	artifact := writeArtifact(t, "meeting.mp3", "mp3-bytes")
	client := New(Config{
		Policy:      urlcheck.Policy{},
		UploadRetry: retrier.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	err := client.UploadArtifact(context.Background(), "job-1", artifact, server.URL+"/u/", "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure output URL")
	assert.Equal(t, int32(0), attempts.Load(), "no request may reach a loopback destination")
}

func TestDeliverWebhookPostsPayload(t *testing.T) {
	var gotAuth string
	var payload map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(3, 5)
	err := client.DeliverWebhook(context.Background(), "job-1", server.URL+"/cb", "cb-token", models.StatusFailed, "No audio track found in clip.mp4")
	require.NoError(t, err)

	assert.Equal(t, "Bearer cb-token", gotAuth)
	assert.Equal(t, "job-1", payload["job_id"])
	assert.Equal(t, "failed", payload["status"])
	assert.Equal(t, "No audio track found in clip.mp4", payload["error"])
}

func TestDeliverWebhookNullErrorOnSuccess(t *testing.T) {
	var payload map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
	}))
	defer server.Close()

	client := newTestClient(3, 5)
	require.NoError(t, client.DeliverWebhook(context.Background(), "job-1", server.URL, "", models.StatusCompleted, ""))

	value, present := payload["error"]
	assert.True(t, present)
	assert.Nil(t, value)
}

func TestDeliverWebhookExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(3, 5)
	err := client.DeliverWebhook(context.Background(), "job-1", server.URL, "", models.StatusCompleted, "")
	require.Error(t, err)
	assert.Equal(t, int32(5), attempts.Load())
}

func TestDeliverWebhookBlockedBySSRFPolicy(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer server.Close()

	client := New(Config{
		Policy:       urlcheck.Policy{},
		WebhookRetry: retrier.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	err := client.DeliverWebhook(context.Background(), "job-1", server.URL, "", models.StatusCompleted, "")
	require.Error(t, err)
	assert.Equal(t, int32(0), attempts.Load())
}
