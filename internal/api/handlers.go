// Package api implements the ingress HTTP surface: job submission, job
// status lookup, and the health endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sajid-bs23/sttprep-converter/internal/jobstore"
	"github.com/sajid-bs23/sttprep-converter/internal/mediafs"
	"github.com/sajid-bs23/sttprep-converter/internal/models"
)

// JobStore is the slice of the state store the ingress needs.
type JobStore interface {
	CreateJob(ctx context.Context, jobID, inputPath string) (models.Job, error)
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	UpdateStatus(ctx context.Context, jobID string, status models.Status, errMsg string) error
	Ping(ctx context.Context) error
}

// Enqueuer hands accepted submissions to the worker queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, sub models.Submission) error
}

// Handler aggregates the HTTP endpoints exposed by the converter API along
// with the shared services they depend on.
type Handler struct {
	Store  JobStore
	Queue  Enqueuer
	Media  *mediafs.Manager
	Logger *slog.Logger
}

// NewHandler wires the ingress dependencies together.
func NewHandler(store JobStore, queue Enqueuer, media *mediafs.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Store: store, Queue: queue, Media: media, Logger: logger}
}

type jobCreateResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type jobStatusResponse struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Error       *string `json:"error,omitempty"`
}

func newJobCreateResponse(job models.Job) jobCreateResponse {
	return jobCreateResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		CreatedAt: formatTimestamp(job.CreatedAt),
	}
}

func newJobStatusResponse(job models.Job) jobStatusResponse {
	resp := jobStatusResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		CreatedAt: formatTimestamp(job.CreatedAt),
	}
	if job.StartedAt != nil {
		ts := formatTimestamp(*job.StartedAt)
		resp.StartedAt = &ts
	}
	if job.CompletedAt != nil {
		ts := formatTimestamp(*job.CompletedAt)
		resp.CompletedAt = &ts
	}
	if job.Error != "" {
		resp.Error = &job.Error
	}
	return resp
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Root identifies the service for humans poking at the base URL.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		WriteError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Video-to-Audio Converter Microservice is running.",
	})
}

// submissionForm accumulates the multipart form as it streams in. The file part
// is staged under the temp root so field ordering does not matter.
type submissionForm struct {
	jobID             string
	outputURL         string
	outputAuthToken   string
	callbackURL       string
	callbackAuthToken string

	stagedPath       string
	originalFilename string
	size             int64
}

func (f *submissionForm) discardStaged() {
	if f.stagedPath != "" {
		_ = os.Remove(f.stagedPath)
	}
}

// Jobs accepts multipart submissions on POST /jobs.
func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	ctx := r.Context()

	if !h.Media.HasCapacity() {
		WriteError(w, http.StatusServiceUnavailable, RequestError{
			Status:  http.StatusServiceUnavailable,
			Message: "Service unavailable: Low disk space.",
		})
		return
	}

	form, err := h.readSubmissionForm(r)
	if err != nil {
		var reqErr RequestError
		if errors.As(err, &reqErr) {
			WriteError(w, reqErr.StatusCode(), reqErr)
			return
		}
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	defer form.discardStaged()

	if form.stagedPath == "" {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("file field is required"))
		return
	}
	if form.outputURL == "" || form.outputAuthToken == "" {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("output_url and output_auth_token are required"))
		return
	}

	jobID := form.jobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	logger := h.Logger.With("job_id", jobID)

	// Idempotent submissions replay the stored record without re-running
	// anything.
	if existing, err := h.Store.GetJob(ctx, jobID); err == nil {
		logger.Info("job already exists")
		WriteJSON(w, http.StatusAccepted, newJobCreateResponse(existing))
		return
	} else if !errors.Is(err, jobstore.ErrNotFound) {
		logger.Error("job lookup failed", "error", err)
		WriteError(w, http.StatusInternalServerError, fmt.Errorf("job lookup failed"))
		return
	}

	jobDir, err := h.Media.CreateJobDir(jobID)
	if err != nil {
		logger.Error("create job dir failed", "error", err)
		WriteError(w, http.StatusInternalServerError, fmt.Errorf("failed to save uploaded file"))
		return
	}

	ext := filepath.Ext(form.originalFilename)
	if ext == "" {
		ext = ".bin"
	}
	inputPath := filepath.Join(jobDir, "input"+ext)
	if err := os.Rename(form.stagedPath, inputPath); err != nil {
		logger.Error("stage input failed", "error", err)
		_ = h.Media.RemoveJobDir(jobID)
		WriteError(w, http.StatusInternalServerError, fmt.Errorf("failed to save uploaded file"))
		return
	}
	form.stagedPath = ""
	logger.Info("file uploaded", "path", inputPath, "size", form.size)

	job, err := h.Store.CreateJob(ctx, jobID, inputPath)
	if err != nil {
		if errors.Is(err, jobstore.ErrAlreadyExists) {
			// Lost a concurrent race on the same id; the winner owns the
			// directory and the record from here on.
			WriteJSON(w, http.StatusAccepted, newJobCreateResponse(job))
			return
		}
		logger.Error("persist job failed", "error", err)
		_ = h.Media.RemoveJobDir(jobID)
		WriteError(w, http.StatusInternalServerError, fmt.Errorf("failed to persist job"))
		return
	}

	sub := models.Submission{
		JobID:             jobID,
		OutputURL:         form.outputURL,
		OutputAuthToken:   form.outputAuthToken,
		CallbackURL:       form.callbackURL,
		CallbackAuthToken: form.callbackAuthToken,
		OriginalFilename:  form.originalFilename,
	}
	if err := h.Queue.Enqueue(ctx, sub); err != nil {
		logger.Error("enqueue failed", "error", err)
		_ = h.Media.RemoveJobDir(jobID)
		_ = h.Store.UpdateStatus(ctx, jobID, models.StatusFailed, "Failed to enqueue job.")
		WriteError(w, http.StatusInternalServerError, fmt.Errorf("failed to enqueue job"))
		return
	}

	WriteJSON(w, http.StatusAccepted, newJobCreateResponse(job))
}

func (h *Handler) readSubmissionForm(r *http.Request) (*submissionForm, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("invalid multipart payload")
	}
	form := &submissionForm{}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			form.discardStaged()
			return nil, fmt.Errorf("read multipart data: %w", err)
		}
		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}
		if name == "file" {
			if form.stagedPath != "" {
				_ = part.Close()
				continue
			}
			if err := h.stageFilePart(form, part); err != nil {
				form.discardStaged()
				return nil, err
			}
			continue
		}
		payload, readErr := io.ReadAll(io.LimitReader(part, 64<<10))
		_ = part.Close()
		if readErr != nil {
			form.discardStaged()
			return nil, fmt.Errorf("read form field: %w", readErr)
		}
		value := strings.TrimSpace(string(payload))
		switch name {
		case "job_id":
			form.jobID = value
		case "output_url":
			form.outputURL = value
		case "output_auth_token":
			form.outputAuthToken = value
		case "callback_url":
			form.callbackURL = value
		case "callback_auth_token":
			form.callbackAuthToken = value
		}
	}
	return form, nil
}

func (h *Handler) stageFilePart(form *submissionForm, part *multipart.Part) error {
	defer part.Close()
	staging, err := os.CreateTemp(h.Media.Root(), "pending-upload-*")
	if err != nil {
		return RequestError{Status: http.StatusInternalServerError, Message: "Failed to save uploaded file.", Err: err}
	}
	stagedPath := staging.Name()
	_ = staging.Close()

	written, err := h.Media.SaveStream(stagedPath, part)
	if err != nil {
		_ = os.Remove(stagedPath)
		if errors.Is(err, mediafs.ErrUploadTooLarge) {
			return RequestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("File exceeds limit of %dMB", h.Media.MaxUploadBytes()>>20),
			}
		}
		return RequestError{Status: http.StatusInternalServerError, Message: "Failed to save uploaded file.", Err: err}
	}
	form.stagedPath = stagedPath
	form.originalFilename = filepath.Base(part.FileName())
	form.size = written
	return nil
}

// JobByID serves GET /jobs/{job_id}.
func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		WriteError(w, http.StatusNotFound, fmt.Errorf("job not found"))
		return
	}
	job, err := h.Store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			WriteError(w, http.StatusNotFound, fmt.Errorf("job not found"))
			return
		}
		h.Logger.Error("job lookup failed", "job_id", jobID, "error", err)
		WriteError(w, http.StatusInternalServerError, fmt.Errorf("job lookup failed"))
		return
	}
	WriteJSON(w, http.StatusOK, newJobStatusResponse(job))
}

type healthResponse struct {
	Status     string  `json:"status"`
	Redis      string  `json:"redis"`
	Worker     string  `json:"worker"`
	DiskFreeGB float64 `json:"disk_free_gb"`
}

// Health reports liveness and readiness: Redis reachability, a worker proxy
// derived from broker reachability, and free disk under the temp root.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	ctx := r.Context()

	redisStatus := "ok"
	if err := h.Store.Ping(ctx); err != nil {
		h.Logger.Error("redis health check failed", "error", err)
		redisStatus = "error"
	}
	// The queue shares the broker, so worker liveness degrades with it.
	workerStatus := redisStatus

	var freeGB float64
	if free, err := h.Media.FreeBytes(); err == nil {
		freeGB = math.Round(float64(free)/float64(1<<30)*100) / 100
	}

	status := http.StatusOK
	if redisStatus != "ok" || !h.Media.HasCapacity() {
		status = http.StatusServiceUnavailable
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "error"
	}
	WriteJSON(w, status, healthResponse{
		Status:     overall,
		Redis:      redisStatus,
		Worker:     workerStatus,
		DiskFreeGB: freeGB,
	})
}
