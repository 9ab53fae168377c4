// Package uploader performs the outbound HTTP legs of a job: streaming the
// transcoded artifact to the caller's storage and delivering the completion
// webhook. Every destination passes the SSRF check before a request is made.
package uploader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sajid-bs23/sttprep-converter/internal/models"
	"github.com/sajid-bs23/sttprep-converter/internal/retrier"
	"github.com/sajid-bs23/sttprep-converter/internal/urlcheck"
)

const (
	artifactContentType = "audio/mpeg"

	// uploadReadBuffer sizes the buffered reads feeding the PUT body.
	uploadReadBuffer = 256 << 10
)

// Config assembles the outbound client.
type Config struct {
	Policy       urlcheck.Policy
	UploadRetry  retrier.Policy
	WebhookRetry retrier.Policy
	Logger       *slog.Logger

	// Overridable in tests; nil selects the production timeouts.
	UploadClient  *http.Client
	WebhookClient *http.Client
}

// Client issues artifact uploads and webhooks with retries and SSRF
// validation.
type Client struct {
	policy        urlcheck.Policy
	uploadRetry   retrier.Policy
	webhookRetry  retrier.Policy
	uploadClient  *http.Client
	webhookClient *http.Client
	logger        *slog.Logger
}

func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	uploadClient := cfg.UploadClient
	if uploadClient == nil {
		// 10s to connect and receive headers, 600s overall for the write
		// phase of large artifacts.
		uploadClient = &http.Client{
			Timeout: 600 * time.Second,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
			},
		}
	}
	webhookClient := cfg.WebhookClient
	if webhookClient == nil {
		webhookClient = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		}
	}
	return &Client{
		policy:        cfg.Policy,
		uploadRetry:   cfg.UploadRetry,
		webhookRetry:  cfg.WebhookRetry,
		uploadClient:  uploadClient,
		webhookClient: webhookClient,
		logger:        logger,
	}
}

// statusError marks a non-2xx response; always retryable.
type statusError struct {
	status int
	url    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.status, e.url)
}

// ArtifactURL appends the artifact filename to the destination unless it is
// already present, inserting the path separator when missing.
func ArtifactURL(outputURL, filename string) string {
	if strings.HasSuffix(outputURL, filename) {
		return outputURL
	}
	if !strings.HasSuffix(outputURL, "/") {
		outputURL += "/"
	}
	return outputURL + filename
}

// UploadArtifact streams the file at path to the caller-supplied URL with a
// bearer token, retrying transport errors and non-2xx responses. The error
// from the final attempt propagates to the caller.
func (c *Client) UploadArtifact(ctx context.Context, jobID, path, outputURL, authToken string) error {
	target := ArtifactURL(outputURL, filepath.Base(path))
	if err := c.policy.Check(target); err != nil {
		return fmt.Errorf("insecure output URL %s: %w", target, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	logger := c.logger.With("job_id", jobID)
	logger.Info("upload started", "url", target, "size", info.Size())

	err = retrier.Do(ctx, c.uploadRetry, logger, "upload", func() error {
		return c.putFile(ctx, path, target, authToken, info.Size())
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", target, err)
	}
	logger.Info("upload completed", "url", target)
	return nil
}

func (c *Client) putFile(ctx context.Context, path, target, authToken string, size int64) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bufio.NewReaderSize(file, uploadReadBuffer))
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Content-Type", artifactContentType)

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{status: resp.StatusCode, url: target}
	}
	return nil
}

// webhookPayload is the fixed completion notification schema.
type webhookPayload struct {
	JobID  string  `json:"job_id"`
	Status string  `json:"status"`
	Error  *string `json:"error"`
}

// DeliverWebhook posts the terminal status to the callback URL. Failures are
// returned for logging but must never fail the job; destinations rejected by
// the SSRF check are dropped without a request.
func (c *Client) DeliverWebhook(ctx context.Context, jobID, callbackURL, authToken string, status models.Status, errMsg string) error {
	logger := c.logger.With("job_id", jobID)
	if err := c.policy.Check(callbackURL); err != nil {
		logger.Error("webhook blocked by URL policy", "url", callbackURL, "error", err)
		return fmt.Errorf("insecure callback URL %s: %w", callbackURL, err)
	}

	payload := webhookPayload{JobID: jobID, Status: string(status)}
	if errMsg != "" {
		payload.Error = &errMsg
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	logger.Info("firing webhook", "url", callbackURL, "status", status)
	err = retrier.Do(ctx, c.webhookRetry, logger, "webhook", func() error {
		return c.postWebhook(ctx, callbackURL, authToken, body)
	})
	if err != nil {
		return fmt.Errorf("webhook %s: %w", callbackURL, err)
	}
	logger.Info("webhook delivered", "url", callbackURL)
	return nil
}

func (c *Client) postWebhook(ctx context.Context, callbackURL, authToken string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.webhookClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{status: resp.StatusCode, url: callbackURL}
	}
	return nil
}
