// Package jobstore is the typed facade over Redis. Job records live in
// hashes keyed job:<id>; the work queue is a Redis stream consumed through a
// consumer group so unacknowledged deliveries survive worker loss.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sajid-bs23/sttprep-converter/internal/models"
)

var (
	// ErrAlreadyExists signals an idempotent create hit; the existing record
	// is returned alongside it.
	ErrAlreadyExists = errors.New("job already exists")
	// ErrNotFound is returned when no usable record exists for the id.
	ErrNotFound = errors.New("job not found")
)

// terminalRecordTTL bounds how long completed and failed records linger.
const terminalRecordTTL = 7 * 24 * time.Hour

// Store provides job-record CRUD over a shared Redis client.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// Open parses the Redis URL and returns a connected store. The connection is
// verified lazily; use Ping for an eager check.
func Open(redisURL string, logger *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: redis.NewClient(opts), logger: logger}, nil
}

// NewStore wraps an existing client, mainly for tests.
func NewStore(client *redis.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger}
}

// Client exposes the underlying connection so the queue can share it.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func jobKey(jobID string) string {
	return "job:" + jobID
}

// createJobScript claims the status field and fills the remaining record
// fields in one server-side operation, so a concurrent loser never observes
// a half-written hash. ARGV is the claim pair followed by the fill pairs.
var createJobScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// CreateJob persists a fresh queued record. The first writer wins: the claim
// and the field population run as a single atomic script, and losers receive
// the existing record together with ErrAlreadyExists, leaving the stored
// record untouched.
func (s *Store) CreateJob(ctx context.Context, jobID, inputPath string) (models.Job, error) {
	key := jobKey(jobID)
	now := time.Now().UTC()
	created, err := createJobScript.Run(ctx, s.client, []string{key},
		"status", string(models.StatusQueued),
		"created_at", formatTime(now),
		"started_at", "",
		"completed_at", "",
		"error", "",
		"input_path", inputPath,
	).Int()
	if err != nil {
		return models.Job{}, fmt.Errorf("create job %s: %w", jobID, err)
	}
	if created == 0 {
		existing, err := s.GetJob(ctx, jobID)
		if err != nil {
			return models.Job{}, err
		}
		return existing, ErrAlreadyExists
	}
	return models.Job{
		ID:        jobID,
		Status:    models.StatusQueued,
		CreatedAt: now,
		InputPath: inputPath,
	}, nil
}

// GetJob loads the record for the id. Records missing mandatory fields are
// treated as absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	data, err := s.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(data) == 0 {
		return models.Job{}, ErrNotFound
	}
	job, ok := recordFromHash(jobID, data)
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

// UpdateStatus transitions the record. Entering processing stamps started_at
// once; entering a terminal state stamps completed_at, persists the error when
// provided, and applies the retention TTL.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status models.Status, errMsg string) error {
	key := jobKey(jobID)
	now := formatTime(time.Now().UTC())

	updates := map[string]interface{}{"status": string(status)}
	if status == models.StatusProcessing {
		started, err := s.client.HGet(ctx, key, "started_at").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("update job %s: %w", jobID, err)
		}
		if started == "" {
			updates["started_at"] = now
		}
	}
	if status.Terminal() {
		updates["completed_at"] = now
		if errMsg != "" {
			updates["error"] = errMsg
		}
	}

	if err := s.client.HSet(ctx, key, updates).Err(); err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if status.Terminal() {
		if err := s.client.Expire(ctx, key, terminalRecordTTL).Err(); err != nil {
			return fmt.Errorf("expire job %s: %w", jobID, err)
		}
	}
	return nil
}

func recordFromHash(jobID string, data map[string]string) (models.Job, bool) {
	status := models.Status(data["status"])
	createdAt, err := parseTime(data["created_at"])
	if !status.Valid() || err != nil {
		return models.Job{}, false
	}
	job := models.Job{
		ID:        jobID,
		Status:    status,
		CreatedAt: createdAt,
		Error:     data["error"],
		InputPath: data["input_path"],
	}
	if ts, err := parseTime(data["started_at"]); err == nil {
		job.StartedAt = &ts
	}
	if ts, err := parseTime(data["completed_at"]); err == nil {
		job.CompletedAt = &ts
	}
	return job, true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	return time.Parse(time.RFC3339Nano, raw)
}
