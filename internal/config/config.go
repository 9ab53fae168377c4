// Package config loads the service configuration from the environment. A
// .env file in the working directory is honoured when present so local
// development matches the containerised deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable shared by the API and worker processes.
type Config struct {
	// HTTP ingress.
	APIHost    string
	APIPort    int
	APIWorkers int

	// Redis backs both the job records and the work queue.
	RedisURL string

	// Worker pool and task deadlines.
	WorkerConcurrency  int
	MaxTasksPerWorker  int
	SoftTimeLimit      time.Duration
	TimeLimit          time.Duration
	VisibilityTimeout  time.Duration
	TaskMaxRetries     int
	TaskRetryBaseDelay time.Duration

	// Temporary storage.
	TempDir        string
	MaxUploadBytes int64
	MinDiskSpaceGB int
	TempFileTTL    time.Duration

	// Outbound HTTP retry policies (base delays in seconds).
	WebhookMaxRetries       int
	WebhookRetryBackoffBase time.Duration
	UploadMaxRetries        int
	UploadRetryBackoffBase  time.Duration

	// Transcoder.
	FFmpegBin string

	// Outbound URL policy.
	AllowHTTPCallbacks bool
	AllowPrivateIPs    bool

	// Logging.
	LogLevel  string
	LogFormat string
}

const (
	defaultSoftTimeLimit = 7200 * time.Second
	defaultTimeLimit     = 7500 * time.Second

	// minVisibilityTimeout must stay strictly greater than the hard time
	// limit so the broker never re-delivers a task that is still running.
	minVisibilityTimeout = 8000 * time.Second
)

// Load reads the environment (after an optional .env file) and returns the
// validated configuration.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		APIHost:                 envString("API_HOST", "0.0.0.0"),
		APIPort:                 envInt("API_PORT", 8000),
		APIWorkers:              envInt("API_WORKERS", 2),
		RedisURL:                envString("REDIS_URL", "redis://redis:6379/0"),
		WorkerConcurrency:       envInt("CELERY_CONCURRENCY", 4),
		MaxTasksPerWorker:       envInt("CELERY_MAX_TASKS_PER_CHILD", 50),
		SoftTimeLimit:           envSeconds("CELERY_TASK_SOFT_TIME_LIMIT", defaultSoftTimeLimit),
		TimeLimit:               envSeconds("CELERY_TASK_TIME_LIMIT", defaultTimeLimit),
		TaskMaxRetries:          3,
		TaskRetryBaseDelay:      30 * time.Second,
		TempDir:                 envString("TEMP_DIR", "/tmp/converter"),
		MaxUploadBytes:          int64(envInt("MAX_UPLOAD_SIZE_MB", 4096)) << 20,
		MinDiskSpaceGB:          envInt("MIN_DISK_SPACE_GB", 10),
		TempFileTTL:             envSeconds("TEMP_FILE_TTL_SECONDS", time.Hour),
		WebhookMaxRetries:       envInt("WEBHOOK_MAX_RETRIES", 5),
		WebhookRetryBackoffBase: envSeconds("WEBHOOK_RETRY_BACKOFF_BASE", 2*time.Second),
		UploadMaxRetries:        envInt("UPLOAD_MAX_RETRIES", 3),
		UploadRetryBackoffBase:  envSeconds("UPLOAD_RETRY_BACKOFF_BASE", 2*time.Second),
		FFmpegBin:               envString("FFMPEG_BIN", "ffmpeg"),
		AllowHTTPCallbacks:      envBool("ALLOW_HTTP_CALLBACKS", false),
		AllowPrivateIPs:         envBool("ALLOW_PRIVATE_IPS", false),
		LogLevel:                envString("LOG_LEVEL", "info"),
		LogFormat:               envString("LOG_FORMAT", "json"),
	}

	cfg.VisibilityTimeout = cfg.TimeLimit + 500*time.Second
	if cfg.VisibilityTimeout < minVisibilityTimeout {
		cfg.VisibilityTimeout = minVisibilityTimeout
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT %d out of range", c.APIPort)
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("CELERY_CONCURRENCY must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE_MB must be positive")
	}
	if c.SoftTimeLimit >= c.TimeLimit {
		return fmt.Errorf("CELERY_TASK_SOFT_TIME_LIMIT must be below CELERY_TASK_TIME_LIMIT")
	}
	if strings.TrimSpace(c.TempDir) == "" {
		return fmt.Errorf("TEMP_DIR is required")
	}
	if strings.TrimSpace(c.FFmpegBin) == "" {
		return fmt.Errorf("FFMPEG_BIN is required")
	}
	return nil
}

// ListenAddr joins the configured host and port for the HTTP listener.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func envString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return val
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return fallback
	}
	return time.Duration(val) * time.Second
}

func envBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
