// Package mediafs owns the temporary media area: one directory per job under
// a configured root, streamed ingest with a size ceiling, and the disk-floor
// admission check.
package mediafs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
)

// ErrUploadTooLarge is returned by SaveStream when the streamed payload
// exceeds the configured ceiling.
var ErrUploadTooLarge = errors.New("upload exceeds size limit")

// ErrInputMissing is returned by FindInput when the job directory holds no
// input file.
var ErrInputMissing = errors.New("input file not found")

// copyChunkSize bounds each read while streaming an upload to disk.
const copyChunkSize = 1 << 20

// Manager resolves and maintains per-job directories under the temp root.
type Manager struct {
	root           string
	maxUploadBytes int64
	minFreeBytes   uint64
	logger         *slog.Logger
}

// Config for a Manager. MinDiskSpaceGB is the admission floor; uploads are
// refused while free space under the root is below it.
type Config struct {
	Root           string
	MaxUploadBytes int64
	MinDiskSpaceGB int
	Logger         *slog.Logger
}

func New(cfg Config) (*Manager, error) {
	root := cfg.Root
	if root == "" {
		return nil, errors.New("temp root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve temp root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("prepare temp root: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:           absRoot,
		maxUploadBytes: cfg.MaxUploadBytes,
		minFreeBytes:   uint64(cfg.MinDiskSpaceGB) << 30,
		logger:         logger,
	}, nil
}

func (m *Manager) Root() string {
	return m.root
}

// MaxUploadBytes is the configured ingest ceiling.
func (m *Manager) MaxUploadBytes() int64 {
	return m.maxUploadBytes
}

// JobDir returns the directory path owned by the job.
func (m *Manager) JobDir(jobID string) string {
	return filepath.Join(m.root, jobID)
}

// CreateJobDir creates the job's directory if it does not exist.
func (m *Manager) CreateJobDir(jobID string) (string, error) {
	dir := m.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir %s: %w", jobID, err)
	}
	return dir, nil
}

// RemoveJobDir deletes the job's directory and everything beneath it.
func (m *Manager) RemoveJobDir(jobID string) error {
	dir := m.JobDir(jobID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove job dir %s: %w", jobID, err)
	}
	return nil
}

// SaveStream copies r to path in bounded chunks, enforcing the configured
// ceiling. The partial file is removed when the limit trips or the copy fails.
func (m *Manager) SaveStream(path string, r io.Reader) (int64, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}

	limited := io.Reader(r)
	if m.maxUploadBytes > 0 {
		limited = io.LimitReader(r, m.maxUploadBytes+1)
	}
	written, err := io.CopyBuffer(out, limited, make([]byte, copyChunkSize))
	if err == nil && m.maxUploadBytes > 0 && written > m.maxUploadBytes {
		err = ErrUploadTooLarge
	}
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close %s: %w", path, closeErr)
	}
	if err != nil {
		_ = os.Remove(path)
		return written, err
	}
	return written, nil
}

// FindInput globs input.* inside the job directory.
func (m *Manager) FindInput(jobID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(m.JobDir(jobID), "input.*"))
	if err != nil {
		return "", fmt.Errorf("glob input for %s: %w", jobID, err)
	}
	if len(matches) == 0 {
		return "", ErrInputMissing
	}
	return matches[0], nil
}

// FreeBytes reports free disk space on the filesystem backing the temp root.
func (m *Manager) FreeBytes() (uint64, error) {
	usage, err := disk.Usage(m.root)
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", m.root, err)
	}
	return usage.Free, nil
}

// HasCapacity reports whether free space meets the admission floor. Probe
// failures count as insufficient so ingest fails closed.
func (m *Manager) HasCapacity() bool {
	free, err := m.FreeBytes()
	if err != nil {
		m.logger.Error("disk check failed", "error", err)
		return false
	}
	if free < m.minFreeBytes {
		m.logger.Warn("low disk space",
			"free_gb", float64(free)/float64(1<<30),
			"floor_gb", float64(m.minFreeBytes)/float64(1<<30))
		return false
	}
	return true
}

// ProbeWritable verifies the root accepts writes.
func (m *Manager) ProbeWritable() error {
	probe := filepath.Join(m.root, ".write_test")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return fmt.Errorf("temp root not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("temp root not writable: %w", err)
	}
	return nil
}

// BootClean purges the immediate children of the temp root. Anything left
// over is assumed orphaned from a previous incarnation of the service.
func (m *Manager) BootClean() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("read temp root: %w", err)
	}
	for _, entry := range entries {
		target := filepath.Join(m.root, entry.Name())
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("purge %s: %w", target, err)
		}
	}
	m.logger.Info("temp root purged", "path", m.root, "entries", len(entries))
	return nil
}
