package mediafs

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, maxUpload int64, minDiskGB int) *Manager {
	t.Helper()
	m, err := New(Config{
		Root:           t.TempDir(),
		MaxUploadBytes: maxUpload,
		MinDiskSpaceGB: minDiskGB,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return m
}

func TestJobDirLifecycle(t *testing.T) {
	m := newTestManager(t, 1<<20, 0)

	dir, err := m.CreateJobDir("job-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root(), "job-1"), dir)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, m.RemoveJobDir("job-1"))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestSaveStreamWithinLimit(t *testing.T) {
	m := newTestManager(t, 64, 0)
	dir, err := m.CreateJobDir("job-1")
	require.NoError(t, err)

	path := filepath.Join(dir, "input.mp4")
	written, err := m.SaveStream(path, strings.NewReader("tiny payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("tiny payload")), written)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tiny payload", string(data))
}

func TestSaveStreamEnforcesCeiling(t *testing.T) {
	m := newTestManager(t, 16, 0)
	dir, err := m.CreateJobDir("job-1")
	require.NoError(t, err)

	path := filepath.Join(dir, "input.mp4")
	_, err = m.SaveStream(path, bytes.NewReader(make([]byte, 64)))
	require.ErrorIs(t, err, ErrUploadTooLarge)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "partial file must be removed")
}

func TestFindInput(t *testing.T) {
	m := newTestManager(t, 1<<20, 0)
	dir, err := m.CreateJobDir("job-1")
	require.NoError(t, err)

	_, err = m.FindInput("job-1")
	require.ErrorIs(t, err, ErrInputMissing)

	inputPath := filepath.Join(dir, "input.mov")
	require.NoError(t, os.WriteFile(inputPath, []byte("x"), 0o644))

	found, err := m.FindInput("job-1")
	require.NoError(t, err)
	assert.Equal(t, inputPath, found)
}

func TestHasCapacity(t *testing.T) {
	// A zero floor always admits; an absurd floor never does.
	assert.True(t, newTestManager(t, 1, 0).HasCapacity())
	assert.False(t, newTestManager(t, 1, 1<<20).HasCapacity())
}

func TestProbeWritable(t *testing.T) {
	m := newTestManager(t, 1, 0)
	require.NoError(t, m.ProbeWritable())
}

func TestBootClean(t *testing.T) {
	m := newTestManager(t, 1, 0)
	_, err := m.CreateJobDir("orphan-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(m.Root(), "stray-file"), []byte("x"), 0o644))

	require.NoError(t, m.BootClean())

	entries, err := os.ReadDir(m.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
