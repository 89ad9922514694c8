package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultLockPath)

	require.NoError(t, writeLockFile(path, 8001))

	lf, err := ReadLockFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8001, lf.Port)
	assert.Equal(t, os.Getpid(), lf.PID)
	assert.NotEmpty(t, lf.StartedAt)
}

func TestWriteLockFileRefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultLockPath)

	// The current process owns the lock and is certainly alive.
	require.NoError(t, writeLockFile(path, 8001))

	err := writeLockFile(path, 8002)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	lf, err := ReadLockFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8001, lf.Port, "losing writer must not clobber the lock")
}

func TestWriteLockFileReplacesStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultLockPath)

	// PID 0 never names a live process.
	stale := `{"port": 7000, "pid": 0, "startedAt": "2024-01-01T00:00:00Z"}`
	require.NoError(t, os.WriteFile(path, []byte(stale), 0o644))

	require.NoError(t, writeLockFile(path, 8001))

	lf, err := ReadLockFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8001, lf.Port)
	assert.Equal(t, os.Getpid(), lf.PID)
}

func TestReadLockFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadLockFile(filepath.Join(dir, "missing.lock"))
	assert.Error(t, err)

	garbled := filepath.Join(dir, "garbled.lock")
	require.NoError(t, os.WriteFile(garbled, []byte("{not json"), 0o644))
	_, err = ReadLockFile(garbled)
	assert.Error(t, err)
}

func TestRemoveLockFileMissingIsQuiet(t *testing.T) {
	// Removing a lock that never existed must not panic or complain.
	removeLockFile(filepath.Join(t.TempDir(), "never-written.lock"))
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))
}
