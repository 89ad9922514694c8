package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// DefaultLockPath is where the lock file lives relative to the process
// root. Local clients read it to discover the ephemeral port.
const DefaultLockPath = ".forge-service.lock"

// LockFile records the running service so concurrent starts are detected
// and local clients can find the port.
type LockFile struct {
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	StartedAt string `json:"startedAt"`
}

// writeLockFile creates the lock file exclusively. An existing file whose
// recorded process is gone is treated as stale and replaced; a live process
// is an error.
func writeLockFile(path string, port int) error {
	data, err := json.Marshal(LockFile{
		Port:      port,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to encode lock file: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("failed to write lock file: %w", err)
		}
		return nil
	}
	if !os.IsExist(err) {
		return fmt.Errorf("failed to create lock file %s: %w", path, err)
	}

	existing, readErr := ReadLockFile(path)
	if readErr == nil && processAlive(existing.PID) {
		return fmt.Errorf("another forge instance is already running (pid %d, port %d)", existing.PID, existing.Port)
	}

	slog.Info("Replacing stale lock file", "path", path)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to replace stale lock file: %w", err)
	}
	return nil
}

// ReadLockFile parses the lock file at path.
func ReadLockFile(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lf LockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("invalid lock file %s: %w", path, err)
	}
	return &lf, nil
}

func removeLockFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove lock file", "path", path, "error", err)
	}
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
