// Package filelock provides file locking and atomic write operations so
// concurrent runs on one host cannot clobber each other's artifacts.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// RunLock guards a run's output path against concurrent runs targeting the
// same artifact. The lock file lives next to the output path with a ".lock"
// suffix and is advisory (flock-based), so it works across processes.
type RunLock struct {
	flock *flock.Flock
	path  string
}

// NewRunLock creates a lock for the given output path.
// The lock file itself is created at "<outputPath>.lock".
func NewRunLock(outputPath string) *RunLock {
	lockPath := outputPath + ".lock"
	return &RunLock{
		flock: flock.New(lockPath),
		path:  lockPath,
	}
}

// Acquire attempts to take the lock without blocking.
// Two runs sharing an output path would race on the final artifact, so a held
// lock is reported as an error rather than waited out.
func (rl *RunLock) Acquire() error {
	if dir := filepath.Dir(rl.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create lock directory %s: %w", dir, err)
		}
	}
	acquired, err := rl.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", rl.path, err)
	}
	if !acquired {
		return fmt.Errorf("output path is locked by another run (lock file: %s)", rl.path)
	}
	return nil
}

// Release releases the lock and removes the lock file.
func (rl *RunLock) Release() error {
	if err := rl.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", rl.path, err)
	}
	os.Remove(rl.path)
	return nil
}

// AtomicWrite writes data to a file atomically using a temp file and rename
// strategy, so readers never observe a partially written ledger or patch.
//
// The temp file is created in the same directory as the target to keep the
// rename on one filesystem, which is what makes it atomic on Unix.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	// Ensure temp file is cleaned up on error
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tempPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	// Atomic rename: this is the key operation that makes the write atomic
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}

	// Success - prevent cleanup of temp file since it's now renamed
	tempFile = nil

	return nil
}
