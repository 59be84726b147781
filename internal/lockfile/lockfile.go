// Package lockfile guards the data directory against concurrent engine
// processes using cross-process file locking.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// lockFileName is the lock file created inside the data directory.
const lockFileName = ".archi.lock"

// DirLock is an exclusive cross-process lock on a data directory. Two
// engine processes writing the same SQLite store and index files would
// corrupt them; the lock turns that into a clean startup error.
type DirLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// New creates a lock for the given data directory.
func New(dir string) *DirLock {
	lockPath := filepath.Join(dir, lockFileName)
	return &DirLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// TryLock attempts to acquire the lock without blocking.
// Returns false if another process holds it.
func (l *DirLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	l.locked = acquired
	return acquired, nil
}

// Unlock releases the lock. Safe to call on an unlocked DirLock.
func (l *DirLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *DirLock) Path() string {
	return l.path
}
