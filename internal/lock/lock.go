// Package lock implements the destination's process-wide advisory lock:
// while a sync or prune run is writing to a store opened in append or
// write mode, no other process may run against the same root path
// concurrently. The lock must hold across separate processes, so it is
// backed by an flock(2) on a sentinel file in the store's root.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const lockFileName = ".buttersync.lock"

// Lock is a held advisory lock. The zero value is not usable; obtain one
// from Acquire.
type Lock struct {
	file *os.File
	path string
}

// Acquire blocks until the lock on rootPath is obtained or ctx is done.
// Failure to acquire is fatal to the caller.
func Acquire(ctx context.Context, rootPath string) (*Lock, error) {
	lockPath := filepath.Join(rootPath, lockFileName)

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	acquired := make(chan error, 1)

	go func() {
		acquired <- unix.Flock(int(file.Fd()), unix.LOCK_EX)
	}()

	select {
	case err := <-acquired:
		if err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("acquire lock on %s: %w", lockPath, err)
		}
	case <-ctx.Done():
		_ = file.Close()

		return nil, fmt.Errorf("acquire lock on %s: %w", lockPath, ctx.Err())
	}

	return &Lock{file: file, path: lockPath}, nil
}

// TryAcquire attempts the lock without blocking, returning ok=false if
// another process currently holds it.
func TryAcquire(rootPath string) (l *Lock, ok bool, err error) {
	lockPath := filepath.Join(rootPath, lockFileName)

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()

		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("acquire lock on %s: %w", lockPath, err)
	}

	return &Lock{file: file, path: lockPath}, true, nil
}

// Unlock releases the lock and closes the underlying file handle.
func (l *Lock) Unlock() error {
	defer l.file.Close()

	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("release lock on %s: %w", l.path, err)
	}

	return nil
}
