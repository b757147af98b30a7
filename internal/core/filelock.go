package core

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// LockProject takes the exclusive project lock at .maestro/lock under root,
// blocking until it is free. The returned function releases it.
func LockProject(root string) (unlock func() error, err error) {
	dir := filepath.Join(root, ".maestro")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	return lockFile(filepath.Join(dir, "lock"))
}

// lockFile acquires an exclusive flock on path, creating the file if needed.
func lockFile(path string) (unlock func() error, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // G304: lock path is derived from the project root
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquiring file lock: %w", err)
	}

	return func() error {
		defer f.Close()
		return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}, nil
}
