//go:build !windows

package atomicfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PathLock is an OS-level exclusive advisory lock on a path, released when
// Close is called. On POSIX it is a flock(2) held on the file at the
// locked path, following the Locker pattern in the teacher's
// internal/fs/lock.go.
type PathLock struct {
	file *os.File
}

// Exclusive acquires an exclusive lock on path, blocking until granted. The
// file at path is created if it does not already exist.
func Exclusive(path string) (*PathLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open lock file %q: %w", path, err)
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("could not flock %q: %w", path, err)
	}

	return &PathLock{file: f}, nil
}

// Close releases the lock. It is safe to call once; a second call is a no-op.
func (l *PathLock) Close() error {
	if l.file == nil {
		return nil
	}

	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if err != nil {
		return fmt.Errorf("could not unlock: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("could not close lock file: %w", closeErr)
	}
	return nil
}
