//go:build windows

package atomicfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// PathLock is an OS-level exclusive advisory lock on a path, released when
// Close is called. On Windows it is a whole-file LockFileEx lock.
type PathLock struct {
	file *os.File
}

// Exclusive acquires an exclusive lock on path, blocking until granted.
func Exclusive(path string) (*PathLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open lock file %q: %w", path, err)
	}

	ol := new(windows.Overlapped)
	const lockfileExclusiveLock = 0x00000002
	err = windows.LockFileEx(windows.Handle(f.Fd()), lockfileExclusiveLock, 0, 1, 0, ol)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("could not lock %q: %w", path, err)
	}

	return &PathLock{file: f}, nil
}

// Close releases the lock. It is safe to call once; a second call is a no-op.
func (l *PathLock) Close() error {
	if l.file == nil {
		return nil
	}

	ol := new(windows.Overlapped)
	err := windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, ol)
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
