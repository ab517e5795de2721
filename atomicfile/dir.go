package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// sharedDirPerm is the group-writable, setgid permission used for shared
// store directories on POSIX (spec §4.5.3).
const sharedDirPerm = 0o2775

// CreateDirShared atomically creates a single directory with group-writable,
// setgid permissions: it creates a temporary sibling, chmods it, then
// renames it into place. If path already exists as a directory, its
// permissions are fixed up in place instead.
func CreateDirShared(path string) error {
	info, err := os.Lstat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%q exists and is not a directory", path)
		}
		return os.Chmod(path, sharedDirPerm)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("could not stat %q: %w", path, err)
	}

	parent := filepath.Dir(path)
	tmp, err := os.MkdirTemp(parent, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("could not create temporary directory: %w", err)
	}

	err = os.Chmod(tmp, sharedDirPerm)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("could not chmod temporary directory: %w", err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			_ = os.Remove(tmp)
			return os.Chmod(path, sharedDirPerm)
		}
		_ = os.Remove(tmp)
		return fmt.Errorf("could not rename temporary directory into place: %w", err)
	}

	return nil
}

// CreateDirAllShared walks up path to the first existing ancestor and
// applies CreateDirShared down the remaining components, so that every
// directory it creates (not ones that already existed) gets shared
// permissions.
func CreateDirAllShared(path string) error {
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%q exists and is not a directory", path)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("could not stat %q: %w", path, err)
	}

	parent := filepath.Dir(path)
	if parent != path {
		err := CreateDirAllShared(parent)
		if err != nil {
			return err
		}
	}

	return CreateDirShared(path)
}
