//go:build !windows

package atomicfile

import (
	"fmt"
	"os"
)

// Remove deletes path. On POSIX this is a plain unlink: a process with the
// file open (or memory-mapped) keeps a valid reference to the unlinked
// inode until it releases it (spec §4.5.4).
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not remove %q: %w", path, err)
	}
	return nil
}
