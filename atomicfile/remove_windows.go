//go:build windows

package atomicfile

import (
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// Remove deletes path. On Windows a plain os.Remove fails while another
// process still has the file open, so path is first renamed to a random
// sibling (freeing the original name for reuse immediately), then reopened
// with FILE_SHARE_DELETE and FILE_FLAG_DELETE_ON_CLOSE so the filesystem
// entry disappears once every open handle to it closes (spec §4.5.4).
func Remove(path string) error {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return nil
	}

	suffix, err := randomHex(rand.Reader)
	if err != nil {
		return fmt.Errorf("could not generate temporary name: %w", err)
	}
	tmp := path + "." + suffix + ".deleting"

	err = os.Rename(path, tmp)
	if err != nil {
		return fmt.Errorf("could not rename %q before delete: %w", path, err)
	}

	pathPtr, err := windows.UTF16PtrFromString(tmp)
	if err != nil {
		return fmt.Errorf("could not encode path %q: %w", tmp, err)
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ|windows.DELETE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_DELETE_ON_CLOSE,
		0,
	)
	if err != nil {
		return fmt.Errorf("could not open %q for delete-on-close: %w", tmp, err)
	}

	return windows.CloseHandle(handle)
}
