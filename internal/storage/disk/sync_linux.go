//go:build linux

package disk

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// syncFile flushes file data without forcing a metadata update.
func syncFile(file *os.File) error {
	if file == nil {
		return nil
	}
	for {
		err := unix.Fdatasync(int(file.Fd()))
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
