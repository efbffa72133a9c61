//go:build unix

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryLockFile obtains an exclusive flock on f without waiting. flock locks
// belong to the open file description, so a second open of the same root
// conflicts even inside one process.
func tryLockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

// unlockFile releases the lock held on f.
func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
