//go:build !unix

package disk

import "os"

// tryLockFile is a stub on non-Unix platforms.
func tryLockFile(f *os.File) error { return nil }

// unlockFile is a stub counterpart to tryLockFile on non-Unix platforms.
func unlockFile(f *os.File) error { return nil }
