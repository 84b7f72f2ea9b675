//go:build !unix

package registry

import (
	"os"
)

// tryLockFile creates path exclusively. An existing file means another
// writer holds the lock, unless it is old enough to have been abandoned by a
// crashed writer, in which case it is broken and creation is tried once more.
func tryLockFile(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil && os.IsExist(err) && breakStaleLock(path, staleLockAge) {
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	}
	if err != nil {
		if os.IsExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return f, true, nil
}

func unlockFile(f *os.File, path string) error {
	if f != nil {
		_ = f.Close()
	}
	return os.Remove(path)
}
