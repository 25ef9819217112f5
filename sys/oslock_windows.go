//go:build windows

package sys

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// AcquireOSFileLock takes an exclusive LockFileEx lock on the first byte of
// lockPath, creating the file if needed. It retries until timeout elapses; a
// zero timeout tries once. The returned release function unlocks, closes and
// removes the lock file.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (*os.File, func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, err
	}

	h := windows.Handle(f.Fd())
	var ov windows.Overlapped
	deadline := time.Now().Add(timeout)
	for {
		err = windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &ov)
		if err == nil {
			rel := func() error {
				uerr := windows.UnlockFileEx(h, 0, 1, 0, &ov)
				cerr := f.Close()
				_ = os.Remove(lockPath)
				return errors.Join(uerr, cerr)
			}
			return f, rel, nil
		}
		if !errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			_ = f.Close()
			return nil, nil, err
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, nil, ErrLocked
		}
		time.Sleep(25 * time.Millisecond)
	}
}
