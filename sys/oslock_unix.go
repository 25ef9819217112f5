//go:build unix

package sys

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// AcquireOSFileLock takes an exclusive advisory flock on lockPath, creating the
// file if needed. It retries until timeout elapses; a zero timeout tries once.
// The returned release function unlocks, closes and removes the lock file.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (*os.File, func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, err
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			rel := func() error {
				_ = os.Remove(lockPath)
				uerr := unix.Flock(fd, unix.LOCK_UN)
				cerr := f.Close()
				return errors.Join(uerr, cerr)
			}
			return f, rel, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = f.Close()
			return nil, nil, fmt.Errorf("flock %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, nil, ErrLocked
		}
		time.Sleep(25 * time.Millisecond)
	}
}
