package sys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	// ErrLocked is returned when another process holds the lock.
	ErrLocked                 = errors.New("lock held by another process")
	ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")
)

// LockInfo is what a lock holder records in its lock file for diagnostics.
type LockInfo struct {
	PID        int
	AcquiredAt time.Time
}

// AcquireFileLock takes the exclusive writer lock for path (path + ".lock").
// The kernel releases a flock when the holder dies, so a lock file left behind
// by a crashed writer never blocks a new one. The holder's pid and acquisition
// time are written into the file.
func AcquireFileLock(path string, timeout time.Duration) (func() error, error) {
	lockPath := path + ".lock"
	f, release, err := AcquireOSFileLock(lockPath, timeout)
	if err != nil {
		return nil, err
	}

	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(os.Getpid()))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(time.Now().UTC().UnixNano()))
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(buf[:], 0)
	}
	return release, nil
}

// ReadLockInfo reads the holder information of path's lock file.
func ReadLockInfo(path string) (LockInfo, error) {
	b, err := os.ReadFile(path + ".lock")
	if err != nil {
		return LockInfo{}, err
	}
	if len(b) < 12 {
		return LockInfo{}, fmt.Errorf("lock file %s.lock: short content (%d bytes)", path, len(b))
	}
	return LockInfo{
		PID:        int(binary.LittleEndian.Uint32(b[0:4])),
		AcquiredAt: time.Unix(0, int64(binary.LittleEndian.Uint64(b[4:12]))).UTC(),
	}, nil
}
