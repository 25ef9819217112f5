//go:build !unix && !windows

package sys

import (
	"os"
	"time"
)

func AcquireOSFileLock(lockPath string, timeout time.Duration) (*os.File, func() error, error) {
	return nil, nil, ErrOSFileLockNotSupported
}
