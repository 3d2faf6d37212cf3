//go:build !unix && !windows
// +build !unix,!windows

package sys

import (
	"errors"
	"time"
)

var ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	return nil, ErrOSFileLockNotSupported
}
