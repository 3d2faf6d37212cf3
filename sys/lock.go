package sys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// AcquireFileLock enforces the single-owner invariant on a log directory by
// creating path + ".lock" and recording this process's pid and acquisition
// time in it. It retries up to maxRetries with retryInterval between
// attempts. If staleTTL > 0, a lock file older than staleTTL is treated as
// abandoned and broken. On success it returns a release function. When the
// lock was taken through AcquireOSFileLock, release drops the flock and
// removes the lock file unconditionally; when it was taken by exclusive
// create, release removes the file only if it still records this process's
// pid and timestamp.
func AcquireFileLock(path string, maxRetries int, retryInterval time.Duration, staleTTL time.Duration) (func() error, error) {
	lockPath := path + ".lock"
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if info, serr := os.Stat(lockPath); serr == nil {
			if staleTTL <= 0 {
				time.Sleep(retryInterval)
				continue
			}
			age := time.Since(info.ModTime())
			if b, rerr := os.ReadFile(lockPath); rerr == nil && len(b) >= 12 {
				ts := int64(binary.LittleEndian.Uint64(b[4:12]))
				age = time.Since(time.Unix(0, ts))
			}
			if age <= staleTTL {
				time.Sleep(retryInterval)
				continue
			}
			_ = os.Remove(lockPath)
			time.Sleep(10 * time.Millisecond)
		}

		if rel, err := AcquireOSFileLock(lockPath, 0); err == nil {
			_ = os.WriteFile(lockPath, encodeLockOwner(), 0644)
			return rel, nil
		}

		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			buf := encodeLockOwner()
			_, _ = f.Write(buf)
			f.Close()
			return releaseFunc(lockPath, buf), nil
		}
		lastErr = err

		if os.IsExist(err) && staleTTL > 0 {
			age := time.Duration(0)
			if info, serr := os.Stat(lockPath); serr == nil {
				age = time.Since(info.ModTime())
			}
			if b, rerr := os.ReadFile(lockPath); rerr == nil && len(b) >= 12 {
				ts := int64(binary.LittleEndian.Uint64(b[4:12]))
				age = time.Since(time.Unix(0, ts))
			}
			if age > staleTTL {
				_ = os.Remove(lockPath)
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}

		time.Sleep(retryInterval)
	}
	if lastErr == nil {
		lastErr = errors.New("failed to acquire lock")
	}
	return nil, fmt.Errorf("sys: acquire file lock %s: %w", lockPath, lastErr)
}

// encodeLockOwner packs this process's pid and acquisition timestamp into
// the 12-byte lock file payload: pid (uint32) || unix nanos (uint64).
func encodeLockOwner() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(os.Getpid()))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(time.Now().UTC().UnixNano()))
	return buf
}

func releaseFunc(lockPath string, owner []byte) func() error {
	return func() error {
		b, err := os.ReadFile(lockPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if len(b) < 12 || string(b[:12]) != string(owner) {
			return nil
		}
		return os.Remove(lockPath)
	}
}

// DefaultLockStaleTTL is the default TTL used when breaking stale lock files
// if callers choose to use the package default rather than specifying one.
var DefaultLockStaleTTL = 30 * time.Second

// SetDefaultLockStaleTTL updates the package default TTL used by callers
// that rely on DefaultLockStaleTTL.
func SetDefaultLockStaleTTL(d time.Duration) {
	DefaultLockStaleTTL = d
}
