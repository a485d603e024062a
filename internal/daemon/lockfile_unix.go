//go:build unix

package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// platformLock takes a non-blocking flock on f and stamps the holder's PID
// into it, so a second instance can say who it lost to.
func (l *LockFile) platformLock(f *os.File) error {
	fd := int(f.Fd())
	for {
		err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB)
		switch {
		case err == nil:
		case errors.Is(err, syscall.EINTR):
			continue
		case errors.Is(err, syscall.EWOULDBLOCK), errors.Is(err, syscall.EAGAIN):
			return ErrLockHeld
		default:
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		break
	}

	if err := f.Truncate(0); err != nil {
		syscall.Flock(fd, syscall.LOCK_UN)
		return fmt.Errorf("failed to stamp lock: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		syscall.Flock(fd, syscall.LOCK_UN)
		return fmt.Errorf("failed to stamp lock: %w", err)
	}
	return nil
}

// platformUnlock clears the stamp before dropping the flock.
func (l *LockFile) platformUnlock(f *os.File) {
	f.Truncate(0)
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
