//go:build !windows

package modelcache

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// fileLock implements Locker using flock() advisory locking on Unix systems.
type fileLock struct {
	file    *os.File
	timeout time.Duration
	locked  bool
}

// newFileLock opens (creating if needed) the lock file at path.
func newFileLock(path string, timeout time.Duration) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &fileLock{file: file, timeout: timeout}, nil
}

// Lock acquires an exclusive advisory lock, polling a non-blocking flock.
func (l *fileLock) Lock() error {
	if l.locked {
		return nil
	}

	err := retryLock(l.timeout, func() error {
		return syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	})
	if err != nil {
		return err
	}
	l.locked = true
	return nil
}

// Unlock releases the lock and closes the file handle.
func (l *fileLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	var unlockErr error
	if l.locked {
		unlockErr = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
		l.locked = false
	}
	l.file.Close()
	l.file = nil
	return unlockErr
}
