//go:build windows

package modelcache

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// fileLock implements Locker using LockFileEx() mandatory locking on Windows.
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

// Lock acquires an exclusive lock, polling LockFileEx with LOCKFILE_FAIL_IMMEDIATELY.
func (l *fileLock) Lock() error {
	if l.locked {
		return nil
	}

	err := retryLock(l.timeout, func() error {
		return windows.LockFileEx(
			windows.Handle(l.file.Fd()),
			windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
			0,
			1, 0,
			&windows.Overlapped{},
		)
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
		unlockErr = windows.UnlockFileEx(
			windows.Handle(l.file.Fd()),
			0,
			1, 0,
			&windows.Overlapped{},
		)
		l.locked = false
	}
	l.file.Close()
	l.file = nil
	return unlockErr
}
