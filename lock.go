package modelcache

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Locker provides mutual exclusion for file operations.
type Locker interface {
	// Lock acquires an exclusive lock on the file.
	// Blocks until lock is acquired or timeout expires.
	// Returns error if lock cannot be acquired within timeout.
	Lock() error

	// Unlock releases the lock.
	// Safe to call multiple times.
	Unlock() error
}

var _ Locker = (*fileLock)(nil)

// retryLock calls try until it succeeds or timeout elapses, backing off
// from 10ms up to 100ms between attempts.
func retryLock(timeout time.Duration, try func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = timeout

	if err := backoff.Retry(try, b); err != nil {
		return fmt.Errorf("lock timeout after %v: %w", timeout, err)
	}
	return nil
}
