package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// lockTimeout bounds how long a report operation waits on another
// process holding the same file.
const lockTimeout = 5 * time.Second

// withLock runs fn holding an exclusive advisory lock on path.lock.
// Guards against a second daemon or ad-hoc tooling writing the same
// report concurrently.
func withLock(path string, timeout time.Duration, fn func() error) error {
	lock := flock.New(path + ".lock")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("timed out locking %s", path)
	}
	defer lock.Unlock()

	return fn()
}

// withReadLock runs fn holding a shared advisory lock on path.lock.
func withReadLock(path string, timeout time.Duration, fn func() error) error {
	lock := flock.New(path + ".lock")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := lock.TryRLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("read-locking %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("timed out read-locking %s", path)
	}
	defer lock.Unlock()

	return fn()
}
