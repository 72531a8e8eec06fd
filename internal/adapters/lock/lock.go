// Package lock serializes work per key: per record identity around the
// write pipeline and per team around aggregate updates.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/okian/scouting/pkg/metrics"
)

// Sentinel kinds for lock errors.
var (
	ErrNotAcquired = errors.New("lock not acquired")
)

// Release frees a held lock. Calling it more than once is a no-op.
type Release func()

// Locker hands out exclusive per-key locks.
type Locker interface {
	// Lock blocks until key is held or ctx is done.
	Lock(ctx context.Context, key string) (Release, error)
}

func observeWait(start time.Time, err error) {
	metrics.RecordLockWait(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		metrics.RecordLockAcquireError()
	}
}
