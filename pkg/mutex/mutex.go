// Package mutex provides the lease table that serializes instances sharing a
// mutex key. At most one holder owns a key at a time; refused holders wait in
// a queue ordered by priority (highest first), then arrival.
package mutex

import (
	"context"
	"errors"
	"time"
)

// ErrNotHolder is returned by Renew when the key is not held by the caller.
var ErrNotHolder = errors.New("mutex key is not held by holder")

// Table is the cross-instance lease table. Implementations must make
// TryAcquire and Release atomic.
type Table interface {
	// TryAcquire grants key to holder, or extends the lease when holder already
	// owns it. A refused holder is queued and must call TryAcquire again
	// (within ttl) to keep its place.
	TryAcquire(ctx context.Context, key, holder string, priority int, ttl time.Duration) (bool, error)

	// Release frees key when held by holder and drops holder from the queue.
	// Releasing a key that is not held is not an error.
	Release(ctx context.Context, key, holder string) error

	// Renew extends the lease of holder.
	Renew(ctx context.Context, key, holder string, ttl time.Duration) error

	// Holder returns the current owner of key, empty when free.
	Holder(ctx context.Context, key string) (string, error)

	Close() error
}
