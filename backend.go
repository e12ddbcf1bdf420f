package sagalock

import (
	"context"
	"time"
)

// LockBackend stores per-bucket lock state. Implementations must be safe for
// concurrent calls on the same bucket from many callers.
//
// A busy bucket is reported as (false, nil) from TryAcquire. Any returned error
// is a structural fault of the backend and aborts the message being processed.
type LockBackend interface {
	// TryAcquire attempts to take bucket for owner without waiting.
	TryAcquire(ctx context.Context, bucket BucketID, owner string) (acquired bool, err error)

	// Release gives bucket back. Implementations should return ErrLockNotHeld
	// when owner no longer holds it.
	Release(ctx context.Context, bucket BucketID, owner string) error
}

// Refresher is implemented by backends whose buckets are leases that expire
// on their own. While a message holds its lock set the gate refreshes every
// bucket well before LeaseTTL elapses.
type Refresher interface {
	// Refresh extends the lease of bucket if owner still holds it, and returns
	// ErrLockNotHeld otherwise.
	Refresh(ctx context.Context, bucket BucketID, owner string) error

	// LeaseTTL is how long a bucket stays held without a refresh.
	LeaseTTL() time.Duration
}
