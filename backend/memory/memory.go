// Package memory provides an in-process sagalock.LockBackend.
//
// It coordinates goroutines of one process only. Use it for single-instance
// deployments and tests; distributed workers need a shared backend.
package memory

import (
	"context"
	"fmt"

	"github.com/dcbickfo/sagalock"
	"github.com/dcbickfo/sagalock/internal/syncx"
)

// Backend is a bucket table keyed by bucket id, holding the owner token.
// The zero value is not usable; call New.
type Backend struct {
	held *syncx.Map[sagalock.BucketID, string]
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{held: &syncx.Map[sagalock.BucketID, string]{}}
}

// TryAcquire takes bucket for owner if nobody holds it.
func (b *Backend) TryAcquire(ctx context.Context, bucket sagalock.BucketID, owner string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, loaded := b.held.LoadOrStore(bucket, owner)
	return !loaded, nil
}

// Release frees bucket if owner holds it.
func (b *Backend) Release(_ context.Context, bucket sagalock.BucketID, owner string) error {
	if !b.held.CompareAndDelete(bucket, owner) {
		return fmt.Errorf("bucket %d: %w", bucket, sagalock.ErrLockNotHeld)
	}
	return nil
}

// Holder returns the owner holding bucket.
func (b *Backend) Holder(bucket sagalock.BucketID) (string, bool) {
	return b.held.Load(bucket)
}

// Len returns the number of held buckets.
func (b *Backend) Len() int {
	n := 0
	b.held.Range(func(sagalock.BucketID, string) bool {
		n++
		return true
	})
	return n
}
