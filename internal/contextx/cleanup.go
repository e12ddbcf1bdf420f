// Package contextx provides context utilities for the sagalock package.
package contextx

import (
	"context"
	"time"
)

// WithCleanupTimeout creates a context for cleanup operations that will not be
// cancelled when the parent context is cancelled. Lock buckets obtained for a
// message must still be released after the message's own context is gone.
//
// The returned context carries the parent's values and a timeout so a stuck
// backend cannot hold cleanup forever. A non-positive timeout means no timeout.
// The caller must call the returned cancel function to release resources.
//
// Example usage:
//
//	ctx, cancel := contextx.WithCleanupTimeout(parentCtx, 5*time.Second)
//	defer cancel()
//	if err := backend.Release(ctx, bucket, owner); err != nil {
//	    log.Error("failed to release bucket", "error", err)
//	}
func WithCleanupTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	cleanupCtx := context.WithoutCancel(parent)
	if timeout <= 0 {
		return context.WithCancel(cleanupCtx)
	}
	return context.WithTimeout(cleanupCtx, timeout)
}
