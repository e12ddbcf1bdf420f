package sagalock

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Common errors returned by sagalock operations.
var (
	// ErrInvalidMaxBuckets is returned when MaxLockBuckets is not a positive integer.
	ErrInvalidMaxBuckets = errors.New("max lock buckets must be positive")

	// ErrNilBackend is returned when a gate is built without a lock backend.
	ErrNilBackend = errors.New("lock backend cannot be nil")

	// ErrNilCorrelations is returned when a gate is built without a correlation configuration.
	ErrNilCorrelations = errors.New("correlation configuration cannot be nil")

	// ErrNilContinuation is returned when Process is called without a continuation.
	ErrNilContinuation = errors.New("pipeline continuation cannot be nil")

	// ErrInvalidRetry is returned when the retry intervals are negative or inverted.
	ErrInvalidRetry = errors.New("invalid retry interval configuration")

	// ErrAcquireTimeout is returned when AcquireTimeout elapses before every bucket was obtained.
	ErrAcquireTimeout = errors.New("timed out acquiring lock bucket")

	// ErrLockNotHeld is returned by backends when a release names a bucket the owner
	// does not hold, typically because its lease expired.
	ErrLockNotHeld = errors.New("lock bucket not held by owner")
)

// BackendError wraps a structural failure of a lock backend call.
// Busy buckets are never reported as BackendError.
type BackendError struct {
	// Op is the backend operation, "acquire" or "release".
	Op string

	// Bucket is the bucket the operation targeted.
	Bucket BucketID

	// Err is the backend's error.
	Err error
}

// Error implements the error interface for BackendError.
func (e *BackendError) Error() string {
	return fmt.Sprintf("lock backend %s of bucket %d failed: %v", e.Op, e.Bucket, e.Err)
}

// Unwrap returns the backend's error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// ReleaseError collects the buckets that could not be released while cleaning up
// after one message. It is reported through logging and the OnReleaseError hook,
// never returned in place of the message's own outcome.
type ReleaseError struct {
	// Failed maps each bucket to its release error.
	Failed map[BucketID]error

	// Released lists the buckets that were released.
	Released []BucketID
}

// Error implements the error interface for ReleaseError.
func (e *ReleaseError) Error() string {
	if len(e.Failed) == 0 {
		return "no failures releasing lock buckets"
	}

	buckets := make([]int, 0, len(e.Failed))
	for b := range e.Failed {
		buckets = append(buckets, int(b))
	}
	sort.Ints(buckets)

	parts := make([]string, 0, len(buckets))
	for _, b := range buckets {
		parts = append(parts, fmt.Sprintf("%d: %v", b, e.Failed[BucketID(b)]))
	}

	return fmt.Sprintf("releasing lock buckets: %d released, %d failed (%s)",
		len(e.Released), len(e.Failed), strings.Join(parts, "; "))
}

// Unwrap exposes the individual release errors to errors.Is and errors.As.
func (e *ReleaseError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// newReleaseError returns nil when nothing failed.
func newReleaseError(failed map[BucketID]error, released []BucketID) *ReleaseError {
	if len(failed) == 0 {
		return nil
	}
	return &ReleaseError{Failed: failed, Released: released}
}
