// Package sagalock guarantees exclusive access to saga instances inside a message pipeline.
//
// A Gate sits in front of the handler-invocation stage. For every incoming message it:
//   - derives the correlation keys of the saga instances the message touches
//   - maps each key onto one of a fixed number of lock buckets with a stable hash
//   - acquires the distinct buckets in ascending order, retrying while they are busy
//   - runs the rest of the pipeline
//   - releases every bucket it obtained, whatever the outcome
//
// # Basic Usage
//
//	gate, err := sagalock.NewGate(sagalock.GateOption{
//	    MaxLockBuckets: 1024,
//	    Backend:        memory.New(),
//	    Correlations:   registry,
//	})
//	if err != nil {
//	    return err
//	}
//
//	err = gate.Process(ctx, bindings, msg, func(ctx context.Context) error {
//	    return dispatch(ctx, msg)
//	})
//
// # Lock Buckets
//
// Buckets bound the lock state a backend has to keep. Unrelated sagas occasionally
// share a bucket and then briefly serialize; raise MaxLockBuckets to make that rarer.
// Every process sharing a backend must use the same MaxLockBuckets, otherwise the same
// saga instance maps to different buckets and exclusivity is lost.
//
// # Deadlock Freedom
//
// Every message acquires its buckets strictly in ascending order and never reorders
// mid-acquisition, so no cycle of waiting messages can form. There is no fairness
// among waiters for one bucket.
//
// # Context and Cancellation
//
// The context passed to Process is checked between every acquire attempt. Buckets
// already obtained are released on a context detached from cancellation, bounded by
// ReleaseTimeout.
//
// # Leases
//
// Backends whose buckets expire on their own implement Refresher. While next runs the
// gate refreshes every held bucket, by default every third of the backend's LeaseTTL,
// so a slow handler keeps its saga instances. Refreshing stops before release begins.
package sagalock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/dcbickfo/sagalock/internal/contextx"
	"github.com/dcbickfo/sagalock/internal/lockpool"
	"github.com/dcbickfo/sagalock/internal/logger"
)

// Logger defines the logging interface used by the Gate.
// Implementations must be safe for concurrent use and should handle log levels internally.
type Logger = logger.Logger

// Continuation runs the rest of the pipeline for the current message.
type Continuation func(ctx context.Context) error

// Gate is the pipeline step that serializes message processing per saga instance.
// It is safe for concurrent use; each Process call owns its own lock set.
type Gate struct {
	backend          LockBackend
	correlations     CorrelationConfig
	maxBuckets       int
	owners           *lockpool.Pool
	logger           Logger
	metrics          *Metrics
	retryInterval    time.Duration
	maxRetryInterval time.Duration
	acquireTimeout   time.Duration
	releaseTimeout   time.Duration
	refresher        Refresher
	refreshInterval  time.Duration
	onReleaseError   func(err *ReleaseError)
}

// GateOption configures a Gate. MaxLockBuckets, Backend and Correlations are required.
type GateOption struct {
	// MaxLockBuckets is the number of lock buckets keys are hashed into.
	// It must be positive and identical across every process sharing Backend.
	MaxLockBuckets int

	// Backend stores bucket lock state.
	Backend LockBackend

	// Correlations supplies the correlation properties of each saga type.
	Correlations CorrelationConfig

	// Logger for logging errors and debug information. Defaults to slog.Default().
	Logger Logger

	// Metrics records gate activity. Nil disables metrics.
	Metrics *Metrics

	// RetryInterval is the first pause after a busy attempt. Zero (the default)
	// yields to the scheduler and retries immediately.
	RetryInterval time.Duration

	// MaxRetryInterval caps the exponential growth of RetryInterval.
	// Zero keeps the pause fixed at RetryInterval.
	MaxRetryInterval time.Duration

	// AcquireTimeout bounds the time spent obtaining a message's full lock set.
	// Zero (the default) waits until success or cancellation.
	AcquireTimeout time.Duration

	// ReleaseTimeout bounds the cleanup that releases obtained buckets. Defaults to 5 seconds.
	ReleaseTimeout time.Duration

	// RefreshInterval is how often held buckets are refreshed while next runs, for
	// backends implementing Refresher. Defaults to a third of the backend's LeaseTTL.
	RefreshInterval time.Duration

	// OwnerPrefix prefixes the owner tokens handed to the backend. Defaults to "__sagalock:owner:".
	OwnerPrefix string

	// OnReleaseError is called after a cleanup in which at least one release failed.
	OnReleaseError func(err *ReleaseError)
}

// NewGate validates opt and creates a Gate.
//
// Returns an error if:
//   - MaxLockBuckets is not positive
//   - Backend or Correlations is nil
//   - any duration is negative, or MaxRetryInterval is below RetryInterval
func NewGate(opt GateOption) (*Gate, error) {
	if opt.MaxLockBuckets <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMaxBuckets, opt.MaxLockBuckets)
	}
	if opt.Backend == nil {
		return nil, ErrNilBackend
	}
	if opt.Correlations == nil {
		return nil, ErrNilCorrelations
	}
	if opt.RetryInterval < 0 || opt.MaxRetryInterval < 0 {
		return nil, fmt.Errorf("%w: intervals must not be negative", ErrInvalidRetry)
	}
	if opt.MaxRetryInterval > 0 && opt.MaxRetryInterval < opt.RetryInterval {
		return nil, fmt.Errorf("%w: MaxRetryInterval %s is below RetryInterval %s",
			ErrInvalidRetry, opt.MaxRetryInterval, opt.RetryInterval)
	}
	if opt.AcquireTimeout < 0 {
		return nil, errors.New("AcquireTimeout must not be negative")
	}
	if opt.ReleaseTimeout < 0 {
		return nil, errors.New("ReleaseTimeout must not be negative")
	}
	if opt.RefreshInterval < 0 {
		return nil, errors.New("RefreshInterval must not be negative")
	}
	if opt.ReleaseTimeout == 0 {
		opt.ReleaseTimeout = 5 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.OwnerPrefix == "" {
		opt.OwnerPrefix = "__sagalock:owner:"
	}

	refresher, _ := opt.Backend.(Refresher)
	if refresher != nil && opt.RefreshInterval == 0 {
		opt.RefreshInterval = refresher.LeaseTTL() / 3
	}

	return &Gate{
		backend:          opt.Backend,
		correlations:     opt.Correlations,
		maxBuckets:       opt.MaxLockBuckets,
		owners:           lockpool.New(opt.OwnerPrefix),
		logger:           opt.Logger,
		metrics:          opt.Metrics,
		retryInterval:    opt.RetryInterval,
		maxRetryInterval: opt.MaxRetryInterval,
		acquireTimeout:   opt.AcquireTimeout,
		releaseTimeout:   opt.ReleaseTimeout,
		refresher:        refresher,
		refreshInterval:  opt.RefreshInterval,
		onReleaseError:   opt.OnReleaseError,
	}, nil
}

// MaxLockBuckets returns the bucket count keys are hashed into.
func (g *Gate) MaxLockBuckets() int {
	return g.maxBuckets
}

// Buckets returns the ordered lock set Process would acquire for msg.
func (g *Gate) Buckets(bindings []HandlerBinding, msg *Message) []BucketID {
	if !hasSagaBinding(bindings) {
		return nil
	}
	return MapToBuckets(DeriveKeys(g.correlations, bindings, msg), g.maxBuckets)
}

// Process runs next while holding the lock buckets of every saga instance msg
// correlates with.
//
// Messages without saga-bound handlers, or without extractable correlation values,
// go straight to next with no backend calls. Otherwise next runs exactly once after
// the whole lock set is held, and its result is returned unchanged.
//
// Returns:
//   - next's own result when the lock set was obtained
//   - an error wrapping ctx.Err() when ctx ends while waiting
//   - an error wrapping ErrAcquireTimeout when AcquireTimeout elapses
//   - a *BackendError when the backend faults during acquisition
//
// Release failures never change the returned value; see GateOption.OnReleaseError.
func (g *Gate) Process(ctx context.Context, bindings []HandlerBinding, msg *Message, next Continuation) error {
	if next == nil {
		return ErrNilContinuation
	}

	buckets := g.Buckets(bindings, msg)
	if len(buckets) == 0 {
		g.metrics.message(false)
		return next(ctx)
	}
	g.metrics.message(true)

	owner := g.owners.Get()
	obtained := make([]BucketID, 0, len(buckets))
	defer func() {
		g.releaseAll(ctx, owner, obtained)
	}()

	start := time.Now()
	if err := g.acquireAll(ctx, buckets, owner, &obtained); err != nil {
		return err
	}
	held := time.Now()
	g.metrics.observeWait(held.Sub(start))
	g.logger.Debug("lock set acquired", "owner", owner, "buckets", buckets)

	stopRefresh := g.keepAlive(ctx, owner, buckets)
	defer func() {
		stopRefresh()
		g.metrics.observeHold(time.Since(held))
	}()
	return next(ctx)
}

// acquireAll takes buckets in order, appending each to obtained as soon as it is held.
func (g *Gate) acquireAll(ctx context.Context, buckets []BucketID, owner string, obtained *[]BucketID) error {
	acquireCtx := ctx
	if g.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, g.acquireTimeout)
		defer cancel()
	}

	for _, bucket := range buckets {
		if err := g.acquire(acquireCtx, bucket, owner); err != nil {
			var be *BackendError
			switch {
			case errors.As(err, &be):
				return err
			case ctx.Err() != nil:
				return fmt.Errorf("waiting for lock bucket %d: %w", bucket, ctx.Err())
			default:
				return fmt.Errorf("%w: bucket %d after %s", ErrAcquireTimeout, bucket, g.acquireTimeout)
			}
		}
		*obtained = append(*obtained, bucket)
	}
	return nil
}

// acquire retries TryAcquire until bucket is held, ctx ends, or the backend faults.
// It returns ctx.Err() on cancellation and *BackendError on a fault.
func (g *Gate) acquire(ctx context.Context, bucket BucketID, owner string) error {
	interval := g.retryInterval
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := g.backend.TryAcquire(ctx, bucket, owner)
		if err != nil {
			g.abandon(ctx, bucket, owner)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			g.metrics.backendError("acquire")
			g.logger.Error("lock bucket acquisition failed", "bucket", bucket, "owner", owner, "error", err)
			return &BackendError{Op: "acquire", Bucket: bucket, Err: err}
		}
		if ok {
			g.metrics.acquired()
			g.logger.Debug("lock bucket acquired", "bucket", bucket, "owner", owner)
			return nil
		}

		g.metrics.busy()
		if err := g.pause(ctx, &interval); err != nil {
			return err
		}
	}
}

// abandon releases bucket after a failed TryAcquire whose write may still have
// reached the backend. The owner token is unique to this message, so nothing but
// its own lease can be removed.
func (g *Gate) abandon(ctx context.Context, bucket BucketID, owner string) {
	cleanupCtx, cancel := contextx.WithCleanupTimeout(ctx, g.releaseTimeout)
	defer cancel()

	err := g.backend.Release(cleanupCtx, bucket, owner)
	switch {
	case err == nil:
		g.logger.Debug("released lock bucket taken by an interrupted acquire", "bucket", bucket, "owner", owner)
	case errors.Is(err, ErrLockNotHeld):
	default:
		g.metrics.backendError("release")
		g.logger.Error("failed to release lock bucket after interrupted acquire", "bucket", bucket, "owner", owner, "error", err)
	}
}

// keepAlive refreshes buckets every refreshInterval until the returned func is
// called. The returned func waits for an in-flight refresh to finish.
func (g *Gate) keepAlive(ctx context.Context, owner string, buckets []BucketID) (stop func()) {
	if g.refresher == nil || g.refreshInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(g.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				g.refreshAll(ctx, owner, buckets)
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// refreshAll extends every lease once. It keeps refreshing after ctx is
// cancelled, since next may still be running inside the saga instances.
func (g *Gate) refreshAll(ctx context.Context, owner string, buckets []BucketID) {
	refreshCtx, cancel := contextx.WithCleanupTimeout(ctx, g.refreshInterval)
	defer cancel()

	for _, bucket := range buckets {
		err := g.refresher.Refresh(refreshCtx, bucket, owner)
		switch {
		case err == nil:
			g.metrics.refreshed()
			g.logger.Debug("lock bucket lease refreshed", "bucket", bucket, "owner", owner)
		case errors.Is(err, ErrLockNotHeld):
			g.metrics.leaseLost()
			g.logger.Error("lock bucket lease lost while handler running", "bucket", bucket, "owner", owner, "error", err)
		default:
			g.metrics.backendError("refresh")
			g.logger.Error("failed to refresh lock bucket lease", "bucket", bucket, "owner", owner, "error", err)
		}
	}
}

// pause suspends the caller between busy attempts. With no interval it only yields
// to the scheduler; otherwise it sleeps and doubles interval up to maxRetryInterval.
func (g *Gate) pause(ctx context.Context, interval *time.Duration) error {
	if *interval <= 0 {
		runtime.Gosched()
		return ctx.Err()
	}

	timer := time.NewTimer(*interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if g.maxRetryInterval > *interval {
		*interval = min(*interval*2, g.maxRetryInterval)
	}
	return nil
}

// releaseAll releases every obtained bucket in reverse order on a cleanup context
// that survives cancellation of ctx. Failures are logged and reported, not returned.
func (g *Gate) releaseAll(ctx context.Context, owner string, obtained []BucketID) {
	if len(obtained) == 0 {
		return
	}

	cleanupCtx, cancel := contextx.WithCleanupTimeout(ctx, g.releaseTimeout)
	defer cancel()

	var failed map[BucketID]error
	released := make([]BucketID, 0, len(obtained))

	for i := len(obtained) - 1; i >= 0; i-- {
		bucket := obtained[i]
		if err := g.backend.Release(cleanupCtx, bucket, owner); err != nil {
			if failed == nil {
				failed = make(map[BucketID]error)
			}
			failed[bucket] = err
			g.metrics.released(false)
			if !errors.Is(err, ErrLockNotHeld) {
				g.metrics.backendError("release")
			}
			g.logger.Error("failed to release lock bucket", "bucket", bucket, "owner", owner, "error", err)
			continue
		}
		released = append(released, bucket)
		g.metrics.released(true)
		g.logger.Debug("lock bucket released", "bucket", bucket, "owner", owner)
	}

	if re := newReleaseError(failed, released); re != nil && g.onReleaseError != nil {
		g.onReleaseError(re)
	}
}
