package sagalock_test

import (
	"context"
	"sync"
	"time"

	"github.com/dcbickfo/sagalock"
)

// headerProp correlates a saga property with a message header.
type headerProp struct {
	name   string
	header string
}

func (p headerProp) PropertyName() string { return p.name }

func (p headerProp) ValueFromMessage(msg *sagalock.Message) (any, bool) {
	v, ok := msg.Header(p.header)
	if !ok || v == "" {
		return nil, false
	}
	return v, true
}

// headerCorrelations maps saga types to header-backed properties.
type headerCorrelations map[string][]headerProp

func (c headerCorrelations) CorrelationProperties(sagaType string, _ *sagalock.Message) []sagalock.CorrelationProperty {
	props := make([]sagalock.CorrelationProperty, 0, len(c[sagaType]))
	for _, p := range c[sagaType] {
		props = append(props, p)
	}
	return props
}

// staticValues returns fixed property values regardless of the message.
type staticValues map[string]map[string]any

type staticProp struct {
	name  string
	value any
}

func (p staticProp) PropertyName() string { return p.name }

func (p staticProp) ValueFromMessage(*sagalock.Message) (any, bool) { return p.value, true }

func (c staticValues) CorrelationProperties(sagaType string, _ *sagalock.Message) []sagalock.CorrelationProperty {
	props := make([]sagalock.CorrelationProperty, 0, len(c[sagaType]))
	for name, v := range c[sagaType] {
		props = append(props, staticProp{name: name, value: v})
	}
	return props
}

// orderConfig correlates OrderSaga through up to three order-id headers, all
// named OrderId, so one message can name several saga instances.
var orderConfig = headerCorrelations{
	"OrderSaga": {
		{name: "OrderId", header: "order-a"},
		{name: "OrderId", header: "order-b"},
		{name: "OrderId", header: "order-c"},
	},
}

func orderBindings() []sagalock.HandlerBinding {
	return []sagalock.HandlerBinding{sagalock.Binding{Handler: "orders", Saga: "OrderSaga"}}
}

// orderMessage builds a message naming the given order ids, in order.
func orderMessage(ids ...string) *sagalock.Message {
	headers := map[string]string{}
	for i, id := range ids {
		headers["order-"+string(rune('a'+i))] = id
	}
	return &sagalock.Message{Headers: headers}
}

// fakeBackend records every call. Buckets are free unless busyFor or acquireErr say otherwise.
type fakeBackend struct {
	mu sync.Mutex

	// busyFor makes the first n attempts on a bucket report busy; -1 means always busy.
	busyFor    map[sagalock.BucketID]int
	acquireErr map[sagalock.BucketID]error
	// acquireThenErr takes the bucket and still reports the error, like a SET
	// that landed before the connection dropped.
	acquireThenErr map[sagalock.BucketID]error
	releaseErr     map[sagalock.BucketID]error
	// onAttempt runs inside every TryAcquire, before the outcome is decided.
	onAttempt func(bucket sagalock.BucketID)

	held           map[sagalock.BucketID]string
	attempts       []sagalock.BucketID
	acquired       []sagalock.BucketID
	released       []sagalock.BucketID
	releaseCtxErrs []error
	// strayReleases are releases of buckets the owner did not hold.
	strayReleases []sagalock.BucketID
	owners        map[string]struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		busyFor:        map[sagalock.BucketID]int{},
		acquireErr:     map[sagalock.BucketID]error{},
		acquireThenErr: map[sagalock.BucketID]error{},
		releaseErr:     map[sagalock.BucketID]error{},
		held:           map[sagalock.BucketID]string{},
		owners:         map[string]struct{}{},
	}
}

func (f *fakeBackend) TryAcquire(_ context.Context, bucket sagalock.BucketID, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts = append(f.attempts, bucket)
	f.owners[owner] = struct{}{}
	if f.onAttempt != nil {
		f.onAttempt(bucket)
	}
	if err := f.acquireErr[bucket]; err != nil {
		return false, err
	}
	if n := f.busyFor[bucket]; n != 0 {
		if n > 0 {
			f.busyFor[bucket] = n - 1
		}
		return false, nil
	}
	f.held[bucket] = owner
	f.acquired = append(f.acquired, bucket)
	if err := f.acquireThenErr[bucket]; err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeBackend) Release(ctx context.Context, bucket sagalock.BucketID, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.releaseCtxErrs = append(f.releaseCtxErrs, ctx.Err())
	if f.held[bucket] != owner {
		f.strayReleases = append(f.strayReleases, bucket)
		return sagalock.ErrLockNotHeld
	}
	delete(f.held, bucket)
	f.released = append(f.released, bucket)
	return f.releaseErr[bucket]
}

func (f *fakeBackend) calls() (attempts, acquired, released []sagalock.BucketID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sagalock.BucketID(nil), f.attempts...),
		append([]sagalock.BucketID(nil), f.acquired...),
		append([]sagalock.BucketID(nil), f.released...)
}

// refreshingBackend is a fakeBackend whose buckets are leases.
type refreshingBackend struct {
	*fakeBackend

	ttl        time.Duration
	refreshErr map[sagalock.BucketID]error

	refreshMu sync.Mutex
	refreshed []sagalock.BucketID
	inRefresh bool
	// releasedDuringRefresh is set when Release ran while a Refresh was in flight.
	releasedDuringRefresh bool
}

func newRefreshingBackend(ttl time.Duration) *refreshingBackend {
	return &refreshingBackend{
		fakeBackend: newFakeBackend(),
		ttl:         ttl,
		refreshErr:  map[sagalock.BucketID]error{},
	}
}

func (r *refreshingBackend) Refresh(_ context.Context, bucket sagalock.BucketID, owner string) error {
	r.refreshMu.Lock()
	r.inRefresh = true
	r.refreshed = append(r.refreshed, bucket)
	err := r.refreshErr[bucket]
	r.refreshMu.Unlock()

	defer func() {
		r.refreshMu.Lock()
		r.inRefresh = false
		r.refreshMu.Unlock()
	}()

	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held[bucket] != owner {
		return sagalock.ErrLockNotHeld
	}
	return nil
}

func (r *refreshingBackend) Release(ctx context.Context, bucket sagalock.BucketID, owner string) error {
	r.refreshMu.Lock()
	if r.inRefresh {
		r.releasedDuringRefresh = true
	}
	r.refreshMu.Unlock()
	return r.fakeBackend.Release(ctx, bucket, owner)
}

func (r *refreshingBackend) LeaseTTL() time.Duration { return r.ttl }

func (r *refreshingBackend) refreshes() []sagalock.BucketID {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	return append([]sagalock.BucketID(nil), r.refreshed...)
}
