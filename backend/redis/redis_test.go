package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbickfo/sagalock"
	redisbackend "github.com/dcbickfo/sagalock/backend/redis"
)

// makeBackend starts miniredis and returns a backend connected to it.
func makeBackend(t *testing.T) (*redisbackend.Backend, *miniredis.Miniredis) {
	t.Helper()
	return makeBackendTTL(t, 5*time.Second)
}

func makeBackendTTL(t *testing.T, ttl time.Duration) (*redisbackend.Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
		AlwaysRESP2:  true,
	})
	require.NoError(t, err, "failed to connect to miniredis")
	t.Cleanup(client.Close)

	b, err := redisbackend.New(redisbackend.Config{Client: client, LockTTL: ttl})
	require.NoError(t, err)
	return b, mr
}

func TestBackend_AcquireRelease(t *testing.T) {
	b, mr := makeBackend(t)
	ctx := context.Background()

	ok, err := b.TryAcquire(ctx, 4, "owner-a")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := mr.Get(b.Key(4))
	require.NoError(t, err)
	assert.Equal(t, "owner-a", got)
	assert.Greater(t, mr.TTL(b.Key(4)), time.Duration(0))

	ok, err = b.TryAcquire(ctx, 4, "owner-b")
	require.NoError(t, err)
	assert.False(t, ok, "second owner must see the bucket busy")

	assert.ErrorIs(t, b.Release(ctx, 4, "owner-b"), sagalock.ErrLockNotHeld)
	assert.True(t, mr.Exists(b.Key(4)), "foreign release must not delete the bucket")

	require.NoError(t, b.Release(ctx, 4, "owner-a"))
	assert.False(t, mr.Exists(b.Key(4)))
}

func TestBackend_ExpiredBucketCanBeRetaken(t *testing.T) {
	b, mr := makeBackend(t)
	ctx := context.Background()

	ok, err := b.TryAcquire(ctx, 1, "crashed-owner")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	ok, err = b.TryAcquire(ctx, 1, "owner-b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, b.Release(ctx, 1, "crashed-owner"), sagalock.ErrLockNotHeld)
}

func TestBackend_Refresh(t *testing.T) {
	b, mr := makeBackend(t)
	ctx := context.Background()

	ok, err := b.TryAcquire(ctx, 2, "owner-a")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(4 * time.Second)
	require.NoError(t, b.Refresh(ctx, 2, "owner-a"))
	assert.Equal(t, 5*time.Second, mr.TTL(b.Key(2)), "refresh must reset the full lease")

	assert.ErrorIs(t, b.Refresh(ctx, 2, "owner-b"), sagalock.ErrLockNotHeld)
	assert.Equal(t, 5*time.Second, mr.TTL(b.Key(2)), "foreign refresh must not touch the lease")

	mr.FastForward(6 * time.Second)
	assert.ErrorIs(t, b.Refresh(ctx, 2, "owner-a"), sagalock.ErrLockNotHeld)
	assert.False(t, mr.Exists(b.Key(2)), "refresh must not resurrect an expired bucket")
}

func TestBackend_SlowHandlerKeepsBucket(t *testing.T) {
	b, mr := makeBackendTTL(t, time.Second)
	ctx := context.Background()

	cfg := sagalockStaticConfig{"OrderSaga": {"OrderId"}}
	bindings := []sagalock.HandlerBinding{sagalock.Binding{Handler: "h", Saga: "OrderSaga"}}
	msg := &sagalock.Message{Headers: map[string]string{"OrderId": "42"}}

	slow, err := sagalock.NewGate(sagalock.GateOption{
		MaxLockBuckets:  8,
		Backend:         b,
		Correlations:    cfg,
		RefreshInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	other, err := sagalock.NewGate(sagalock.GateOption{
		MaxLockBuckets: 8,
		Backend:        b,
		Correlations:   cfg,
		RetryInterval:  5 * time.Millisecond,
		AcquireTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	err = slow.Process(ctx, bindings, msg, func(ctx context.Context) error {
		// 1.8s of server time pass while the handler runs, well past the 1s lease
		for i := 0; i < 3; i++ {
			mr.FastForward(600 * time.Millisecond)
			time.Sleep(80 * time.Millisecond)
		}
		require.True(t, mr.Exists(b.Key(3)), "bucket must outlive its lease while refreshed")

		entered := false
		err := other.Process(ctx, bindings, msg, func(context.Context) error {
			entered = true
			return nil
		})
		assert.ErrorIs(t, err, sagalock.ErrAcquireTimeout)
		assert.False(t, entered, "a second handler entered the saga instance")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(b.Key(3)))
}

func TestBackend_UnreachableServer(t *testing.T) {
	b, mr := makeBackend(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := b.TryAcquire(ctx, 1, "owner-a")
	assert.Error(t, err)
}

func TestBackend_WithGate(t *testing.T) {
	b, mr := makeBackend(t)

	cfg := sagalockStaticConfig{"OrderSaga": {"OrderId"}}
	gate, err := sagalock.NewGate(sagalock.GateOption{
		MaxLockBuckets: 8,
		Backend:        b,
		Correlations:   cfg,
	})
	require.NoError(t, err)

	msg := &sagalock.Message{Headers: map[string]string{"OrderId": "42"}}
	bindings := []sagalock.HandlerBinding{sagalock.Binding{Handler: "h", Saga: "OrderSaga"}}

	err = gate.Process(context.Background(), bindings, msg, func(ctx context.Context) error {
		// OrderSaga|OrderId|42 lands in bucket 3 of 8
		assert.True(t, mr.Exists(b.Key(3)))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(b.Key(3)))

	assert.Equal(t, []sagalock.BucketID{3}, gate.Buckets(bindings, msg))
}

// sagalockStaticConfig correlates each saga with headers of the same name.
type sagalockStaticConfig map[string][]string

func (c sagalockStaticConfig) CorrelationProperties(sagaType string, _ *sagalock.Message) []sagalock.CorrelationProperty {
	props := make([]sagalock.CorrelationProperty, 0, len(c[sagaType]))
	for _, name := range c[sagaType] {
		props = append(props, headerProperty(name))
	}
	return props
}

type headerProperty string

func (p headerProperty) PropertyName() string { return string(p) }

func (p headerProperty) ValueFromMessage(msg *sagalock.Message) (any, bool) {
	v, ok := msg.Header(string(p))
	return v, ok
}
