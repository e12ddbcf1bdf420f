package sagalock_test

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/dcbickfo/sagalock"
)

func TestBucketFor(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		maxBuckets int
		expected   sagalock.BucketID
	}{
		{name: "order 42 in 8 buckets", key: "OrderSaga|OrderId|42", maxBuckets: 8, expected: 3},
		{name: "order 42 in 1024 buckets", key: "OrderSaga|OrderId|42", maxBuckets: 1024, expected: 27},
		{name: "order 43 in 8 buckets", key: "OrderSaga|OrderId|43", maxBuckets: 8, expected: 5},
		{name: "other saga type", key: "ShippingSaga|TrackingNo|T-1", maxBuckets: 1024, expected: 650},
		// The digests below have the top bit set in their first four bytes.
		{name: "high bit masked, order 1", key: "OrderSaga|OrderId|1", maxBuckets: 8, expected: 5},
		{name: "high bit masked, order 2", key: "OrderSaga|OrderId|2", maxBuckets: 8, expected: 7},
		{name: "high bit masked, order 3", key: "OrderSaga|OrderId|3", maxBuckets: 7, expected: 0},
		{name: "single bucket", key: "anything", maxBuckets: 1, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sagalock.BucketFor(tt.key, tt.maxBuckets))
		})
	}
}

func TestBucketFor_InRange(t *testing.T) {
	for _, maxBuckets := range []int{1, 2, 7, 8, 1000, 1 << 20} {
		for i := 0; i < 500; i++ {
			b := sagalock.BucketFor(fmt.Sprintf("Saga|Prop|%d", i), maxBuckets)
			assert.GreaterOrEqual(t, int(b), 0)
			assert.Less(t, int(b), maxBuckets)
		}
	}
}

func TestBucketFor_NonPositiveBuckets(t *testing.T) {
	for _, maxBuckets := range []int{0, -1, -1024} {
		assert.NotPanics(t, func() {
			assert.Equal(t, sagalock.BucketID(0), sagalock.BucketFor("OrderSaga|OrderId|42", maxBuckets))
		})
	}
}

func TestMapToBuckets(t *testing.T) {
	key := func(v string) sagalock.CorrelationLockKey {
		return sagalock.CorrelationLockKey{SagaType: "OrderSaga", Property: "OrderId", Value: v}
	}

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, sagalock.MapToBuckets(nil, 8))
	})

	t.Run("non-positive bucket count", func(t *testing.T) {
		assert.Nil(t, sagalock.MapToBuckets([]sagalock.CorrelationLockKey{key("42")}, 0))
		assert.Nil(t, sagalock.MapToBuckets([]sagalock.CorrelationLockKey{key("42")}, -8))
	})

	t.Run("same bucket twice is kept once", func(t *testing.T) {
		got := sagalock.MapToBuckets([]sagalock.CorrelationLockKey{key("42"), key("42")}, 8)
		assert.Equal(t, []sagalock.BucketID{3}, got)
	})

	t.Run("colliding keys are kept once", func(t *testing.T) {
		got := sagalock.MapToBuckets([]sagalock.CorrelationLockKey{key("1"), key("2"), key("3")}, 1)
		assert.Equal(t, []sagalock.BucketID{0}, got)
	})

	t.Run("ascending regardless of extraction order", func(t *testing.T) {
		// order 2 lands in bucket 7, order 3 in bucket 2
		got := sagalock.MapToBuckets([]sagalock.CorrelationLockKey{key("2"), key("3")}, 8)
		if diff := cmp.Diff([]sagalock.BucketID{2, 7}, got); diff != "" {
			t.Errorf("MapToBuckets() mismatch (-want +got):\n%s", diff)
		}

		reversed := sagalock.MapToBuckets([]sagalock.CorrelationLockKey{key("3"), key("2")}, 8)
		assert.Equal(t, got, reversed)
	})

	t.Run("strictly ascending for random key sets", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(7, 11))
		for round := 0; round < 200; round++ {
			keys := make([]sagalock.CorrelationLockKey, rng.IntN(12)+1)
			for i := range keys {
				keys[i] = key(fmt.Sprint(rng.IntN(50)))
			}
			buckets := sagalock.MapToBuckets(keys, 16)
			for i := 1; i < len(buckets); i++ {
				assert.Less(t, buckets[i-1], buckets[i], "round %d: %v", round, buckets)
			}
		}
	})
}
