package sagalock

import (
	"crypto/md5"
	"encoding/binary"
	"slices"
)

// BucketID is a lock slot in [0, maxBuckets).
type BucketID int

// BucketFor maps a canonical key to its bucket. The hash is MD5 over the UTF-8 bytes,
// so every process computes the same bucket for the same key.
//
// The first four digest bytes are read little-endian and masked to 31 bits before the
// modulo; masking cannot produce a negative value the way abs(MinInt32) does.
//
// maxBuckets must be positive. Anything else maps every key to bucket 0.
func BucketFor(key string, maxBuckets int) BucketID {
	if maxBuckets <= 0 {
		return 0
	}
	sum := md5.Sum([]byte(key))
	h := binary.LittleEndian.Uint32(sum[:4]) & 0x7fffffff
	return BucketID(int(h) % maxBuckets)
}

// MapToBuckets returns the distinct buckets of keys in ascending order.
//
// Every process acquires buckets in this order. Two messages sharing buckets
// therefore contend for them in the same relative order and cannot wait on each
// other in a cycle.
//
// It returns nil when keys is empty or maxBuckets is not positive.
func MapToBuckets(keys []CorrelationLockKey, maxBuckets int) []BucketID {
	if len(keys) == 0 || maxBuckets <= 0 {
		return nil
	}
	buckets := make([]BucketID, 0, len(keys))
	for _, k := range keys {
		buckets = append(buckets, BucketFor(k.String(), maxBuckets))
	}
	slices.Sort(buckets)
	return slices.Compact(buckets)
}
