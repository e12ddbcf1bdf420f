// Package lockpool generates owner tokens for lock buckets.
package lockpool

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Pool hands out owner tokens built from an atomic counter and an instance ID.
// This is much cheaper than a UUID per message while staying unique.
//
// Tokens have the format: prefix + instanceID + ":" + counter
// Example: "__sagalock:owner:550e8400-e29b-41d4-a716-446655440000:42"
//
// The instance ID is a UUIDv7 drawn once per Pool, so tokens from different
// processes never collide. The counter is monotonic within the Pool; each
// restart draws a fresh instance ID, so wraparound is not a concern.
type Pool struct {
	prefix     string
	instanceID string
	counter    atomic.Uint64
	builders   sync.Pool
}

// New creates a token pool using prefix.
func New(prefix string) *Pool {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	p := &Pool{
		prefix:     prefix,
		instanceID: id.String(),
	}
	p.builders.New = func() any {
		var sb strings.Builder
		// prefix + UUID (36) + ":" + counter (max 20 digits)
		sb.Grow(len(prefix) + 36 + 1 + 20)
		return &sb
	}
	return p
}

// InstanceID returns the UUID shared by every token of this pool.
func (p *Pool) InstanceID() string {
	return p.instanceID
}

// Get returns a new unique owner token.
func (p *Pool) Get() string {
	sb := p.builders.Get().(*strings.Builder)
	sb.Reset()

	sb.WriteString(p.prefix)
	sb.WriteString(p.instanceID)
	sb.WriteString(":")
	sb.WriteString(strconv.FormatUint(p.counter.Add(1), 10))

	result := sb.String()
	p.builders.Put(sb)

	return result
}
