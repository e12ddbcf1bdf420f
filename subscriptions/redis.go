package subscriptions

import (
	"context"
	"fmt"
	"slices"

	"github.com/redis/rueidis"
)

// DefaultRedisPrefix is the key prefix used when RedisStore is created with an empty prefix.
const DefaultRedisPrefix = "__sagalock:subscribers:"

// RedisStore keeps one Redis set of endpoints per message type.
type RedisStore struct {
	client rueidis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client rueidis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(messageType string) string {
	return s.prefix + messageType
}

// Save adds endpoint to the set of messageType.
func (s *RedisStore) Save(ctx context.Context, messageType, endpoint string) error {
	if messageType == "" || endpoint == "" {
		return ErrEmptyArgument
	}
	err := s.client.Do(ctx, s.client.B().Sadd().Key(s.key(messageType)).Member(endpoint).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to save subscription of %q to %q: %w", endpoint, messageType, err)
	}
	return nil
}

// Subscribers returns the members of the messageType set in ascending order.
func (s *RedisStore) Subscribers(ctx context.Context, messageType string) ([]string, error) {
	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.key(messageType)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to load subscribers of %q: %w", messageType, err)
	}
	slices.Sort(members)
	return members, nil
}

// Remove deletes endpoint from the set of messageType. Missing members are ignored.
func (s *RedisStore) Remove(ctx context.Context, messageType, endpoint string) error {
	err := s.client.Do(ctx, s.client.B().Srem().Key(s.key(messageType)).Member(endpoint).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to remove subscription of %q from %q: %w", endpoint, messageType, err)
	}
	return nil
}
