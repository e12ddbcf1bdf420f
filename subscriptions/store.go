// Package subscriptions stores which endpoints subscribe to which message types.
package subscriptions

import (
	"context"
	"errors"
	"sync"

	"github.com/dcbickfo/sagalock/internal/mapsx"
)

// ErrEmptyArgument is returned when a message type or endpoint is empty.
var ErrEmptyArgument = errors.New("message type and endpoint must not be empty")

// Store is the subscription directory. A saved subscription is returned by
// Subscribers until it is removed.
type Store interface {
	// Save subscribes endpoint to messageType. Saving twice is a no-op.
	Save(ctx context.Context, messageType, endpoint string) error

	// Subscribers returns the endpoints subscribed to messageType in ascending order.
	Subscribers(ctx context.Context, messageType string) ([]string, error)

	// Remove unsubscribes endpoint from messageType. Removing an absent subscription is a no-op.
	Remove(ctx context.Context, messageType, endpoint string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]map[string]struct{})}
}

// Save subscribes endpoint to messageType. Saving an existing subscription is a no-op.
func (s *MemoryStore) Save(_ context.Context, messageType, endpoint string) error {
	if messageType == "" || endpoint == "" {
		return ErrEmptyArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	endpoints, ok := s.subs[messageType]
	if !ok {
		endpoints = make(map[string]struct{})
		s.subs[messageType] = endpoints
	}
	endpoints[endpoint] = struct{}{}
	return nil
}

// Subscribers returns the endpoints subscribed to messageType in ascending order.
func (s *MemoryStore) Subscribers(_ context.Context, messageType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mapsx.SortedKeys(s.subs[messageType]), nil
}

// Remove unsubscribes endpoint from messageType. Removing an unknown subscription is a no-op.
func (s *MemoryStore) Remove(_ context.Context, messageType, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	endpoints, ok := s.subs[messageType]
	if !ok {
		return nil
	}
	delete(endpoints, endpoint)
	if len(endpoints) == 0 {
		delete(s.subs, messageType)
	}
	return nil
}
