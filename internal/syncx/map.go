// Package syncx provides a typed wrapper over sync.Map.
package syncx

import "sync"

// Map is a concurrent map with typed keys and values.
// The zero value is ready to use.
type Map[K comparable, V any] struct {
	m sync.Map
}

func (sm *Map[K, V]) CompareAndDelete(key K, old V) (deleted bool) {
	return sm.m.CompareAndDelete(key, old)
}

func (sm *Map[K, V]) Load(key K) (value V, ok bool) {
	val, ok := sm.m.Load(key)
	if !ok {
		return value, false
	}
	return val.(V), true
}

func (sm *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	val, loaded := sm.m.LoadOrStore(key, value)
	return val.(V), loaded
}

func (sm *Map[K, V]) Range(f func(key K, value V) bool) {
	sm.m.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

func (sm *Map[K, V]) Store(key K, value V) {
	sm.m.Store(key, value)
}
