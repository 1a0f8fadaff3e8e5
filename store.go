// An insertion-ordered, mutex-guarded key/value store. Presence snapshots
// and membership listings must be stable in insertion order, so the store
// tracks key order alongside the map.
package wavesock

import "sync"

type store[T any] struct {
	mu    sync.RWMutex
	items map[string]T
	order []string
}

func newStore[T any]() *store[T] {
	return &store[T]{items: make(map[string]T)}
}

func (s *store[T]) Create(key string, value T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[key]; exists {
		return endpointError(StatusConflict, "key already exists: "+key)
	}
	s.items[key] = value
	s.order = append(s.order, key)
	return nil
}

func (s *store[T]) Read(key string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, exists := s.items[key]
	if !exists {
		var zero T
		return zero, endpointError(StatusNotFound, "key does not exist: "+key)
	}
	return value, nil
}

func (s *store[T]) Update(key string, value T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[key]; !exists {
		return endpointError(StatusNotFound, "key does not exist: "+key)
	}
	s.items[key] = value
	return nil
}

func (s *store[T]) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[key]; !exists {
		return endpointError(StatusNotFound, "key does not exist: "+key)
	}
	delete(s.items, key)
	for i, existing := range s.order {
		if existing == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *store[T]) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[key]
	return ok
}

// Keys returns the keys in insertion order.
func (s *store[T]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, len(s.order))
	copy(keys, s.order)
	return keys
}

// Values returns the values in key-insertion order.
func (s *store[T]) Values() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make([]T, 0, len(s.order))
	for _, key := range s.order {
		values = append(values, s.items[key])
	}
	return values
}

func (s *store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
