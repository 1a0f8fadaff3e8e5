// This file contains the in-process observer registries that everything
// else is built on. Publication is synchronous, in subscriber-registration
// order; an observer registered during a delivery is not guaranteed to see
// the in-flight value, and unsubscribing mid-delivery is safe and takes
// effect for subsequent publications.
package wavesock

import "sync"

// SimpleSubject is an unkeyed observer registry. Subscribe returns the
// token to pass back to the unsubscribe function it yields.
type SimpleSubject[T any] struct {
	mu     sync.RWMutex
	nextID int
	order  []int
	subs   map[int]func(T)
}

func NewSimpleSubject[T any]() *SimpleSubject[T] {
	return &SimpleSubject[T]{subs: make(map[int]func(T))}
}

// Subscribe registers the observer and returns its unsubscribe function.
// Calling the returned function more than once is harmless.
func (s *SimpleSubject[T]) Subscribe(observer func(T)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = observer
	s.order = append(s.order, id)
	s.mu.Unlock()

	return func() { s.remove(id) }
}

// Publish delivers the value synchronously to every currently registered
// observer, in registration order.
func (s *SimpleSubject[T]) Publish(value T) {
	for _, id := range s.snapshot() {
		s.mu.RLock()
		observer, ok := s.subs[id]
		s.mu.RUnlock()
		if ok {
			observer(value)
		}
	}
}

// Len reports the number of registered observers.
func (s *SimpleSubject[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *SimpleSubject[T]) snapshot() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, len(s.order))
	copy(ids, s.order)
	return ids
}

func (s *SimpleSubject[T]) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return
	}
	delete(s.subs, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// SimpleBehaviorSubject is a SimpleSubject that remembers the last
// published value and replays it synchronously to every new subscriber.
type SimpleBehaviorSubject[T any] struct {
	inner    SimpleSubject[T]
	mu       sync.RWMutex
	hasValue bool
	last     T
}

func NewSimpleBehaviorSubject[T any]() *SimpleBehaviorSubject[T] {
	return &SimpleBehaviorSubject[T]{inner: SimpleSubject[T]{subs: make(map[int]func(T))}}
}

func (s *SimpleBehaviorSubject[T]) Subscribe(observer func(T)) func() {
	unsubscribe := s.inner.Subscribe(observer)
	s.mu.RLock()
	replay, has := s.last, s.hasValue
	s.mu.RUnlock()
	if has {
		observer(replay)
	}
	return unsubscribe
}

func (s *SimpleBehaviorSubject[T]) Publish(value T) {
	s.mu.Lock()
	s.last = value
	s.hasValue = true
	s.mu.Unlock()
	s.inner.Publish(value)
}

// Value returns the last published value, if any.
func (s *SimpleBehaviorSubject[T]) Value() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasValue
}

// Subject is a keyed observer registry: a logical identity (typically a
// client id) registers under its own key and can unregister itself later
// without holding a closure reference.
type Subject[T any] struct {
	mu    sync.RWMutex
	order []string
	subs  map[string]func(T)
}

func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: make(map[string]func(T))}
}

// SubscribeWith registers the observer under key. A second registration
// for the same key fails.
func (s *Subject[T]) SubscribeWith(key string, observer func(T)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[key]; exists {
		return endpointError(StatusConflict, "observer already registered for key "+key)
	}
	s.subs[key] = observer
	s.order = append(s.order, key)
	return nil
}

// Unsubscribe removes the observer registered under key. Unknown keys fail.
func (s *Subject[T]) Unsubscribe(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[key]; !exists {
		return endpointError(StatusNotFound, "no observer registered for key "+key)
	}
	s.dropLocked(key)
	return nil
}

// Publish delivers the value to every registered observer, in
// registration order.
func (s *Subject[T]) Publish(value T) {
	s.PublishTo(s.Keys(), value)
}

// PublishTo delivers the value only to the observers registered under the
// given keys, preserving registration order. Keys with no observer are
// skipped.
func (s *Subject[T]) PublishTo(keys []string, value T) {
	wanted := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		wanted[key] = struct{}{}
	}
	for _, key := range s.Keys() {
		if _, ok := wanted[key]; !ok {
			continue
		}
		s.mu.RLock()
		observer, registered := s.subs[key]
		s.mu.RUnlock()
		if registered {
			observer(value)
		}
	}
}

// Keys returns the registered keys in registration order.
func (s *Subject[T]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, len(s.order))
	copy(keys, s.order)
	return keys
}

// Has reports whether an observer is registered under key.
func (s *Subject[T]) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[key]
	return ok
}

// Len reports the number of registered observers.
func (s *Subject[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Clear removes every observer.
func (s *Subject[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = make(map[string]func(T))
	s.order = nil
}

func (s *Subject[T]) dropLocked(key string) {
	delete(s.subs, key)
	for i, existing := range s.order {
		if existing == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// BehaviorSubject is a keyed Subject that replays the last published value
// to every new subscriber at registration time.
type BehaviorSubject[T any] struct {
	inner    Subject[T]
	mu       sync.RWMutex
	hasValue bool
	last     T
}

func NewBehaviorSubject[T any]() *BehaviorSubject[T] {
	return &BehaviorSubject[T]{inner: Subject[T]{subs: make(map[string]func(T))}}
}

func (s *BehaviorSubject[T]) SubscribeWith(key string, observer func(T)) error {
	if err := s.inner.SubscribeWith(key, observer); err != nil {
		return err
	}
	s.mu.RLock()
	replay, has := s.last, s.hasValue
	s.mu.RUnlock()
	if has {
		observer(replay)
	}
	return nil
}

func (s *BehaviorSubject[T]) Unsubscribe(key string) error { return s.inner.Unsubscribe(key) }

func (s *BehaviorSubject[T]) Publish(value T) {
	s.mu.Lock()
	s.last = value
	s.hasValue = true
	s.mu.Unlock()
	s.inner.Publish(value)
}

func (s *BehaviorSubject[T]) Value() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasValue
}
