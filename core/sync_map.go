package core

import "sync"

// SyncMap is an implementation of a map that is safe for concurrent usage.
type SyncMap[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{
		m: make(map[K]V),
	}
}

func (s *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.m[key]
	return
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores the value returned by f and returns it.
func (s *SyncMap[K, V]) LoadOrStore(key K, f func() V) (value V, loaded bool) {
	s.mu.RLock()
	value, loaded = s.m[key]
	s.mu.RUnlock()
	if loaded {
		return value, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, loaded = s.m[key]; loaded {
		return value, true
	}
	value = f()
	s.m[key] = value
	return value, false
}

// DeleteIf removes the key if f returns true for its current value.
// f is called with the map locked.
func (s *SyncMap[K, V]) DeleteIf(key K, f func(value V) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.m[key]
	if !ok || !f(value) {
		return false
	}
	delete(s.m, key)
	return true
}

func (s *SyncMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

func (s *SyncMap[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

func (s *SyncMap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *SyncMap[K, V]) RRange(f func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.m {
		if !f(k, v) {
			break
		}
	}
}

// KeyedMutex hands out one mutex per key. Locks are never reclaimed.
type KeyedMutex struct {
	locks *SyncMap[string, *sync.Mutex]
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: NewSyncMap[string, *sync.Mutex]()}
}

// Lock locks the mutex of key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	mu, _ := k.locks.LoadOrStore(key, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}
