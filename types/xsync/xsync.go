// Package xsync implements the extra synchronization tools used by the
// execution-order machinery: latches (one-shot signals backing queue events),
// a resizable semaphore (feed-queue capacity control) and a typed sync.Map
// wrapper (buffer recycling pools).
package xsync

import "sync"

// Latch implements a one-shot signal that can be waited for until it is
// triggered. Once triggered it never changes state.
//
// Device-queue events are latches: recorded on one timeline, awaited on
// another.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger the latch. Triggering an already triggered latch is a no-op.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel that is closed when the latch triggers, for use
// in select statements.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// LatchWithValue is a Latch that carries a value with the trigger -- e.g., the
// error outcome of a queue synchronization.
type LatchWithValue[T any] struct {
	value T
	latch *Latch
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{latch: NewLatch()}
}

// Trigger the latch, saving the associated value. Later triggers are no-ops
// and their value is discarded.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.latch.muTrigger.Lock()
	defer l.latch.muTrigger.Unlock()
	if l.latch.Test() {
		return
	}
	l.value = value
	close(l.latch.wait)
}

// Wait blocks until the latch is triggered and returns the associated value.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	return l.latch.Test()
}

// SendNoBlock tries to send value through the channel without blocking.
// It returns 0 if the value was sent, 1 if sending would block (channel
// buffer full) or 2 if the channel was closed.
func SendNoBlock[T any](c chan T, value T) (status int) {
	defer func() {
		if recover() != nil {
			status = 2
		}
	}()
	select {
	case c <- value:
		status = 0
	default:
		status = 1
	}
	return
}

// Semaphore with dynamic resizing, built on a sync.Cond.
//
// Feed queues use one to bound the number of outstanding batches: producers
// acquire a slot on submission (blocking or failing fast), consumers release
// it when the batch is consumed.
type Semaphore struct {
	cond              sync.Cond
	capacity, current int
}

// NewSemaphore returns a Semaphore that allows at most capacity simultaneous
// acquisitions. If capacity <= 0, there is no limit.
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{
		cond:     sync.Cond{L: &sync.Mutex{}},
		capacity: capacity,
	}
}

// Acquire a slot, blocking while the semaphore is at capacity.
// It must be matched by exactly one call to Release.
func (s *Semaphore) Acquire() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	for {
		if s.capacity <= 0 || s.current < s.capacity {
			s.current++
			return
		}
		s.cond.Wait()
	}
}

// TryAcquire attempts to take a slot without blocking. It returns whether a
// slot was taken.
func (s *Semaphore) TryAcquire() bool {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	if s.capacity > 0 && s.current >= s.capacity {
		return false
	}
	s.current++
	return true
}

// Release a slot previously taken with Acquire or TryAcquire.
func (s *Semaphore) Release() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.current--
	if s.capacity == 0 || s.current < s.capacity-1 {
		return
	}
	s.cond.Signal()
}

// Resize the semaphore capacity.
//
// Growing may immediately release pending Acquire calls; since all waiters
// are awoken (broadcast), queue order may be lost across a resize. Shrinking
// has no effect on slots already taken.
func (s *Semaphore) Resize(newCapacity int) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	if newCapacity == s.capacity {
		return
	}
	if (newCapacity > 0 && newCapacity < s.capacity) || s.capacity == 0 {
		s.capacity = newCapacity
		return
	}
	s.capacity = newCapacity
	s.cond.Broadcast()
}

// SyncMap is a trivial wrapper to sync.Map that casts the key and value types
// accordingly. As sync.Map, it can be used from its zero value, but should
// not be copied after first use.
type SyncMap[K comparable, V any] struct {
	Map sync.Map
}

// Load returns the value stored in the map for a key.
// The ok result indicates whether the value was found.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.Map.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// Store sets the value for a key.
func (m *SyncMap[K, V]) Store(key K, value V) {
	m.Map.Store(key, value)
}

// LoadOrStore returns the existing value for the key if present, otherwise it
// stores and returns the given value. loaded is true if the value was loaded.
func (m *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.Map.LoadOrStore(key, value)
	return v.(V), loaded
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, the iteration stops.
func (m *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.Map.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

// Clear removes all key-value pairs from the map.
func (m *SyncMap[K, V]) Clear() {
	m.Map.Clear()
}
