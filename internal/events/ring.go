package events

import (
	"sync"
)

// Ring provides thread-safe storage for the most recent values with a fixed capacity
type Ring[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int // Points to the next write position
	tail     int // Points to the oldest element
}

// NewRing creates a new circular buffer with specified capacity
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// Add stores v, overwriting the oldest value once the ring is full
func (r *Ring[T]) Add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[r.head] = v
	r.head = (r.head + 1) % r.capacity

	if r.size < r.capacity {
		r.size++
	} else {
		r.tail = (r.tail + 1) % r.capacity
	}
}

// Recent returns up to n values, newest first
func (r *Ring[T]) Recent(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}

	result := make([]T, n)
	pos := (r.head - 1 + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		result[i] = r.data[pos]
		pos = (pos - 1 + r.capacity) % r.capacity
	}
	return result
}

// Latest returns the newest value and whether the ring held any
func (r *Ring[T]) Latest() (T, bool) {
	recent := r.Recent(1)
	if len(recent) == 0 {
		var zero T
		return zero, false
	}
	return recent[0], true
}

// All returns every stored value in chronological order
func (r *Ring[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}

	result := make([]T, r.size)
	current := r.tail
	for i := 0; i < r.size; i++ {
		result[i] = r.data[current]
		current = (current + 1) % r.capacity
	}
	return result
}

// Len returns the current number of stored values
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Clear empties the ring
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.size = 0
	r.head = 0
	r.tail = 0
}
