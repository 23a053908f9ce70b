// Package events provides the typed publish/subscribe primitives the call
// components use to observe each other without sharing globals.
package events

import (
	"sort"
	"sync"
)

// Bus fans a typed event out to every registered handler.
//
// Handlers run synchronously on the publisher's goroutine in subscription
// order, so they must not block. A handler that needs to do real work should
// hand the event to its own goroutine.
type Bus[T any] struct {
	mu       sync.RWMutex
	handlers map[int64]func(T)
	nextID   int64
}

// NewBus returns an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{handlers: make(map[int64]func(T))}
}

// Subscribe registers fn and returns a function that removes it again.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.handlers == nil {
		b.handlers = make(map[int64]func(T))
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers v to every handler registered at the time of the call.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	ids := make([]int64, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(T), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(v)
	}
}

// Len returns the number of registered handlers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
