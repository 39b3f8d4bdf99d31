package services

import (
	"log"
	"sync"
)

// broadcaster fans a value out to registered callbacks. Callbacks run on the
// emitting goroutine, outside the lock; a panicking callback is logged and
// does not affect the others.
type broadcaster[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

func (b *broadcaster[T]) subscribe(cb func(T)) func() {
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]func(T))
	}
	id := b.next
	b.next++
	b.subs[id] = cb
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *broadcaster[T]) emit(v T) {
	b.mu.Lock()
	callbacks := make([]func(T), 0, len(b.subs))
	for _, cb := range b.subs {
		callbacks = append(callbacks, cb)
	}
	b.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("subscriber panicked: %v", r)
				}
			}()
			cb(v)
		}()
	}
}

func (b *broadcaster[T]) clear() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

func (b *broadcaster[T]) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
