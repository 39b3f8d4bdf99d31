package services

import (
	"sort"
	"sync"

	"github.com/prudhvinik1/medsync/internal/repositories"
)

type SubscribeFunc func() (repositories.Unsubscribe, error)

type listenerEntry struct {
	token    uint64
	teardown repositories.Unsubscribe
}

// ListenerRegistry keeps at most one live subscription per key.
type ListenerRegistry struct {
	mu        sync.Mutex
	handles   map[string]listenerEntry
	nextToken uint64
}

func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{handles: make(map[string]listenerEntry)}
}

// Start tears down any subscription already held for key, then installs the
// one returned by subscribe. On error nothing is held for key.
func (r *ListenerRegistry) Start(key string, subscribe SubscribeFunc) error {
	_, err := r.StartOwned(key, subscribe)
	return err
}

// StartOwned is Start returning a token that identifies this subscription to
// StopOwned.
func (r *ListenerRegistry) StartOwned(key string, subscribe SubscribeFunc) (uint64, error) {
	r.mu.Lock()
	old := r.handles[key]
	delete(r.handles, key)
	r.mu.Unlock()

	if old.teardown != nil {
		old.teardown()
	}

	teardown, err := subscribe()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	raced := r.handles[key]
	r.nextToken++
	token := r.nextToken
	r.handles[key] = listenerEntry{token: token, teardown: teardown}
	r.mu.Unlock()

	// Another Start for the same key finished while we were subscribing.
	if raced.teardown != nil {
		raced.teardown()
	}
	return token, nil
}

func (r *ListenerRegistry) Stop(key string) {
	r.mu.Lock()
	entry := r.handles[key]
	delete(r.handles, key)
	r.mu.Unlock()

	if entry.teardown != nil {
		entry.teardown()
	}
}

// StopOwned stops the subscription for key only if it is still the one
// identified by token.
func (r *ListenerRegistry) StopOwned(key string, token uint64) {
	r.mu.Lock()
	entry, ok := r.handles[key]
	if !ok || entry.token != token {
		r.mu.Unlock()
		return
	}
	delete(r.handles, key)
	r.mu.Unlock()

	entry.teardown()
}

func (r *ListenerRegistry) StopAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]listenerEntry)
	r.mu.Unlock()

	for _, entry := range handles {
		entry.teardown()
	}
}

func (r *ListenerRegistry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[key]
	return ok
}

// Keys returns the registered keys in sorted order.
func (r *ListenerRegistry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	sort.Strings(keys)
	return keys
}

func (r *ListenerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
