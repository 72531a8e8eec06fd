package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// entry is one key's lock. refs counts holders plus waiters so the entry
// can be dropped once nobody needs it.
type entry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Each key gets its own one-slot
// semaphore so waiting can be abandoned when the context ends.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// Lock blocks until key is held or ctx is done.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (Release, error) {
	start := time.Now()

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		observeWait(start, nil)
	case <-ctx.Done():
		m.unref(key, e)
		err := fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
		observeWait(start, err)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.unref(key, e)
		})
	}, nil
}

func (m *KeyedMutex) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
