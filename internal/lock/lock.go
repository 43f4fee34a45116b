package lock

import (
	"context"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// MutexMap hands out one mutex per key. Entries are dropped once no
// goroutine holds or waits on them.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*entry
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*entry),
	}
}

func (m *MutexMap) Lock(key string) {
	m.acquireEntry(key).mu.Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.mutexes[key]
	if !ok {
		m.mu.Unlock()
		panic("lock: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(m.mutexes, key)
	}
	m.mu.Unlock()
	e.mu.Unlock()
}

// Len returns the number of keys currently held or awaited.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mutexes)
}

func (m *MutexMap) acquireEntry(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.mutexes[key]
	if !ok {
		e = &entry{}
		m.mutexes[key] = e
	}
	e.refs++
	return e
}

type heldKey struct {
	m   *MutexMap
	key string
}

// Acquire locks key unless ctx shows the caller already holds it. The
// returned context marks the key as held so nested calls on the same
// goroutine chain do not deadlock. release is safe to call once.
func (m *MutexMap) Acquire(ctx context.Context, key string) (context.Context, func()) {
	if Held(ctx, m, key) {
		return ctx, func() {}
	}
	m.Lock(key)
	var once sync.Once
	return context.WithValue(ctx, heldKey{m: m, key: key}, true), func() {
		once.Do(func() { m.Unlock(key) })
	}
}

// Held reports whether ctx carries a lock on key taken through m.Acquire.
func Held(ctx context.Context, m *MutexMap, key string) bool {
	v, _ := ctx.Value(heldKey{m: m, key: key}).(bool)
	return v
}
