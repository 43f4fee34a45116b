package expressions

import "sync"

// programCache memoizes compiled programs by expression text.
type programCache[T any] struct {
	mu    sync.RWMutex
	progs map[string]T
}

func newProgramCache[T any]() *programCache[T] {
	return &programCache[T]{progs: make(map[string]T)}
}

// getOrCompile returns a cached program or compiles and caches a new one.
// Failed compilations are not cached.
func (c *programCache[T]) getOrCompile(expression string, compile func(string) (T, error)) (T, error) {
	c.mu.RLock()
	if p, ok := c.progs[expression]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if p, ok := c.progs[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	c.progs[expression] = p
	return p, nil
}

func (c *programCache[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}
