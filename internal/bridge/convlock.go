package bridge

import "sync"

// convLocks serializes work per conversation key. An entry lives only while
// someone holds or waits for it.
type convLocks struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu      sync.Mutex
	waiters int
}

func newConvLocks() *convLocks {
	return &convLocks{locks: make(map[string]*convLock)}
}

// lock blocks until key is free and returns the matching unlock.
func (c *convLocks) lock(key string) func() {
	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &convLock{}
		c.locks[key] = l
	}
	l.waiters++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.waiters--
		if l.waiters == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

func (c *convLocks) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
