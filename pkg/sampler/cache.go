package sampler

import "sync"

// Cache is the per-node sticky store of the most recent successful sample.
// Entries are overwritten only on success and live for the process lifetime;
// there is no eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Result
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]Result)}
}

// Put stores a successful sample.
func (c *Cache) Put(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[r.Name] = r
}

// Get returns a copy of the stored sample for the node, if any.
func (c *Cache) Get(name string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[name]
	return r, ok
}
