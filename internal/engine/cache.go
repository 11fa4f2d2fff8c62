package engine

import "sync"

// CommandCache maps a normalized command string to its captured output,
// scoped to one session's lifetime. It is cleared on dump close and
// re-enabled on the next dump open.
type CommandCache struct {
	mu      sync.RWMutex
	enabled bool
	entries map[string]string
	hits    uint64
	misses  uint64
}

// NewCommandCache returns a disabled, empty cache. Call SetEnabled(true)
// once a dump is open.
func NewCommandCache() *CommandCache {
	return &CommandCache{entries: make(map[string]string)}
}

// SetEnabled toggles caching; disabling does not clear existing entries
// (Clear does that explicitly on dump close).
func (c *CommandCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// Enabled reports whether the cache is currently active.
func (c *CommandCache) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// Get looks up a normalized command. ok is false for a miss, for a
// state-mutating command, or while the cache is disabled — callers should
// not insert after either of the latter two.
func (c *CommandCache) Get(normalizedCmd string) (output string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || IsStateMutating(normalizedCmd) {
		return "", false
	}
	out, found := c.entries[normalizedCmd]
	if found {
		c.hits++
	} else {
		c.misses++
	}
	return out, found
}

// Put inserts a result for a normalized command. No-op while disabled or
// for a state-mutating command, so callers can call it unconditionally
// after every execute without re-checking IsStateMutating themselves.
func (c *CommandCache) Put(normalizedCmd, output string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || IsStateMutating(normalizedCmd) {
		return
	}
	c.entries[normalizedCmd] = output
}

// Clear empties the cache and resets counters. Called on dump close.
func (c *CommandCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]string)
	c.hits = 0
	c.misses = 0
}

// Stats returns the hit/miss counters.
func (c *CommandCache) Stats() (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
