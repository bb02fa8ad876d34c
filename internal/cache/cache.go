// Copyright 2025 James Ross
// Package cache is the Cache (C9): a read-through, TTL-bound memoisation
// layer for hot read endpoints (monitor snapshots, audit aggregations). No
// third-party in-process cache library appears anywhere in the example
// pack, so this is built on a mutex-guarded map with lazy per-Get expiry
// rather than wiring one in — see the design notes for the full justification.
package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value   any
	expires time.Time
}

// Cache is a process-local TTL store keyed by "<module>:<endpoint>:<params>".
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	defaultTTL time.Duration
}

func New(defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache{entries: map[string]entry{}, defaultTTL: defaultTTL}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with ttl (or the cache's default if ttl <= 0).
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.entries[key] = entry{value: value, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePrefix removes every key matching a "<module>:<endpoint>:*" or
// "<module>:*" glob pattern.
func (c *Cache) InvalidatePrefix(pattern string) {
	prefix := strings.TrimSuffix(pattern, "*")
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Key builds the canonical "<module>:<endpoint>:<sorted-kv-params>" cache
// key from a params map, sorting keys so equivalent param sets collide.
func Key(module, endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return module + ":" + endpoint + ":"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(module)
	b.WriteByte(':')
	b.WriteString(endpoint)
	b.WriteByte(':')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Loader computes the value on a cache miss.
type Loader func(ctx context.Context) (any, error)

// GetOrLoad implements the read-through contract: a hit returns the cached
// value; a miss (including any cache infrastructure error, which cannot
// happen with this in-process implementation but is handled defensively
// for parity with a remote cache) always falls through to load.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load Loader) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(key, v, ttl)
	return v, nil
}
