package tree

import "sync"

// ProjectionCache memoizes Project by (conversationID, viewerID, version).
// The store increments its version counter on every mutation; two calls
// under the same version return the identical slice value so clients can
// use identity-based change detection.
type ProjectionCache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	conversationID string
	viewerID       string
}

type cacheEntry struct {
	version int64
	view    []Message
}

// NewProjectionCache returns an empty cache.
func NewProjectionCache() *ProjectionCache {
	return &ProjectionCache{entries: make(map[cacheKey]cacheEntry)}
}

// Get returns the cached view for (conversationID, viewerID) at version, or
// computes, caches, and returns a fresh one from build if the cache is stale
// or empty.
func (c *ProjectionCache) Get(conversationID, viewerID string, version int64, build func() Snapshot) []Message {
	key := cacheKey{conversationID, viewerID}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.version == version {
		c.mu.Unlock()
		return e.view
	}
	c.mu.Unlock()

	view := Project(build())

	c.mu.Lock()
	c.entries[key] = cacheEntry{version: version, view: view}
	c.mu.Unlock()

	return view
}

// Invalidate drops every cached entry for a conversation, across all
// viewers. pkg/convops calls it after each mutation it makes, in addition
// to the store's version counter.
func (c *ProjectionCache) Invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.conversationID == conversationID {
			delete(c.entries, k)
		}
	}
}
