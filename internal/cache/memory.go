package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/apigw/internal/observability"
)

// defaultMaxEntries bounds the memory cache when no limit is configured.
const defaultMaxEntries = 10000

// MemoryCache implements an in-memory LRU cache with TTL expiry.
type MemoryCache struct {
	logger     observability.Logger
	maxEntries int
	defaultTTL time.Duration

	mu        sync.Mutex
	items     map[string]*list.Element
	eviction  *list.List
	sets      map[string]map[string]struct{}
	setExpiry map[string]time.Time

	hits   int64
	misses int64

	stopCh  chan struct{}
	stopped sync.Once
}

// memoryEntry represents an entry in the memory cache.
type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// MemoryOption is a functional option for the memory cache.
type MemoryOption func(*MemoryCache)

// WithMaxEntries sets the maximum number of entries before LRU eviction.
func WithMaxEntries(n int) MemoryOption {
	return func(c *MemoryCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithDefaultTTL sets the TTL applied when Set is called with ttl == 0.
func WithDefaultTTL(ttl time.Duration) MemoryOption {
	return func(c *MemoryCache) {
		c.defaultTTL = ttl
	}
}

// WithMemoryLogger sets the logger for the memory cache.
func WithMemoryLogger(logger observability.Logger) MemoryOption {
	return func(c *MemoryCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		logger:     observability.NopLogger(),
		maxEntries: defaultMaxEntries,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		sets:       make(map[string]map[string]struct{}),
		setExpiry:  make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.cleanupLoop()

	return c
}

// Get retrieves a value from the cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() {
		cacheOperationDuration.WithLabelValues("memory", "get").Observe(time.Since(start).Seconds())
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		atomic.AddInt64(&c.misses, 1)
		cacheMissesTotal.WithLabelValues("memory").Inc()
		return nil, ErrCacheMiss
	}

	entry := elem.Value.(*memoryEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		atomic.AddInt64(&c.misses, 1)
		cacheMissesTotal.WithLabelValues("memory").Inc()
		return nil, ErrCacheMiss
	}

	c.eviction.MoveToFront(elem)
	atomic.AddInt64(&c.hits, 1)
	cacheHitsTotal.WithLabelValues("memory").Inc()

	return entry.value, nil
}

// Set stores a value in the cache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		cacheOperationDuration.WithLabelValues("memory", "set").Observe(time.Since(start).Seconds())
	}()

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	entry := &memoryEntry{key: key, value: value, expiresAt: expiresAt}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.eviction.MoveToFront(elem)
		elem.Value = entry
		return nil
	}

	c.items[key] = c.eviction.PushFront(entry)

	for c.eviction.Len() > c.maxEntries {
		if oldest := c.eviction.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}

	return nil
}

// Delete removes keys from the cache.
func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		if elem, exists := c.items[key]; exists {
			c.removeElement(elem)
		}
		delete(c.sets, key)
		delete(c.setExpiry, key)
	}

	return nil
}

// AddToSet adds a member to the set stored at key.
func (c *MemoryCache) AddToSet(_ context.Context, key, member string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.sets[key]
	if !ok {
		set = make(map[string]struct{})
		c.sets[key] = set
	}
	set[member] = struct{}{}

	if ttl > 0 {
		expiry := time.Now().Add(ttl)
		if expiry.After(c.setExpiry[key]) {
			c.setExpiry[key] = expiry
		}
	}

	return nil
}

// SetMembers returns all members of the set stored at key.
func (c *MemoryCache) SetMembers(_ context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.setExpired(key, time.Now()) {
		return nil, nil
	}

	set, ok := c.sets[key]
	if !ok {
		return nil, nil
	}

	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}

	return members, nil
}

// Close stops the cleanup goroutine and clears the cache.
func (c *MemoryCache) Close() error {
	c.stopped.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.sets = make(map[string]map[string]struct{})
	c.setExpiry = make(map[string]time.Time)
	c.eviction.Init()

	return nil
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	size := int64(c.eviction.Len())
	c.mu.Unlock()

	return Stats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
		Size:   size,
	}
}

// setExpired drops the set stored at key when its expiry has passed.
// Must be called with the lock held.
func (c *MemoryCache) setExpired(key string, now time.Time) bool {
	expiry, ok := c.setExpiry[key]
	if !ok || now.Before(expiry) {
		return false
	}
	delete(c.sets, key)
	delete(c.setExpiry, key)
	return true
}

// removeElement removes an element from the cache.
// Must be called with the lock held.
func (c *MemoryCache) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	entry := elem.Value.(*memoryEntry)
	delete(c.items, entry.key)
}

// cleanupLoop periodically removes expired entries.
func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCh:
			return
		}
	}
}

// cleanup removes expired entries under a single write lock.
func (c *MemoryCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var toRemove []*list.Element

	for elem := c.eviction.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*memoryEntry)
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			toRemove = append(toRemove, elem)
		}
	}

	for _, elem := range toRemove {
		c.removeElement(elem)
	}

	for key := range c.setExpiry {
		c.setExpired(key, now)
	}

	if len(toRemove) > 0 {
		c.logger.Debug("cache cleanup completed",
			observability.Int("removed", len(toRemove)))
	}
}

// Ensure MemoryCache implements Cache.
var _ Cache = (*MemoryCache)(nil)
