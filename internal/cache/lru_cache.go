// Package cache provides the block cache: an in-memory pool of decoded SST
// data and index blocks, shared across reads to avoid re-decoding (and
// re-fetching from disk) the same block.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Cache is implemented by both LRUCache and ShardedLRUCache.
type Cache interface {
	// Insert stores value under key with the given charge against the
	// cache's capacity, returning a Handle pinning it.
	Insert(key CacheKey, value []byte, charge uint64) *Handle

	// Lookup returns a pinned Handle for key, or nil if absent.
	Lookup(key CacheKey) *Handle

	// Release unpins a Handle obtained from Insert or Lookup.
	Release(handle *Handle)

	// Erase drops key from the cache once nothing still holds it pinned.
	Erase(key CacheKey)

	SetCapacity(capacity uint64)
	GetCapacity() uint64
	GetUsage() uint64
	GetPinnedUsage() uint64
	GetOccupancyCount() uint64

	Close()
}

// CacheKey identifies one cached block by the SST file it came from and
// its byte offset within that file.
type CacheKey struct {
	FileNumber  uint64
	BlockOffset uint64
}

// Handle pins a cached block in memory for as long as the caller holds it.
type Handle struct {
	key     CacheKey
	value   []byte
	charge  uint64
	refs    int32
	deleted bool
}

// Value returns the cached block's bytes.
func (h *Handle) Value() []byte {
	return h.value
}

// Charge returns how much of the cache's capacity this entry counts against.
func (h *Handle) Charge() uint64 {
	return h.charge
}

// LRUCache is a single-shard, thread-safe cache that evicts the least
// recently used unpinned entry once usage exceeds capacity.
type LRUCache struct {
	mu       sync.RWMutex
	capacity uint64
	usage    uint64
	byKey    map[CacheKey]*list.Element
	order    *list.List // front = most recently used

	hits   atomic.Uint64
	misses atomic.Uint64
}

// node is what order's list.Elements hold.
type node struct {
	handle *Handle
}

func nodeOf(elem *list.Element) *node {
	n, _ := elem.Value.(*node)
	return n
}

// NewLRUCache returns an empty LRUCache with the given byte capacity.
func NewLRUCache(capacity uint64) *LRUCache {
	return &LRUCache{
		capacity: capacity,
		byKey:    make(map[CacheKey]*list.Element),
		order:    list.New(),
	}
}

// Insert stores value under key, evicting unpinned entries from the cold
// end of the LRU list as needed to make room. An existing entry for key is
// overwritten and moved to the front.
func (c *LRUCache) Insert(key CacheKey, value []byte, charge uint64) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byKey[key]; ok {
		n := nodeOf(elem)
		c.usage = c.usage - n.handle.charge + charge
		n.handle.value = value
		n.handle.charge = charge
		n.handle.refs++
		c.order.MoveToFront(elem)
		return n.handle
	}

	handle := &Handle{key: key, value: value, charge: charge, refs: 1}

	for c.usage+charge > c.capacity && c.order.Len() > 0 {
		c.evictColdest()
	}

	elem := c.order.PushFront(&node{handle: handle})
	c.byKey[key] = elem
	c.usage += charge

	return handle
}

// Lookup returns a pinned Handle for key and bumps it to the front of the
// LRU list, or nil (recording a miss) if key isn't cached or is pending
// deletion.
func (c *LRUCache) Lookup(key CacheKey) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byKey[key]; ok {
		n := nodeOf(elem)
		if !n.handle.deleted {
			c.order.MoveToFront(elem)
			n.handle.refs++
			c.hits.Add(1)
			return n.handle
		}
	}

	c.misses.Add(1)
	return nil
}

// Release unpins handle. A handle already marked for deletion is removed
// once its last reference goes away.
func (c *LRUCache) Release(handle *Handle) {
	if handle == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	handle.refs--
	if handle.refs == 0 && handle.deleted {
		c.dropByKey(handle.key)
	}
}

// Erase marks key for deletion, removing it immediately if nothing has it pinned.
func (c *LRUCache) Erase(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byKey[key]
	if !ok {
		return
	}
	n := nodeOf(elem)
	n.handle.deleted = true
	if n.handle.refs == 0 {
		c.dropElement(elem)
	}
}

// SetCapacity changes the capacity, evicting unpinned entries if the new
// capacity is below current usage.
func (c *LRUCache) SetCapacity(capacity uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.capacity = capacity
	for c.usage > c.capacity && c.order.Len() > 0 {
		c.evictColdest()
	}
}

func (c *LRUCache) GetCapacity() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

func (c *LRUCache) GetUsage() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usage
}

// GetPinnedUsage sums the charge of every entry with an outstanding reference.
func (c *LRUCache) GetPinnedUsage() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var pinned uint64
	for _, elem := range c.byKey {
		if n := nodeOf(elem); n.handle.refs > 0 {
			pinned += n.handle.charge
		}
	}
	return pinned
}

func (c *LRUCache) GetOccupancyCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.byKey))
}

// Close drops every entry regardless of pin state.
func (c *LRUCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byKey = make(map[CacheKey]*list.Element)
	c.order.Init()
	c.usage = 0
}

func (c *LRUCache) GetHitCount() uint64 {
	return c.hits.Load()
}

func (c *LRUCache) GetMissCount() uint64 {
	return c.misses.Load()
}

func (c *LRUCache) GetHitRate() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 0.0
	}
	return float64(hits) / float64(hits+misses)
}

// evictColdest drops the first unpinned, non-deleted entry found walking
// back from the list's tail. Caller must hold mu.
func (c *LRUCache) evictColdest() {
	for e := c.order.Back(); e != nil; e = e.Prev() {
		n := nodeOf(e)
		if n.handle.refs == 0 && !n.handle.deleted {
			c.dropElement(e)
			return
		}
	}
}

// dropElement removes elem from both the list and the key index. Caller
// must hold mu.
func (c *LRUCache) dropElement(elem *list.Element) {
	n := nodeOf(elem)
	delete(c.byKey, n.handle.key)
	c.order.Remove(elem)
	c.usage -= n.handle.charge
}

func (c *LRUCache) dropByKey(key CacheKey) {
	if elem, ok := c.byKey[key]; ok {
		c.dropElement(elem)
	}
}

// ShardedLRUCache spreads entries across several independent LRUCache
// shards, keyed by a hash of CacheKey, so that concurrent callers touching
// different blocks don't serialize on one mutex.
type ShardedLRUCache struct {
	shards    []*LRUCache
	numShards uint64
}

// NewShardedLRUCache returns a ShardedLRUCache splitting capacity evenly
// across numShards shards (rounded up to a power of 2; 16 if numShards <= 0).
func NewShardedLRUCache(capacity uint64, numShards int) *ShardedLRUCache {
	if numShards <= 0 {
		numShards = 16
	}
	numShards = roundUpPow2(numShards)

	shardCapacity := capacity / uint64(numShards)
	if shardCapacity == 0 {
		shardCapacity = 1
	}

	c := &ShardedLRUCache{
		shards:    make([]*LRUCache, numShards),
		numShards: uint64(numShards),
	}
	for i := range numShards {
		c.shards[i] = NewLRUCache(shardCapacity)
	}
	return c
}

func roundUpPow2(n int) int {
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n++
	return n
}

func (c *ShardedLRUCache) shardFor(key CacheKey) *LRUCache {
	h := key.FileNumber ^ (key.BlockOffset * 0x9E3779B9)
	return c.shards[h%c.numShards]
}

func (c *ShardedLRUCache) Insert(key CacheKey, value []byte, charge uint64) *Handle {
	return c.shardFor(key).Insert(key, value, charge)
}

func (c *ShardedLRUCache) Lookup(key CacheKey) *Handle {
	return c.shardFor(key).Lookup(key)
}

func (c *ShardedLRUCache) Release(handle *Handle) {
	if handle == nil {
		return
	}
	c.shardFor(handle.key).Release(handle)
}

func (c *ShardedLRUCache) Erase(key CacheKey) {
	c.shardFor(key).Erase(key)
}

func (c *ShardedLRUCache) SetCapacity(capacity uint64) {
	shardCapacity := capacity / c.numShards
	if shardCapacity == 0 {
		shardCapacity = 1
	}
	for _, s := range c.shards {
		s.SetCapacity(shardCapacity)
	}
}

func (c *ShardedLRUCache) GetCapacity() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.GetCapacity()
	}
	return total
}

func (c *ShardedLRUCache) GetUsage() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.GetUsage()
	}
	return total
}

func (c *ShardedLRUCache) GetPinnedUsage() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.GetPinnedUsage()
	}
	return total
}

func (c *ShardedLRUCache) GetOccupancyCount() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.GetOccupancyCount()
	}
	return total
}

func (c *ShardedLRUCache) Close() {
	for _, s := range c.shards {
		s.Close()
	}
}

// GetHitCount sums hits across every shard.
func (c *ShardedLRUCache) GetHitCount() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.GetHitCount()
	}
	return total
}

// GetMissCount sums misses across every shard.
func (c *ShardedLRUCache) GetMissCount() uint64 {
	var total uint64
	for _, s := range c.shards {
		total += s.GetMissCount()
	}
	return total
}

// GetHitRate reports the aggregate hit rate across every shard.
func (c *ShardedLRUCache) GetHitRate() float64 {
	hits, misses := c.GetHitCount(), c.GetMissCount()
	if hits+misses == 0 {
		return 0.0
	}
	return float64(hits) / float64(hits+misses)
}
