// Package dcache implements an in-DRAM directory-entry cache:
// a bounded LRU keyed by (parent inode, name) that also remembers each
// child's parent inode so ".." can be resolved without a tree walk, plus a
// per-directory free-slot (hole) list so inserting a new entry can reuse an
// erased dirent or block-end slack in one lookup instead of rescanning the
// whole directory. Unlike the tree and crawler packages this cache never
// touches BPRAM directly — it only shortcuts repeated lookups and rescans
// against it — so eviction never has any durability consequence: a hole
// that falls out of the cache is simply rediscovered by the next full scan
// that has to fall back to one.
//
// The name cache is modeled on a dircache pattern: a mutex-guarded map from
// inode to child-name lookups, refreshed on directory mutation, generalized
// here into a bounded pool of reusable slots with real LRU eviction and
// free-slot reuse rather than an unbounded map. The hole list is grounded on
// dcache_add_free/dcache_take_free: a per-directory list of {offset,
// rec_len} holes, first-fit over by a linear scan.
package dcache

import (
	"container/list"
	"sync"
)

// key identifies one cached directory entry.
type key struct {
	parent uint64
	name   string
}

// entry is the cached data for one (parent, name) pair.
type entry struct {
	key
	child uint64
	elem  *list.Element // position in the LRU list; nil when the slot is free
}

// Cache is a fixed-capacity, LRU-evicted directory-entry cache with a
// parent index for ".." resolution.
type Cache struct {
	mu       sync.Mutex
	capacity int

	slots []entry
	free  []int // indices into slots currently unused

	index map[key]int    // (parent,name) -> slot index
	order *list.List     // list.Element.Value is a slot index; front = most recent

	parents map[uint64]uint64 // child ino -> parent ino, refcounted by byChild
	byChild map[uint64]int    // child ino -> live entry count referencing it as `parents` key

	holes map[uint64][]hole // parent ino -> cached free dirent slots, discovery order
}

// hole is one cached erased-or-slack dirent slot available for reuse by a
// future insert into the same directory.
type hole struct {
	off    uint64
	recLen uint16
}

// New creates a cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{
		capacity: capacity,
		slots:    make([]entry, capacity),
		free:     make([]int, capacity),
		index:    make(map[key]int, capacity),
		order:    list.New(),
		parents:  make(map[uint64]uint64),
		byChild:  make(map[uint64]int),
		holes:    make(map[uint64][]hole),
	}
	for i := range c.free {
		c.free[i] = capacity - 1 - i
	}
	return c
}

// Lookup returns the cached child inode for (parent, name), if present,
// promoting it to most-recently-used.
func (c *Cache) Lookup(parent uint64, name string) (child uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, found := c.index[key{parent, name}]
	if !found {
		return 0, false
	}
	c.order.MoveToFront(c.slots[idx].elem)
	return c.slots[idx].child, true
}

// Parent returns the remembered parent inode of child, for ".." lookups.
func (c *Cache) Parent(child uint64) (parent uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, found := c.parents[child]
	return p, found
}

// Insert records that (parent, name) resolves to child, evicting the least
// recently used entry if the cache is at capacity. Re-inserting an existing
// (parent, name) pair updates it in place.
func (c *Cache) Insert(parent uint64, name string, child uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{parent, name}
	if idx, found := c.index[k]; found {
		c.releaseChild(c.slots[idx].child)
		c.slots[idx].child = child
		c.retainChild(child, parent)
		c.order.MoveToFront(c.slots[idx].elem)
		return
	}

	var idx int
	if n := len(c.free); n > 0 {
		idx = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		idx = c.order.Back().Value.(int)
		c.evictSlot(idx)
	}

	c.slots[idx] = entry{key: k, child: child, elem: c.order.PushFront(idx)}
	c.index[k] = idx
	c.retainChild(child, parent)
}

// Remove drops the (parent, name) entry, if present — used when a directory
// entry is unlinked or renamed away.
func (c *Cache) Remove(parent uint64, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, found := c.index[key{parent, name}]
	if !found {
		return
	}
	c.evictSlot(idx)
}

// InvalidateParent drops every cached child of parent, along with its
// cached hole list — used when a directory's entire contents may have
// changed underneath the cache (e.g. after a crash-recovery rescan).
func (c *Cache) InvalidateParent(parent uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, idx := range c.index {
		if k.parent == parent {
			c.evictSlot(idx)
		}
	}
	delete(c.holes, parent)
}

// AddFree records a dirent-sized hole at byte offset off within parent's
// data tree as available for reuse by a future Insert-side TakeFree call —
// used after erasing an entry, or after carving a new entry out of a larger
// hole and having slack left over. Mirrors dcache_add_free.
func (c *Cache) AddFree(parent uint64, off uint64, recLen uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holes[parent] = append(c.holes[parent], hole{off: off, recLen: recLen})
}

// TakeFree returns and removes the first cached hole for parent at least
// minRecLen bytes long (first-fit, in discovery order), reporting ok=false
// if none fit or none are cached — in which case the caller must fall back
// to its own scan. Mirrors dcache_take_free.
func (c *Cache) TakeFree(parent uint64, minRecLen uint16) (off uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	holes := c.holes[parent]
	for i, h := range holes {
		if h.recLen >= minRecLen {
			c.holes[parent] = append(holes[:i:i], holes[i+1:]...)
			return h.off, true
		}
	}
	return 0, false
}

// evictSlot removes the entry at idx, returning its slot to the free pool.
// Caller holds c.mu.
func (c *Cache) evictSlot(idx int) {
	e := c.slots[idx]
	delete(c.index, e.key)
	c.order.Remove(e.elem)
	c.releaseChild(e.child)
	c.slots[idx] = entry{}
	c.free = append(c.free, idx)
}

// retainChild records parent as child's parent, refcounted so the last
// referencing entry's removal also drops the ".." mapping.
func (c *Cache) retainChild(child, parent uint64) {
	c.parents[child] = parent
	c.byChild[child]++
}

func (c *Cache) releaseChild(child uint64) {
	if child == 0 {
		return
	}
	c.byChild[child]--
	if c.byChild[child] <= 0 {
		delete(c.byChild, child)
		delete(c.parents, child)
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}
