package spancache

import (
	"container/list"
	"sync"

	"text-anonymizer/internal/logger"
)

// S3-FIFO (Yang et al., SOSP 2023) keeps two FIFO queues and a ghost set:
//
//   - small: probationary, ~10% of capacity; every new key starts here.
//   - main:  protected; keys read at least once while in small move here.
//   - ghost: bounded ring of keys recently evicted from small. A key found
//     in ghost on insert skips small and goes straight to main.
//
// Each resident entry carries a saturating hit counter (max 3). Eviction
// from small promotes entries with hits > 0 and drops the rest into ghost;
// eviction from main drops the entry. Dropped entries are deleted from the
// backing store too, so the on-disk size is bounded by the same capacity.
// After a restart memory is cold; reads fall through to the backing store
// and re-warm the hot set.

const maxHits = 3

type fifoEntry struct {
	value  string
	hits   uint8
	elem   *list.Element
	inMain bool
}

type s3fifoStore struct {
	mu sync.Mutex

	capacity    int
	smallTarget int

	entries map[string]*fifoEntry
	small   *list.List // values are string keys
	main    *list.List

	ghost *ghostRing

	backing Store
}

// NewS3FIFO bounds backing to capacity entries using S3-FIFO eviction.
// Capacities below 2 are raised to 2.
func NewS3FIFO(backing Store, capacity int, log *logger.Logger) Store {
	if capacity < 2 {
		capacity = 2
	}
	smallTarget := max(1, capacity/10)
	ghostCap := max(4, 2*smallTarget)
	log.Infof("open", "S3-FIFO capacity=%d small=%d ghost=%d", capacity, smallTarget, ghostCap)
	return &s3fifoStore{
		capacity:    capacity,
		smallTarget: smallTarget,
		entries:     make(map[string]*fifoEntry, capacity),
		small:       list.New(),
		main:        list.New(),
		ghost:       newGhostRing(ghostCap),
		backing:     backing,
	}
}

// Get serves from memory when resident, otherwise from the backing store,
// re-warming the entry on a backing hit.
func (c *s3fifoStore) Get(key string) (string, bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.hits < maxHits {
			e.hits++
		}
		v := e.value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	v, ok := c.backing.Get(key)
	if !ok {
		return "", false
	}
	c.admit(key, v)
	return v, true
}

// Set writes through to the backing store. Updating a resident key keeps its
// queue position.
func (c *s3fifoStore) Set(key, value string) {
	c.backing.Set(key, value)
	c.admit(key, value)
}

func (c *s3fifoStore) Delete(key string) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.queueOf(e).Remove(e.elem)
		delete(c.entries, key)
	}
	c.mu.Unlock()
	c.backing.Delete(key)
}

func (c *s3fifoStore) Close() error {
	return c.backing.Close()
}

// admit inserts or updates key in memory and deletes whatever it evicts
// from the backing store once the lock is released.
func (c *s3fifoStore) admit(key, value string) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.value = value
		c.mu.Unlock()
		return
	}

	e := &fifoEntry{value: value}
	if c.ghost.contains(key) {
		e.inMain = true
		e.elem = c.main.PushBack(key)
	} else {
		e.elem = c.small.PushBack(key)
	}
	c.entries[key] = e

	var evicted []string
	for c.small.Len()+c.main.Len() > c.capacity {
		evicted = append(evicted, c.evict()...)
	}
	c.mu.Unlock()

	for _, k := range evicted {
		c.backing.Delete(k)
	}
}

// evict frees at least one slot and returns the keys dropped from memory.
// Must be called with c.mu held.
func (c *s3fifoStore) evict() []string {
	if c.small.Len() == 0 {
		return c.evictMain()
	}

	key := c.small.Remove(c.small.Front()).(string)
	e := c.entries[key]
	if e.hits == 0 {
		delete(c.entries, key)
		c.ghost.add(key)
		return []string{key}
	}

	e.hits = 0
	e.inMain = true
	e.elem = c.main.PushBack(key)
	if c.main.Len() > c.capacity-c.smallTarget {
		return c.evictMain()
	}
	return nil
}

// evictMain drops the oldest entry of main. Must be called with c.mu held.
func (c *s3fifoStore) evictMain() []string {
	front := c.main.Front()
	if front == nil {
		return nil
	}
	key := c.main.Remove(front).(string)
	delete(c.entries, key)
	return []string{key}
}

func (c *s3fifoStore) queueOf(e *fifoEntry) *list.List {
	if e.inMain {
		return c.main
	}
	return c.small
}

// ghostRing is a fixed-size FIFO set of keys.
type ghostRing struct {
	buf  []string
	set  map[string]struct{}
	head int
	n    int
}

func newGhostRing(capacity int) *ghostRing {
	return &ghostRing{
		buf: make([]string, capacity),
		set: make(map[string]struct{}, capacity),
	}
}

func (g *ghostRing) contains(key string) bool {
	_, ok := g.set[key]
	return ok
}

func (g *ghostRing) add(key string) {
	if g.contains(key) {
		return
	}
	if g.n == len(g.buf) {
		delete(g.set, g.buf[g.head])
		g.head = (g.head + 1) % len(g.buf)
		g.n--
	}
	g.buf[(g.head+g.n)%len(g.buf)] = key
	g.set[key] = struct{}{}
	g.n++
}
