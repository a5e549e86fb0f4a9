package spancache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func newTestS3FIFO(capacity int) (*s3fifoStore, *memoryStore) {
	backing := NewMemory().(*memoryStore)
	return NewS3FIFO(backing, capacity, nil).(*s3fifoStore), backing
}

func TestS3FIFOContract(t *testing.T) {
	c, _ := newTestS3FIFO(10)
	defer c.Close() //nolint:errcheck // test cleanup
	exerciseStore(t, c)
}

func TestS3FIFOCapacityBoundsMemoryAndBacking(t *testing.T) {
	capacity := 10
	c, backing := newTestS3FIFO(capacity)

	for i := 0; i < capacity*5; i++ {
		c.Set(fmt.Sprintf("key-%d", i), "v")
	}

	c.mu.Lock()
	resident := c.small.Len() + c.main.Len()
	entries := len(c.entries)
	c.mu.Unlock()

	if resident > capacity || entries != resident {
		t.Errorf("resident=%d entries=%d, capacity %d", resident, entries, capacity)
	}
	if n := backing.Len(); n > capacity {
		t.Errorf("backing holds %d entries, want <= %d", n, capacity)
	}
}

func TestS3FIFOHotKeySurvivesScan(t *testing.T) {
	c, _ := newTestS3FIFO(10)

	c.Set("hot", "H")
	c.Get("hot") // one hit marks it for promotion

	for i := 0; i < 30; i++ {
		c.Set(fmt.Sprintf("scan-%d", i), "s")
		c.Get("hot")
	}

	c.mu.Lock()
	e, resident := c.entries["hot"]
	c.mu.Unlock()
	if !resident {
		t.Fatal("frequently read key was evicted by a one-hit scan")
	}
	if !e.inMain {
		t.Error("hot key should have been promoted to main")
	}
}

func TestS3FIFOGhostReadmitsToMain(t *testing.T) {
	c, _ := newTestS3FIFO(10)

	c.Set("once", "1")
	// capacity+1 entries: exactly one eviction, which must hit "once".
	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("fill-%d", i), "f")
	}

	c.mu.Lock()
	_, resident := c.entries["once"]
	inGhost := c.ghost.contains("once")
	c.mu.Unlock()
	if resident {
		t.Fatal("cold key should have been evicted from small")
	}
	if !inGhost {
		t.Fatal("evicted cold key should be remembered in the ghost ring")
	}

	c.Set("once", "1")
	c.mu.Lock()
	e := c.entries["once"]
	c.mu.Unlock()
	if e == nil || !e.inMain {
		t.Error("ghost hit should insert directly into main")
	}
}

func TestS3FIFOReadsThroughToBacking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.db")
	b, err := NewBolt(path, nil)
	if err != nil {
		t.Fatalf("NewBolt: %v", err)
	}
	b.Set("warm", "W")
	c := NewS3FIFO(b, 4, nil)
	defer c.Close() //nolint:errcheck // test cleanup

	if v, ok := c.Get("warm"); !ok || v != "W" {
		t.Fatalf("expected backing hit, got %q ok=%v", v, ok)
	}
	s := c.(*s3fifoStore)
	s.mu.Lock()
	_, resident := s.entries["warm"]
	s.mu.Unlock()
	if !resident {
		t.Error("backing hit should re-warm the entry into memory")
	}
}

func TestGhostRingBounded(t *testing.T) {
	g := newGhostRing(4)
	for i := 0; i < 10; i++ {
		g.add(fmt.Sprintf("g%d", i))
	}
	if len(g.set) != 4 || g.n != 4 {
		t.Fatalf("ghost size %d/%d, want 4", len(g.set), g.n)
	}
	for i := 6; i < 10; i++ {
		if !g.contains(fmt.Sprintf("g%d", i)) {
			t.Errorf("expected newest key g%d in ghost", i)
		}
	}
	if g.contains("g0") {
		t.Error("oldest key should have aged out")
	}
	g.add("g9")
	if g.n != 4 {
		t.Error("duplicate add should not grow the ring")
	}
}

func TestS3FIFOConcurrent(t *testing.T) {
	c, _ := newTestS3FIFO(50)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := fmt.Sprintf("w%d-%d", w, i%60)
				c.Set(k, k)
				c.Get(k)
				if i%7 == 0 {
					c.Delete(k)
				}
			}
		}(w)
	}
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.small.Len() + c.main.Len(); n > 50 || n != len(c.entries) {
		t.Errorf("inconsistent state: queues=%d entries=%d", n, len(c.entries))
	}
}
