package spancache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// exerciseStore checks the Store contract shared by every implementation.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	if _, ok := s.Get("missing"); ok {
		t.Error("expected miss on empty store")
	}

	s.Set("k1", `[{"start":0,"end":4,"label":"PERSON"}]`)
	v, ok := s.Get("k1")
	if !ok || v != `[{"start":0,"end":4,"label":"PERSON"}]` {
		t.Errorf("Get after Set: got %q ok=%v", v, ok)
	}

	s.Set("k1", "[]")
	if v, _ := s.Get("k1"); v != "[]" {
		t.Errorf("expected overwritten value, got %q", v)
	}

	s.Delete("k1")
	if _, ok := s.Get("k1"); ok {
		t.Error("expected miss after Delete")
	}
	s.Delete("never-set")
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	defer s.Close() //nolint:errcheck // test cleanup
	exerciseStore(t, s)
}

func TestBoltStore(t *testing.T) {
	s, err := NewBolt(filepath.Join(t.TempDir(), "spans.db"), nil)
	if err != nil {
		t.Fatalf("NewBolt: %v", err)
	}
	defer s.Close() //nolint:errcheck // test cleanup
	exerciseStore(t, s)
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.db")

	s, err := NewBolt(path, nil)
	if err != nil {
		t.Fatalf("NewBolt: %v", err)
	}
	s.Set("digest", "[]")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewBolt(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close() //nolint:errcheck // test cleanup
	if v, ok := s2.Get("digest"); !ok || v != "[]" {
		t.Errorf("expected persisted value, got %q ok=%v", v, ok)
	}
}

func TestBoltStoreBadPath(t *testing.T) {
	if _, err := NewBolt(filepath.Join(t.TempDir(), "no", "such", "dir", "x.db"), nil); err == nil {
		t.Error("expected error for unopenable path")
	}
}

func TestMemoryStoreConcurrent(t *testing.T) {
	s := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := fmt.Sprintf("k%d", i)
			s.Set(k, k)
			if v, ok := s.Get(k); !ok || v != k {
				t.Errorf("Get(%s) = %q, %v", k, v, ok)
			}
		}(i)
	}
	wg.Wait()
	if n := s.(*memoryStore).Len(); n != 20 {
		t.Errorf("Len = %d, want 20", n)
	}
}
