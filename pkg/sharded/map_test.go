package sharded

import (
	"fmt"
	"sync"
	"testing"
)

func TestMap_Basic(t *testing.T) {
	m := NewMap[string](16)
	key := "docs/readme.md"
	value := "copy failed"

	if val, ok := m.Load(key); ok {
		t.Errorf("Load(%q) = %v, %v; want zero, false for non-existent key", key, val, ok)
	}
	if m.Has(key) {
		t.Errorf("Has(%q) = true; want false for non-existent key", key)
	}

	m.Store(key, value)
	if val, ok := m.Load(key); !ok || val != value {
		t.Errorf("Load(%q) = %v, %v; want %v, true", key, val, ok, value)
	}
	if !m.Has(key) {
		t.Errorf("Has(%q) = false; want true after storing", key)
	}

	newValue := "checksum failed"
	m.Store(key, newValue)
	if val, ok := m.Load(key); !ok || val != newValue {
		t.Errorf("Load(%q) = %v, %v; want %v, true after overwrite", key, val, ok, newValue)
	}
}

func TestMap_ItemsAndCount(t *testing.T) {
	m := NewMap[int](16)
	want := map[string]int{"a": 1, "b/c": 2, "d/e/f": 3}
	for k, v := range want {
		m.Store(k, v)
	}

	if got := m.Count(); got != len(want) {
		t.Errorf("Count() = %d, want %d", got, len(want))
	}
	items := m.Items()
	if len(items) != len(want) {
		t.Fatalf("Items() has %d entries, want %d", len(items), len(want))
	}
	for k, v := range want {
		if items[k] != v {
			t.Errorf("Items()[%q] = %d, want %d", k, items[k], v)
		}
	}

	m.Clear()
	if got := m.Count(); got != 0 {
		t.Errorf("Count() = %d after Clear, want 0", got)
	}
}

func TestMap_RangeStops(t *testing.T) {
	m := NewMap[int](4)
	for i := 0; i < 10; i++ {
		m.Store(fmt.Sprintf("key%d", i), i)
	}
	visited := 0
	m.Range(func(key string, value int) bool {
		visited++
		return visited < 3
	})
	if visited != 3 {
		t.Errorf("Range visited %d entries after early stop, want 3", visited)
	}
}

func TestMap_ConcurrentStores(t *testing.T) {
	m := NewMap[int](16)
	const goroutines = 8
	const perGoroutine = 100

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				m.Store(fmt.Sprintf("g%d/item%d", g, i), i)
			}
		}()
	}
	wg.Wait()

	if got := m.Count(); got != goroutines*perGoroutine {
		t.Errorf("Count() = %d, want %d", got, goroutines*perGoroutine)
	}
}

func TestNewMap_RejectsNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewMap(3) did not panic")
		}
	}()
	NewMap[int](3)
}
