package fetchlib

import (
	"sync"
	"testing"
)

func TestVMapSetIfAbsentAtomic(t *testing.T) {
	vm := NewVMap[string, int]()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if vm.SetIfAbsent("key", id) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("got %d winners, want exactly 1", wins)
	}
	if vm.Len() != 1 {
		t.Errorf("len = %d, want 1", vm.Len())
	}
}

func TestVMapDeleteReleasesKey(t *testing.T) {
	vm := NewVMap[string, int]()
	if !vm.SetIfAbsent("key", 1) {
		t.Fatal("first claim must succeed")
	}
	if vm.SetIfAbsent("key", 2) {
		t.Fatal("second claim must fail while held")
	}
	vm.Delete("key")
	if !vm.SetIfAbsent("key", 3) {
		t.Fatal("claim must succeed after release")
	}
	if v := vm.Get("key"); v != 3 {
		t.Errorf("got %d, want 3", v)
	}
}

func TestVMapRangeEarlyStop(t *testing.T) {
	vm := NewVMap[int, int]()
	for i := 0; i < 10; i++ {
		vm.Set(i, i)
	}
	var visited int
	vm.Range(func(int, int) bool {
		visited++
		return visited < 3
	})
	if visited != 3 {
		t.Errorf("visited %d entries, want 3", visited)
	}
}
