package keylock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyOf(t *testing.T) {
	if KeyOf() != Global {
		t.Errorf("KeyOf() = %q, want the global key", KeyOf())
	}
	if KeyOf(uint64(1), uint64(2), int64(3)) != KeyOf(uint64(1), uint64(2), int64(3)) {
		t.Error("equal tuples produced different keys")
	}
	if KeyOf(uint64(1)) == KeyOf("1") {
		t.Error("values of different types produced the same key")
	}
	if KeyOf("a", "bc") == KeyOf("ab", "c") {
		t.Error("different tuples with the same concatenation produced the same key")
	}
}

func TestSameKeyIsExclusive(t *testing.T) {
	r := New()
	key := KeyOf("3a7bd3e2360a3d29eea436fcfb7e44c735d117c42d1c1835420b6b9942dd4f1b")

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Do(key, func() error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := maxInside.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}
	if r.Len() != 0 {
		t.Errorf("registry retained %d entries after all holders released", r.Len())
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	r := New()
	unlockA := r.Lock(KeyOf("a"))
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := r.Lock(KeyOf("b"))
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestDoReleasesOnErrorAndPanic(t *testing.T) {
	r := New()
	key := KeyOf(uint64(7), uint64(42), int64(1700000000))
	sentinel := errors.New("boom")

	if err := r.Do(key, func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("Do returned %v, want %v", err, sentinel)
	}

	func() {
		defer func() { _ = recover() }()
		_ = r.Do(key, func() error { panic("task failed") })
	}()

	acquired := make(chan struct{})
	go func() {
		unlock := r.Lock(key)
		unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock leaked after error or panic")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	r := New()
	unlock := r.Lock(Global)
	unlock()
	unlock()

	unlock2 := r.Lock(Global)
	defer unlock2()
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}
