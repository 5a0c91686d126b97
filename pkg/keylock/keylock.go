// Package keylock provides process-wide mutual exclusion keyed by arbitrary
// tuples of values.
//
// Holders of equal keys exclude each other; holders of different keys never
// block each other. There is no fairness or ordering guarantee among waiters
// of the same key.
package keylock

import (
	"fmt"
	"strings"
	"sync"

	"github.com/paulschiretz/pgl-vault/pkg/sharded"
)

// Key identifies one lock. Build it with KeyOf.
type Key string

// Global is the key of the empty tuple.
const Global Key = ""

const numShards = 64

// KeyOf derives a key from a tuple of comparable values. The type of each
// part is part of the key, so KeyOf(uint64(1)) and KeyOf("1") differ.
func KeyOf(parts ...any) Key {
	if len(parts) == 0 {
		return Global
	}
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		fmt.Fprintf(&b, "%T:%v", p, p)
	}
	return Key(b.String())
}

type entry struct {
	mu   sync.Mutex
	refs int
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// Registry maps keys to lazily created, reference counted mutexes.
// Entries are dropped as soon as no goroutine holds or waits for them,
// so memory stays proportional to the number of contended keys.
type Registry struct {
	shards [numShards]*shard
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[Key]*entry)}
	}
	return r
}

// Lock blocks until the lock for key is held and returns the function that
// releases it. Calling the release function more than once is a no-op.
func (r *Registry) Lock(key Key) (unlock func()) {
	s := r.shards[sharded.Index(string(key), numShards)]

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			s.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(s.entries, key)
			}
			s.mu.Unlock()
		})
	}
}

// Do runs fn while holding the lock for key. The lock is released on every
// exit path, including a panic in fn.
func (r *Registry) Do(key Key, fn func() error) error {
	unlock := r.Lock(key)
	defer unlock()
	return fn()
}

// Len returns the number of keys currently held or waited on.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
