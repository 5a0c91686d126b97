// Package archivedir hands out the archive bucket that the next stored object
// goes into.
package archivedir

import (
	"fmt"
	"strconv"
)

const (
	// Width is the number of buckets per level. Buckets are named "NN/MM".
	Width = 100
	// NumBuckets is the size of the bucket space.
	NumBuckets = Width * Width
	// Capacity is the soft per-bucket target used while filling.
	Capacity = 100
)

// Name returns the bucket identifier for an index in [0, NumBuckets).
func Name(index int) string {
	return fmt.Sprintf("%02d/%02d", index/Width, index%Width)
}

// Index parses a bucket identifier. It reports false for anything that is not
// a bucket inside the space.
func Index(name string) (int, bool) {
	if len(name) != 5 || name[2] != '/' {
		return 0, false
	}
	for _, i := range [...]int{0, 1, 3, 4} {
		if name[i] < '0' || name[i] > '9' {
			return 0, false
		}
	}
	hi, _ := strconv.Atoi(name[:2])
	lo, _ := strconv.Atoi(name[3:])
	return hi*Width + lo, true
}

// Allocator is an endless sequence of bucket identifiers. It first tops every
// bucket up to Capacity in enumeration order, then cycles through all buckets
// forever. It is plain data and not safe for concurrent use.
type Allocator struct {
	usage     [NumBuckets]int
	cursor    int
	remaining int
	filling   bool
}

// New creates an allocator seeded with persisted usage counts. Keys that are
// not valid bucket identifiers are ignored.
func New(usage map[string]int) *Allocator {
	a := &Allocator{filling: true}
	for name, count := range usage {
		if i, ok := Index(name); ok {
			a.usage[i] = count
		}
	}
	a.remaining = a.quota(0)
	return a
}

func (a *Allocator) quota(i int) int {
	return max(0, Capacity-a.usage[i])
}

// Next returns the next bucket identifier. It never fails.
func (a *Allocator) Next() string {
	for a.filling {
		if a.remaining > 0 {
			a.remaining--
			return Name(a.cursor)
		}
		a.cursor++
		if a.cursor == NumBuckets {
			a.filling = false
			a.cursor = 0
			break
		}
		a.remaining = a.quota(a.cursor)
	}

	name := Name(a.cursor)
	a.cursor = (a.cursor + 1) % NumBuckets
	return name
}

// Filling reports whether the allocator is still in its fill pass.
func (a *Allocator) Filling() bool {
	return a.filling
}
