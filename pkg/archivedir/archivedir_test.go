package archivedir

import (
	"math/rand"
	"testing"
)

func TestNameAndIndex(t *testing.T) {
	testCases := []struct {
		index int
		name  string
	}{
		{0, "00/00"},
		{7, "00/07"},
		{100, "01/00"},
		{4217, "42/17"},
		{NumBuckets - 1, "99/99"},
	}
	for _, tc := range testCases {
		if got := Name(tc.index); got != tc.name {
			t.Errorf("Name(%d) = %q, want %q", tc.index, got, tc.name)
		}
		if got, ok := Index(tc.name); !ok || got != tc.index {
			t.Errorf("Index(%q) = %d, %v; want %d, true", tc.name, got, ok, tc.index)
		}
	}

	for _, bad := range []string{"", "0/0", "100/00", "aa/bb", "00-00", "-1/00", "+1/05", "01/+5", " 1/05", "01/ 5"} {
		if _, ok := Index(bad); ok {
			t.Errorf("Index(%q) accepted an invalid bucket", bad)
		}
	}
}

func TestFillsEachBucketToCapacityInOrder(t *testing.T) {
	a := New(nil)
	for i := range Capacity {
		if got := a.Next(); got != "00/00" {
			t.Fatalf("draw %d = %q, want 00/00", i, got)
		}
	}
	if got := a.Next(); got != "00/01" {
		t.Errorf("draw after first bucket filled = %q, want 00/01", got)
	}
}

func TestPersistedUsageIsHonored(t *testing.T) {
	a := New(map[string]int{
		"00/00": 100,
		"00/01": 98,
		"00/02": 250,
		"junk":  5,
		"+0/01": 100,
	})

	want := []string{"00/01", "00/01", "00/03"}
	for i, w := range want {
		if got := a.Next(); got != w {
			t.Errorf("draw %d = %q, want %q", i, got, w)
		}
	}
}

func TestFillPassBalancesToCapacity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	usage := make(map[string]int)
	seeded := make([]int, NumBuckets)
	for i := range NumBuckets {
		if rng.Intn(4) == 0 {
			seeded[i] = rng.Intn(Capacity + 20)
			usage[Name(i)] = seeded[i]
		}
	}

	a := New(usage)
	draws := make([]int, NumBuckets)
	total := 0
	for i := range NumBuckets {
		total += max(0, Capacity-seeded[i])
	}
	for range total {
		idx, _ := Index(a.Next())
		draws[idx]++
	}

	for i := range NumBuckets {
		if got, want := seeded[i]+draws[i], max(seeded[i], Capacity); got != want {
			t.Fatalf("bucket %s ended at %d, want %d", Name(i), got, want)
		}
	}
}

func TestCyclesForeverOnceFull(t *testing.T) {
	usage := make(map[string]int, NumBuckets)
	for i := range NumBuckets {
		usage[Name(i)] = Capacity
	}
	a := New(usage)

	for round := range 3 {
		for i := range NumBuckets {
			if got := a.Next(); got != Name(i) {
				t.Fatalf("round %d draw %d = %q, want %q", round, i, got, Name(i))
			}
		}
	}
	if a.Filling() {
		t.Error("allocator still reports filling after all buckets were full")
	}
}

func TestNeverTerminates(t *testing.T) {
	a := New(nil)
	n := NumBuckets*Capacity + 2*NumBuckets
	last := ""
	for range n {
		last = a.Next()
	}
	if _, ok := Index(last); !ok {
		t.Errorf("draw %d returned invalid bucket %q", n, last)
	}
}
