package sharded

import "hash/fnv"

// Index calculates the shard index for a given key using FNV-1a.
// numShards must be a power of 2 for the bitwise AND optimization to work correctly.
func Index(key string, numShards int) int {
	h := fnv.New32a()
	// Write never returns an error for FNV-1a, so we ignore the return value.
	h.Write([]byte(key))
	return int(h.Sum32() & uint32(numShards-1))
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}
