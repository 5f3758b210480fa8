package sharding

import "github.com/cespare/xxhash/v2"

// ShardFor assigns a key to one of n shards. The same key always lands on the
// same shard, so work routed by aggregate id keeps its per-aggregate order.
func ShardFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Partition splits keys into n ordered buckets using ShardFor. The relative
// order of keys inside each bucket matches the input order.
func Partition[T any](items []T, n int, key func(T) string) [][]T {
	if n < 1 {
		n = 1
	}
	buckets := make([][]T, n)
	for _, item := range items {
		idx := ShardFor(key(item), n)
		buckets[idx] = append(buckets[idx], item)
	}
	return buckets
}
