package partition

import "github.com/cespare/xxhash/v2"

// ShardFor maps a metric name to a shard index in [0, numShards).
//
// The key is hashed with xxhash and reduced with the jump consistent hash
// construction (Lamping & Veach), so the same (key, numShards) pair always
// yields the same shard and growing numShards from N to N+1 remaps roughly
// 1/(N+1) of the keys instead of nearly all of them.
//
// numShards <= 0 is treated as a degenerate single-shard setup.
func ShardFor(key string, numShards int) int {
	if numShards <= 0 {
		return 0
	}

	h := xxhash.Sum64String(key)

	var b, j int64 = -1, 0
	for j < int64(numShards) {
		b = j
		h = h*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((h>>33)+1)))
	}
	return int(b)
}
