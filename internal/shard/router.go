package shard

import "hash/fnv"

// ShardFor maps key to a shard index in [0, shardCount) using FNV-1a.
// The mapping depends only on the key bytes and the count, so it is stable
// across restarts. It returns -1 when shardCount is not positive.
func ShardFor(key string, shardCount int) int {
	if shardCount <= 0 {
		return -1
	}

	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(shardCount))
}
