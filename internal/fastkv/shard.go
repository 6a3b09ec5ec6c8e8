package fastkv

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ShardKey hashes id into one of n buckets using blake2b, giving a stable,
// well-distributed shard assignment for fast-store keys that need to be
// spread across logical partitions (the per-user categorized-exam view key)
// without depending on Redis Cluster's own hashing.
func ShardKey(prefix, id string, n int) string {
	if n <= 1 {
		return fmt.Sprintf("%s:0:%s", prefix, id)
	}
	sum := blake2b.Sum256([]byte(id))
	bucket := binary.BigEndian.Uint64(sum[:8]) % uint64(n)
	return fmt.Sprintf("%s:%d:%s", prefix, bucket, id)
}
