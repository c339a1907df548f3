package engine

import (
	"sync"

	"github.com/l3kv/l3kv/core"
	"github.com/l3kv/l3kv/hlc"
)

// ShardCount is the fixed number of independent shards the store is split
// into. A key and its ":meta" sibling always hash to the same shard.
const ShardCount = 64

// shard holds a subset of the keyspace behind one read/write lock. A user
// key and its ":meta" sibling share both a shard and a map entry space, so
// a single lock covers a mutation's full write set.
type shard struct {
	mu    sync.RWMutex
	docs  map[string]core.Doc
	alloc *hlc.Allocator
}

func newShard(clock *hlc.Clock) *shard {
	return &shard{
		docs:  make(map[string]core.Doc),
		alloc: hlc.NewAllocator(clock),
	}
}

func shardFor(shards *[ShardCount]*shard, key []byte) *shard {
	return shards[core.ShardOf(key, ShardCount)]
}

// byteHashOrZero returns FNV1a64 of a document's canonical bytes, or 0 if
// the key did not previously exist. This is the "old_h" half of the
// Merkle overwrite-detection delta: a never-seen key contributes nothing
// to a leaf, whereas an existing (even empty/tombstoned) document
// contributes the hash of its empty byte slice.
func byteHashOrZero(existed bool, doc core.Doc) uint64 {
	if !existed {
		return 0
	}
	return doc.ByteHash()
}
