// Package merkle implements the fixed-shape Merkle summary the engine uses
// for anti-entropy: a 4-level, 16-ary tree over 65,536 XOR-homomorphic leaf
// buckets, with striped point updates and lazy root recomputation.
package merkle

import (
	"encoding/binary"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/l3kv/l3kv/core"
)

const (
	numLeaves = 1 << 16 // L4: 65,536 buckets
	numL3     = 1 << 12 // 4,096
	numL2     = 1 << 8  // 256, one per stripe
	numL1     = 1 << 4  // 16
	stripes   = numL2
	stripeLen = numLeaves / stripes // 256 leaves per stripe
)

// BucketOf maps a key to its leaf bucket: the top 16 bits of its
// FNV-1a-64 hash.
func BucketOf(key []byte) uint16 {
	return core.BucketOf(key)
}

// stripe owns one contiguous run of leaves, plus the set of leaf offsets
// (within the stripe) that have changed since the last recompute.
type stripe struct {
	mu    sync.Mutex
	dirty *roaring.Bitmap
}

// Tree is a Merkle summary. The zero value is not usable; use New.
type Tree struct {
	leaves [numLeaves]uint64

	str [stripes]stripe

	// dirtyStripes records which stripes have at least one dirty leaf,
	// so root() only visits stripes that actually changed. Guarded by
	// globalMu.
	dirtyStripes *roaring.Bitmap

	globalMu sync.Mutex
	l3       [numL3]uint64
	l2       [numL2]uint64
	l1       [numL1]uint64
	root     uint64
}

// New returns an empty Merkle tree. Every inner node already holds the hash
// of its all-zero children, so the empty root is also the root a tree comes
// back to once every delta has been XORed out again.
func New() *Tree {
	t := &Tree{dirtyStripes: roaring.New()}
	for i := range t.str {
		t.str[i].dirty = roaring.New()
	}
	var kids [16]uint64
	for _, level := range [][]uint64{t.l3[:], t.l2[:], t.l1[:]} {
		h := hashChildren(kids[:])
		for i := range level {
			level[i] = h
		}
		for i := range kids {
			kids[i] = h
		}
	}
	t.root = hashChildren(kids[:])
	return t
}

// ApplyDelta XORs delta into the leaf bucket owned by key and marks the
// bucket (and its ancestor stripe) dirty. This is the single point-update
// primitive: callers express a value change as
// ApplyDelta(key, oldHash^newHash), and a deletion followed by insertion
// (or vice versa) as two separate deltas.
func (t *Tree) ApplyDelta(key []byte, delta uint64) {
	if delta == 0 {
		return
	}
	bucket := core.BucketOf(key)
	stripeIdx := int(bucket) / stripeLen
	offset := uint32(int(bucket) % stripeLen)

	s := &t.str[stripeIdx]
	s.mu.Lock()
	t.leaves[bucket] ^= delta
	s.dirty.Add(offset)
	s.mu.Unlock()

	t.globalMu.Lock()
	t.dirtyStripes.Add(uint32(stripeIdx))
	t.globalMu.Unlock()
}

// Root forces a recompute of every dirty subtree, strictly L4→L0, and
// returns the current root hash. Concurrent ApplyDelta calls that land
// after the snapshot of dirty stripes is taken are visible on the next
// Root call, per invariant M3 (happens-before, not real-time).
func (t *Tree) Root() uint64 {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()
	t.recomputeLocked()
	return t.root
}

// Node returns the cached value of a tree node without forcing a
// recompute. Callers needing cross-node consistency must call Root first.
func (t *Tree) Node(level int, index int) uint64 {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()
	switch level {
	case 4:
		return t.leaves[index]
	case 3:
		return t.l3[index]
	case 2:
		return t.l2[index]
	case 1:
		return t.l1[index]
	case 0:
		return t.root
	default:
		return 0
	}
}

// recomputeLocked propagates every dirty stripe's leaves up through L3, L2,
// then recomputes L1 and the root from all children (cheap: only 16 and 1
// node respectively). Must hold globalMu.
func (t *Tree) recomputeLocked() {
	if t.dirtyStripes.IsEmpty() {
		return
	}

	it := t.dirtyStripes.Iterator()
	for it.HasNext() {
		stripeIdx := int(it.Next())
		s := &t.str[stripeIdx]

		s.mu.Lock()
		dirtyOffsets := s.dirty
		s.dirty = roaring.New()
		s.mu.Unlock()

		l3Touched := roaring.New()
		dOff := dirtyOffsets.Iterator()
		for dOff.HasNext() {
			offset := int(dOff.Next())
			leafIdx := stripeIdx*stripeLen + offset
			l3Idx := leafIdx / 16
			l3Touched.Add(uint32(l3Idx))
		}

		l3it := l3Touched.Iterator()
		for l3it.HasNext() {
			l3Idx := int(l3it.Next())
			base := l3Idx * 16
			t.l3[l3Idx] = hashChildren(t.leaves[base : base+16])
		}

		l2Idx := stripeIdx // one L2 node per stripe by construction
		l3Base := l2Idx * 16
		t.l2[l2Idx] = hashChildren(t.l3[l3Base : l3Base+16])
	}
	t.dirtyStripes.Clear()

	for l1Idx := 0; l1Idx < numL1; l1Idx++ {
		base := l1Idx * 16
		t.l1[l1Idx] = hashChildren(t.l2[base : base+16])
	}
	t.root = hashChildren(t.l1[:])
}

// hashChildren implements invariant M2: FNV-1a-64 over the children
// concatenated as contiguous little-endian u64s.
func hashChildren(children []uint64) uint64 {
	buf := make([]byte, len(children)*8)
	for i, c := range children {
		binary.LittleEndian.PutUint64(buf[i*8:], c)
	}
	return core.FNV1a64(buf)
}
