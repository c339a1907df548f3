// Package ring implements the stateless consistent-hash routing table used
// to map a key to the node id that owns it. Ring membership is fixed at
// construction: reconfiguration is out of scope (see spec Non-goals).
package ring

import (
	"fmt"
	"sort"

	"github.com/l3kv/l3kv/core"
)

// VNodesPerNode is the default number of virtual nodes placed on the ring
// per physical node, smoothing key distribution across owners.
const VNodesPerNode = 100

type vnode struct {
	hash uint64
	node uint32
}

// Ring is an immutable consistent-hash ring over a fixed node set.
type Ring struct {
	vnodes []vnode
	nodes  map[uint32]struct{}
	self   uint32
}

// New builds a ring for the given node ids, placing vnodesPerNode virtual
// nodes per id. self identifies which node this Ring instance is running
// on, for IsOwner.
func New(nodeIDs []uint32, self uint32, vnodesPerNode int) *Ring {
	if vnodesPerNode <= 0 {
		vnodesPerNode = VNodesPerNode
	}
	r := &Ring{nodes: make(map[uint32]struct{}, len(nodeIDs)), self: self}
	for _, id := range nodeIDs {
		r.nodes[id] = struct{}{}
		for v := 0; v < vnodesPerNode; v++ {
			label := fmt.Sprintf("%d#%d", id, v)
			r.vnodes = append(r.vnodes, vnode{hash: core.FNV1a64([]byte(label)), node: id})
		}
	}
	sort.Slice(r.vnodes, func(i, j int) bool { return r.vnodes[i].hash < r.vnodes[j].hash })
	return r
}

// Owner returns the node id owning key: the first vnode at or after
// hash(key) on the ring, wrapping around to index 0 if hash(key) is
// greater than every vnode hash.
func (r *Ring) Owner(key []byte) uint32 {
	if len(r.vnodes) == 0 {
		return r.self
	}
	h := core.FNV1a64(key)
	i := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].hash >= h })
	if i == len(r.vnodes) {
		i = 0
	}
	return r.vnodes[i].node
}

// IsOwner reports whether this node owns key.
func (r *Ring) IsOwner(key []byte) bool {
	return r.Owner(key) == r.self
}

// Self returns the node id this Ring was constructed for.
func (r *Ring) Self() uint32 { return r.self }

// Nodes returns the fixed set of node ids in this ring.
func (r *Ring) Nodes() []uint32 {
	out := make([]uint32, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
