package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRing_OwnerIsStableForFixedMembership(t *testing.T) {
	r := New([]uint32{1, 2, 3}, 1, 50)
	first := r.Owner([]byte("user:42"))
	second := r.Owner([]byte("user:42"))
	require.Equal(t, first, second)
}

func TestRing_IsOwnerMatchesOwner(t *testing.T) {
	r := New([]uint32{1, 2, 3}, 2, 50)
	key := []byte("user:1")
	require.Equal(t, r.Owner(key) == 2, r.IsOwner(key))
}

func TestRing_DistributesAcrossAllNodes(t *testing.T) {
	r := New([]uint32{1, 2, 3, 4}, 1, 100)
	seen := map[uint32]bool{}
	for i := 0; i < 2000; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		seen[r.Owner(key)] = true
	}
	require.Len(t, seen, 4)
}

func TestRing_NodesListsAllMembers(t *testing.T) {
	r := New([]uint32{5, 3, 9}, 5, 10)
	require.Equal(t, []uint32{3, 5, 9}, r.Nodes())
}
