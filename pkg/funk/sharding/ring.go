package sharding

import (
	"fmt"
	"sort"

	"github.com/lab5e/meshfunk/pkg/funk/topology"
)

// RingEntry is one virtual point on the ring.
type RingEntry struct {
	Hash         uint64
	Owner        topology.NodeAddress
	VirtualIndex int
}

// Ring is a consistent hash ring with a fixed number of virtual points per
// node. Rings are immutable once built and safe for concurrent use.
type Ring struct {
	hasher  Hasher
	entries []RingEntry
}

// VirtualKey returns the key that is hashed for a node's virtual point.
func VirtualKey(node topology.NodeAddress, index int) string {
	return fmt.Sprintf("%s-vnode-%d", node.String(), index)
}

// NewRing builds a ring with virtualNodes points for each node. The order of
// the nodes is irrelevant; two rings built from the same set of nodes are
// identical.
func NewRing(nodes []topology.NodeAddress, virtualNodes int, hasher Hasher) *Ring {
	if virtualNodes < 1 {
		virtualNodes = 1
	}
	ret := &Ring{
		hasher:  hasher,
		entries: make([]RingEntry, 0, len(nodes)*virtualNodes),
	}
	seen := make(map[topology.NodeAddress]bool)
	for _, n := range nodes {
		if seen[n] {
			continue
		}
		seen[n] = true
		for i := 0; i < virtualNodes; i++ {
			ret.entries = append(ret.entries, RingEntry{
				Hash:         hasher.Sum64([]byte(VirtualKey(n, i))),
				Owner:        n,
				VirtualIndex: i,
			})
		}
	}
	sort.Slice(ret.entries, func(i, j int) bool {
		a, b := ret.entries[i], ret.entries[j]
		if a.Hash != b.Hash {
			return a.Hash < b.Hash
		}
		if a.Owner.String() != b.Owner.String() {
			return a.Owner.String() < b.Owner.String()
		}
		if a.Owner.Role != b.Owner.Role {
			return a.Owner.Role < b.Owner.Role
		}
		return a.VirtualIndex < b.VirtualIndex
	})
	return ret
}

// Locate returns the owner of a key, ie the owner of the first point with a
// hash equal to or greater than the key's hash. The search wraps around to
// the first point. The boolean is false if the ring is empty.
func (r *Ring) Locate(key []byte) (topology.NodeAddress, bool) {
	if len(r.entries) == 0 {
		return topology.NodeAddress{}, false
	}
	h := r.hasher.Sum64(key)
	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].Hash >= h
	})
	if idx == len(r.entries) {
		idx = 0
	}
	return r.entries[idx].Owner, true
}

// Entries returns a copy of the ring's points in ring order
func (r *Ring) Entries() []RingEntry {
	ret := make([]RingEntry, len(r.entries))
	copy(ret, r.entries)
	return ret
}

// Size returns the number of points on the ring
func (r *Ring) Size() int {
	return len(r.entries)
}

// Hasher returns the hash function used by the ring
func (r *Ring) Hasher() Hasher {
	return r.hasher
}
