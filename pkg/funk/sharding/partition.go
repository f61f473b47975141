package sharding

import (
	"strconv"

	"github.com/lab5e/meshfunk/pkg/funk/topology"
)

// PartitionFunc maps a key to a partition index in [0, partitions)
type PartitionFunc func(key []byte) int

// NewPartitionFunc returns a partition function using the hasher. The
// partition count is fixed for the lifetime of the function.
func NewPartitionFunc(hasher Hasher, partitions int) PartitionFunc {
	if partitions < 1 {
		panic("partition count must be positive")
	}
	max := uint64(partitions)
	return func(key []byte) int {
		return int(hasher.Sum64(key) % max)
	}
}

// EntityKey is the key that's hashed for an entity.
func EntityKey(tenantID, entityID string) []byte {
	return []byte(tenantID + entityID)
}

// Assigner distributes a fixed set of partitions across a set of nodes. The
// node list is sorted and every node computing the assignment from the same
// list arrives at the same result.
type Assigner interface {
	Assign(topic string, partitions int, nodes []topology.NodeAddress) []topology.NodeAddress
}

// NewAssigner returns the assignment strategy with the given name.
func NewAssigner(name string, hasher Hasher, virtualNodes int) Assigner {
	if name == RingAssignment {
		return &ringAssigner{hasher: hasher, virtualNodes: virtualNodes}
	}
	return moduloAssigner{}
}

// moduloAssigner assigns partition p to node p mod n
type moduloAssigner struct{}

func (moduloAssigner) Assign(_ string, partitions int, nodes []topology.NodeAddress) []topology.NodeAddress {
	if len(nodes) == 0 {
		return nil
	}
	ret := make([]topology.NodeAddress, partitions)
	for p := range ret {
		ret[p] = nodes[p%len(nodes)]
	}
	return ret
}

// ringAssigner places each partition on the ring using the topic and
// partition index as key. Fewer partitions move when nodes join or leave.
type ringAssigner struct {
	hasher       Hasher
	virtualNodes int
}

func (r *ringAssigner) Assign(topic string, partitions int, nodes []topology.NodeAddress) []topology.NodeAddress {
	if len(nodes) == 0 {
		return nil
	}
	ring := NewRing(nodes, r.virtualNodes, r.hasher)
	ret := make([]topology.NodeAddress, partitions)
	for p := range ret {
		ret[p], _ = ring.Locate([]byte(PartitionKey(topic, p)))
	}
	return ret
}

// PartitionKey is the ring key for a topic partition
func PartitionKey(topic string, partition int) string {
	return topic + "." + strconv.Itoa(partition)
}
