package sharding

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lab5e/meshfunk/pkg/funk/topology"
)

const numTests = 100000
const numPartitions = 50

func TestPartitionFunc(t *testing.T) {
	for _, name := range HasherNames {
		t.Run(name, func(t *testing.T) {
			assert := require.New(t)
			h, _ := NewHasher(name)
			calc := NewPartitionFunc(h, numPartitions)

			distribution := make(map[int]int)
			for i := 0; i < numTests; i++ {
				randstr := make([]byte, 128)
				for p := 0; p < len(randstr); p++ {
					randstr[p] = byte(rand.Int31n(64) + '@')
				}
				partition := calc(randstr)
				assert.GreaterOrEqual(partition, 0)
				assert.Less(partition, numPartitions)
				distribution[partition]++
			}
			assert.Len(distribution, numPartitions)
			for k, v := range distribution {
				assert.LessOrEqual(v, 2*(numTests/numPartitions), "Partition %d is unbalanced with %d elements", k, v)
			}
		})
	}
	require.Panics(t, func() { NewPartitionFunc(murmur3Hasher{}, 0) })
}

func TestAssigners(t *testing.T) {
	assert := require.New(t)
	h, _ := NewHasher(Murmur3)
	nodes := makeNodes(3)

	modulo := NewAssigner(ModuloAssignment, h, 16)
	owners := modulo.Assign("topic", 7, nodes)
	assert.Len(owners, 7)
	assert.Equal(nodes[0], owners[0])
	assert.Equal(nodes[1], owners[1])
	assert.Equal(nodes[2], owners[2])
	assert.Equal(nodes[0], owners[3])
	assert.Equal(nodes[0], owners[6])
	assert.Nil(modulo.Assign("topic", 7, nil))

	ring := NewAssigner(RingAssignment, h, 64)
	owners = ring.Assign("topic", 100, nodes)
	assert.Len(owners, 100)
	counts := make(map[topology.NodeAddress]int)
	for _, o := range owners {
		counts[o]++
	}
	assert.Len(counts, 3, "all nodes should get partitions")
	assert.Equal(owners, ring.Assign("topic", 100, []topology.NodeAddress{nodes[2], nodes[1], nodes[0]}))

	// Removing a node only moves the partitions owned by that node
	fewer := ring.Assign("topic", 100, nodes[:2])
	for p := range owners {
		if owners[p] != nodes[2] {
			assert.Equal(owners[p], fewer[p])
		}
	}
	assert.Equal("topic.12", PartitionKey("topic", 12))
}
