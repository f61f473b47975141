package sharding

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lab5e/meshfunk/pkg/funk/topology"
)

func makeNodes(n int) []topology.NodeAddress {
	var ret []topology.NodeAddress
	for i := 0; i < n; i++ {
		ret = append(ret, topology.NodeAddress{Host: fmt.Sprintf("10.0.0.%d", i+1), Port: 7000})
	}
	return ret
}

func TestRingBuild(t *testing.T) {
	assert := require.New(t)
	h, _ := NewHasher(Murmur3)

	nodes := makeNodes(3)
	ring := NewRing(nodes, 100, h)
	assert.Equal(300, ring.Size())
	assert.Equal(h, ring.Hasher())

	entries := ring.Entries()
	for i := 1; i < len(entries); i++ {
		assert.LessOrEqual(entries[i-1].Hash, entries[i].Hash)
	}

	// Duplicates are ignored, order is irrelevant
	other := NewRing([]topology.NodeAddress{nodes[2], nodes[0], nodes[1], nodes[0]}, 100, h)
	assert.Equal(entries, other.Entries())

	empty := NewRing(nil, 100, h)
	_, ok := empty.Locate([]byte("foo"))
	assert.False(ok)
}

// fixedHasher returns preset values for keys. Unknown keys hash to 0.
type fixedHasher map[string]uint64

func (f fixedHasher) Name() string { return "fixed" }

func (f fixedHasher) Sum64(key []byte) uint64 { return f[string(key)] }

func TestRingLocateWraps(t *testing.T) {
	assert := require.New(t)

	a := topology.NodeAddress{Host: "a", Port: 1}
	b := topology.NodeAddress{Host: "b", Port: 1}
	h := fixedHasher{
		"low":    50,
		"exact":  100,
		"middle": 150,
		"high":   250,
	}
	h[VirtualKey(a, 0)] = 100
	h[VirtualKey(b, 0)] = 200
	ring := NewRing([]topology.NodeAddress{a, b}, 1, h)

	owner, ok := ring.Locate([]byte("low"))
	assert.True(ok)
	assert.Equal(a, owner)

	owner, _ = ring.Locate([]byte("exact"))
	assert.Equal(a, owner)

	owner, _ = ring.Locate([]byte("middle"))
	assert.Equal(b, owner)

	owner, _ = ring.Locate([]byte("high"))
	assert.Equal(a, owner, "should wrap to the first point")
}

func TestRingTieBreak(t *testing.T) {
	assert := require.New(t)

	a := topology.NodeAddress{Host: "a", Port: 1}
	b := topology.NodeAddress{Host: "b", Port: 1}
	// Every point hashes to 0; the lowest identity wins
	ring1 := NewRing([]topology.NodeAddress{b, a}, 4, fixedHasher{})
	ring2 := NewRing([]topology.NodeAddress{a, b}, 4, fixedHasher{})
	assert.Equal(ring1.Entries(), ring2.Entries())
	owner, _ := ring1.Locate([]byte("anything"))
	assert.Equal(a, owner)
}

// Resolve a million keys and check that the difference between the largest
// and smallest bucket is less than 0.5% of the keys.
func TestRingDispersion(t *testing.T) {
	if testing.Short() {
		t.Skip("dispersion test skipped in short mode")
	}
	const numKeys = 1000000
	const numNodes = 5
	const virtualNodes = 1 << 17

	nodes := makeNodes(numNodes)
	keys := make([][]byte, numKeys)
	rnd := rand.New(rand.NewSource(4711))
	for i := range keys {
		keys[i] = make([]byte, 16)
		rnd.Read(keys[i])
	}

	for _, name := range HasherNames {
		t.Run(name, func(t *testing.T) {
			assert := require.New(t)
			h, err := NewHasher(name)
			assert.NoError(err)

			ring := NewRing(nodes, virtualNodes, h)
			buckets := make(map[topology.NodeAddress]int)
			for _, k := range keys {
				owner, ok := ring.Locate(k)
				assert.True(ok)
				buckets[owner]++
			}
			assert.Len(buckets, numNodes)
			min, max := numKeys, 0
			for _, v := range buckets {
				if v < min {
					min = v
				}
				if v > max {
					max = v
				}
			}
			t.Logf("%s: min=%d max=%d spread=%.3f%%", name, min, max, float64(max-min)*100.0/numKeys)
			assert.Less(float64(max-min), 0.005*numKeys)
		})
	}
}

func BenchmarkRingLocate(b *testing.B) {
	h, _ := NewHasher(Murmur3)
	ring := NewRing(makeNodes(10), DefaultVirtualNodes, h)
	key := []byte("tenant-entity")
	for i := 0; i < b.N; i++ {
		ring.Locate(key)
	}
}
