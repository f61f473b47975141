package topology

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeAddressOrdering(t *testing.T) {
	assert := require.New(t)

	a := NodeAddress{Host: "10.0.0.1", Port: 7000}
	b := NodeAddress{Host: "10.0.0.1", Port: 7001}
	c := NodeAddress{Host: "10.0.0.2", Port: 80}
	d := NodeAddress{Host: "10.0.0.1", Port: 7000, Role: "core"}

	assert.True(a.Less(b))
	assert.True(b.Less(c))
	assert.True(a.Less(d))
	assert.False(b.Less(a))
	assert.Equal(0, a.Compare(a))
	assert.Equal(-1, a.Compare(c))
	assert.Equal(1, c.Compare(a))

	// Ports are compared numerically, not as strings
	e := NodeAddress{Host: "h", Port: 900}
	f := NodeAddress{Host: "h", Port: 1000}
	assert.True(e.Less(f))

	list := []NodeAddress{c, b, d, a}
	SortAddresses(list)
	assert.Equal([]NodeAddress{a, d, b, c}, list)
}

func TestParseNodeAddress(t *testing.T) {
	assert := require.New(t)

	a, err := ParseNodeAddress("127.0.0.1:1234")
	assert.NoError(err)
	assert.Equal(NodeAddress{Host: "127.0.0.1", Port: 1234}, a)
	assert.Equal("127.0.0.1:1234", a.String())

	a, err = ParseNodeAddress("[::1]:99/core")
	assert.NoError(err)
	assert.Equal(NodeAddress{Host: "::1", Port: 99, Role: "core"}, a)
	assert.Equal("[::1]:99", a.String())

	_, err = ParseNodeAddress("localhost")
	assert.Error(err)
	_, err = ParseNodeAddress("localhost:abc")
	assert.Error(err)
	_, err = ParseNodeAddress("localhost:0")
	assert.Error(err)

	assert.True(NodeAddress{}.IsZero())
	assert.False(a.IsZero())
}

func TestServiceTypes(t *testing.T) {
	assert := require.New(t)

	list := ParseServiceTypes("rule-engine, core,,core")
	assert.Equal([]ServiceType{Core, RuleEngine}, list)
	assert.Equal("core,rule-engine", JoinServiceTypes(list))
	assert.Empty(ParseServiceTypes(""))

	si := ServiceInfo{ID: "n1", Services: list}
	assert.True(si.Offers(Core))
	assert.False(si.Offers(Transport))
}
