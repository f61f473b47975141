package seed

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lab5e/meshfunk/pkg/funk"
)

func TestDumpMembers(t *testing.T) {
	assert := require.New(t)

	members := []funk.SerfMember{
		{NodeID: "b", State: funk.SerfAlive, Tags: map[string]string{
			funk.RPCEndpoint: "10.0.0.2:7000",
			funk.ServicesTag: "core,transport",
			funk.RoleTag:     "core",
		}},
		{NodeID: "a", State: funk.SerfAlive, Tags: map[string]string{funk.RoleTag: "seed"}},
		{NodeID: "c", State: funk.SerfFailed, Tags: map[string]string{}},
	}

	buf := &bytes.Buffer{}
	dumpMembers(buf, "test", false, members)
	out := buf.String()
	assert.Contains(out, "Members of cluster 'test'")
	assert.Contains(out, "Node: a (alive) (no session endpoint)")
	assert.Contains(out, "Node: b (alive) 10.0.0.2:7000")
	assert.Contains(out, "services: core,transport")
	assert.Contains(out, "\\- meta.role -> core")
	assert.NotContains(out, "Node: c")
	assert.Less(bytes.Index(buf.Bytes(), []byte("Node: a")), bytes.Index(buf.Bytes(), []byte("Node: b")))

	buf.Reset()
	dumpMembers(buf, "test", true, members)
	assert.Contains(buf.String(), "Node: c (failed)")
}
