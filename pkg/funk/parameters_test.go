package funk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lab5e/meshfunk/pkg/funk/sharding"
	"github.com/lab5e/meshfunk/pkg/funk/topology"
	"github.com/lab5e/meshfunk/pkg/rpcfunk"
	"github.com/lab5e/meshfunk/pkg/streamfunk"
)

func TestParametersFinal(t *testing.T) {
	assert := require.New(t)

	p := Parameters{Interface: "127.0.0.1", Serf: SerfParameters{Endpoint: "127.0.0.1:1"}}
	p.Final()
	assert.NotEmpty(p.NodeID)
	assert.Equal(streamfunk.GRPCTransport, p.RPC.Transport)
	assert.Equal("blackhole", p.Metrics)
	assert.Contains(p.RPC.Endpoint, "127.0.0.1:")
	assert.Equal("127.0.0.1:1", p.Serf.Endpoint)

	// Set values are kept
	p = Parameters{NodeID: "n1", Interface: "127.0.0.1", RPC: RPCParameters{Endpoint: "127.0.0.1:7000"}, Serf: SerfParameters{Endpoint: "127.0.0.1:1"}}
	p.Final()
	assert.Equal("n1", p.NodeID)
	assert.Equal("127.0.0.1:7000", p.RPC.Endpoint)
}

func TestParametersLocalNode(t *testing.T) {
	assert := require.New(t)

	p := Parameters{
		NodeID:   "n1",
		Role:     "tb-core",
		Services: "transport, core",
		RPC:      RPCParameters{Endpoint: "10.0.0.1:7000"},
	}
	local, err := p.LocalNode()
	assert.NoError(err)
	assert.Equal("n1", local.ID)
	assert.Equal(topology.NodeAddress{Host: "10.0.0.1", Port: 7000, Role: "tb-core"}, local.Address)
	assert.Equal([]topology.ServiceType{topology.Core, topology.Transport}, local.Services)

	p.RPC.Endpoint = "no-port"
	_, err = p.LocalNode()
	assert.Error(err)
}

func TestParametersStaticPeers(t *testing.T) {
	assert := require.New(t)

	p := Parameters{Services: "core", Peers: []string{"10.0.0.2:7000", " ", "10.0.0.3:7000/edge"}}
	peers, err := p.StaticPeers()
	assert.NoError(err)
	assert.Len(peers, 2)
	assert.Equal("10.0.0.2:7000", peers[0].ID)
	assert.Equal("edge", peers[1].Address.Role)
	assert.True(peers[1].Offers(topology.Core))

	p.Peers = []string{"10.0.0.2"}
	_, err = p.StaticPeers()
	assert.Error(err)
}

func TestParametersRoutingConfig(t *testing.T) {
	assert := require.New(t)

	p := Parameters{}
	cfg, err := p.RoutingConfig()
	assert.NoError(err)
	assert.Equal(sharding.DefaultConfig(), cfg)

	file := filepath.Join(t.TempDir(), "routing.yaml")
	assert.NoError(os.WriteFile(file, []byte(`
hash: sha256
mode: direct
services:
  - type: core
    topic: tb_core
    partitions: 4
`), 0o600))

	p.Sharding = ShardingParameters{Config: file, VirtualNodes: 16, Hash: sharding.XXHash}
	cfg, err = p.RoutingConfig()
	assert.NoError(err)
	assert.Equal(sharding.XXHash, cfg.Hash, "Flags override the file")
	assert.Equal(sharding.DirectMode, cfg.Mode)
	assert.Equal(16, cfg.VirtualNodes)
	assert.Len(cfg.Services, 1)

	p.Sharding = ShardingParameters{Mode: "sideways"}
	_, err = p.RoutingConfig()
	assert.Error(err)

	p.Sharding = ShardingParameters{Config: filepath.Join(t.TempDir(), "missing.yaml")}
	_, err = p.RoutingConfig()
	assert.Error(err)
}

func TestParametersSessionConfig(t *testing.T) {
	assert := require.New(t)

	local := topology.NodeAddress{Host: "10.0.0.1", Port: 7000}
	p := Parameters{Session: SessionParameters{
		QueueLimit:        10,
		Overflow:          rpcfunk.RejectNewName,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: time.Minute,
		DialTimeout:       2 * time.Second,
	}}
	cfg, err := p.SessionConfig(local)
	assert.NoError(err)
	assert.Equal(local, cfg.Local)
	assert.Equal(10, cfg.QueueLimit)
	assert.Equal(rpcfunk.RejectNew, cfg.Overflow)
	assert.Equal(time.Minute, cfg.MaxReconnectDelay)

	p.Session.Overflow = "overflow-everything"
	_, err = p.SessionConfig(local)
	assert.Error(err)
}
