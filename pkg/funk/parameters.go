package funk

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/lab5e/gotoolbox/netutils"
	log "github.com/sirupsen/logrus"

	"github.com/lab5e/meshfunk/pkg/funk/sharding"
	"github.com/lab5e/meshfunk/pkg/funk/topology"
	"github.com/lab5e/meshfunk/pkg/rpcfunk"
	"github.com/lab5e/meshfunk/pkg/streamfunk"
	"github.com/lab5e/meshfunk/pkg/toolbox"
)

// RPCParameters is the session endpoint configuration
type RPCParameters struct {
	Endpoint  string            `kong:"help='Session endpoint (host:port)'"`
	Transport string            `kong:"help='Session transport',enum='grpc,websocket',default='grpc'"`
	GRPC      toolbox.GRPCParam `kong:"embed,prefix='grpc-'"`
}

// ShardingParameters is the routing configuration. Values set here override
// the configuration file.
type ShardingParameters struct {
	Config       string `kong:"help='Routing configuration file (YAML)',type='path'"`
	Hash         string `kong:"help='Hash function (murmur3, sha256, xxhash)'"`
	VirtualNodes int    `kong:"help='Virtual nodes per node on the hash ring'"`
	Mode         string `kong:"help='Routing mode (direct, queue)'"`
	Assignment   string `kong:"help='Partition assignment in queue mode (modulo, ring)'"`
}

// SessionParameters configures the sessions to other nodes
type SessionParameters struct {
	QueueLimit        int           `kong:"help='Max queued messages per peer',default='1024'"`
	Overflow          string        `kong:"help='Policy for full queues',enum='drop-oldest,reject',default='drop-oldest'"`
	ReconnectDelay    time.Duration `kong:"help='Initial reconnect delay',default='250ms'"`
	MaxReconnectDelay time.Duration `kong:"help='Max reconnect delay',default='30s'"`
	DialTimeout       time.Duration `kong:"help='Dial and handshake timeout',default='5s'"`
}

// Parameters is the parameters required for the cluster. The defaults are
// suitable for a development cluster but not for a production cluster.
type Parameters struct {
	Name             string             `kong:"help='Cluster name',default='meshfunk'"`
	Interface        string             `kong:"help='Interface address for services'"`
	Verbose          bool               `kong:"help='Verbose logging for Serf'"`
	NodeID           string             `kong:"help='Node ID'"`
	Role             string             `kong:"help='Node role, part of the node address'"`
	Services         string             `kong:"help='Comma separated list of services offered by the node',default='core,rule-engine,transport,vc-executor'"`
	Peers            []string           `kong:"help='Static peer list (host:port[/role]). Disables Serf'"`
	ZeroConf         bool               `kong:"help='Zero-conf startup',default='true'"`
	LivenessInterval time.Duration      `kong:"help='Liveness checker intervals for static peers',default='150ms'"`
	LivenessRetries  int                `kong:"help='Number of retries for liveness checks',default='3'"`
	Metrics          string             `kong:"help='Metrics sink to use',enum='blackhole,prometheus',default='prometheus'"`
	RPC              RPCParameters      `kong:"embed,prefix='rpc-'"`
	Sharding         ShardingParameters `kong:"embed,prefix='sharding-'"`
	Session          SessionParameters  `kong:"embed,prefix='session-'"`
	Serf             SerfParameters     `kong:"embed,prefix='serf-'"`
}

func (p *Parameters) checkAndSetEndpoint(hostport *string) {
	if *hostport != "" {
		return
	}
	port, err := netutils.FreeTCPPort()
	if err != nil {
		port = int(rand.Int31n(31000) + 1024)
	}
	*hostport = fmt.Sprintf("%s:%d", p.Interface, port)
}

// Final sets the defaults for the parameters that haven't got a sensible value,
// f.e. endpoints and defaults. Defaults that are random values can't be
// set via the parameter library. Yet.
func (p *Parameters) Final() {
	if p.NodeID == "" {
		p.NodeID = toolbox.RandomID()
	}
	if p.Interface == "" {
		ip, err := netutils.FindPublicIPv4()
		if err != nil {
			log.WithError(err).Error("Unable to get public IP")
			p.Interface = "localhost"
		} else {
			p.Interface = ip.String()
		}
	}
	if p.RPC.Transport == "" {
		p.RPC.Transport = streamfunk.GRPCTransport
	}
	if p.Metrics == "" {
		p.Metrics = "blackhole"
	}
	p.Serf.Final()
	p.checkAndSetEndpoint(&p.RPC.Endpoint)

	// Log endpoints regardless of verbose or not.
	log.WithFields(log.Fields{
		"serfEndpoint": p.Serf.Endpoint,
		"rpcEndpoint":  p.RPC.Endpoint,
		"transport":    p.RPC.Transport,
	}).Info("Endpoint configuration")
}

// LocalNode returns the node description for the local node. Final must be
// called first.
func (p *Parameters) LocalNode() (topology.ServiceInfo, error) {
	public, err := ToPublicEndpoint(p.RPC.Endpoint)
	if err != nil {
		return topology.ServiceInfo{}, err
	}
	addr, err := topology.ParseNodeAddress(public)
	if err != nil {
		return topology.ServiceInfo{}, err
	}
	addr.Role = p.Role
	return topology.ServiceInfo{
		ID:       p.NodeID,
		Address:  addr,
		Services: topology.ParseServiceTypes(p.Services),
	}, nil
}

// StaticPeers parses the static peer list. Peers offer the same services as
// the local node.
func (p *Parameters) StaticPeers() ([]topology.ServiceInfo, error) {
	var ret []topology.ServiceInfo
	services := topology.ParseServiceTypes(p.Services)
	for _, peer := range p.Peers {
		peer = strings.TrimSpace(peer)
		if peer == "" {
			continue
		}
		addr, err := topology.ParseNodeAddress(peer)
		if err != nil {
			return nil, err
		}
		ret = append(ret, topology.ServiceInfo{
			ID:       addr.String(),
			Address:  addr,
			Services: services,
		})
	}
	return ret, nil
}

// RoutingConfig builds the routing configuration from the configuration
// file and the overrides.
func (p *Parameters) RoutingConfig() (sharding.Config, error) {
	cfg := sharding.DefaultConfig()
	if p.Sharding.Config != "" {
		var err error
		if cfg, err = sharding.LoadConfig(p.Sharding.Config); err != nil {
			return cfg, err
		}
	}
	if p.Sharding.Hash != "" {
		cfg.Hash = p.Sharding.Hash
	}
	if p.Sharding.VirtualNodes > 0 {
		cfg.VirtualNodes = p.Sharding.VirtualNodes
	}
	if p.Sharding.Mode != "" {
		cfg.Mode = p.Sharding.Mode
	}
	if p.Sharding.Assignment != "" {
		cfg.Assignment = p.Sharding.Assignment
	}
	return cfg, cfg.Validate()
}

// SessionConfig builds the session manager configuration. The dialer,
// handler and metrics are set by the caller.
func (p *Parameters) SessionConfig(local topology.NodeAddress) (rpcfunk.Config, error) {
	overflow, err := rpcfunk.ParseOverflowPolicy(p.Session.Overflow)
	if err != nil {
		return rpcfunk.Config{}, err
	}
	return rpcfunk.Config{
		Local:             local,
		QueueLimit:        p.Session.QueueLimit,
		Overflow:          overflow,
		ReconnectDelay:    p.Session.ReconnectDelay,
		MaxReconnectDelay: p.Session.MaxReconnectDelay,
		DialTimeout:       p.Session.DialTimeout,
	}, nil
}
