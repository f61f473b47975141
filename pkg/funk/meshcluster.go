package funk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lab5e/meshfunk/pkg/funk/metrics"
	"github.com/lab5e/meshfunk/pkg/funk/sharding"
	"github.com/lab5e/meshfunk/pkg/funk/topology"
	"github.com/lab5e/meshfunk/pkg/rpcfunk"
	"github.com/lab5e/meshfunk/pkg/streamfunk"
	"github.com/lab5e/meshfunk/pkg/toolbox"
)

// ErrNotStarted is returned when the cluster is used before Start is called
var ErrNotStarted = errors.New("cluster is not started")

// Option is an option for NewCluster
type Option func(*meshCluster)

// WithFeed replaces the Serf or liveness based discovery with a custom feed.
// The cluster closes the feed when it stops.
func WithFeed(feed topology.Feed) Option {
	return func(c *meshCluster) {
		c.feed = feed
	}
}

// WithTransport sets the transport used for sessions
func WithTransport(transport streamfunk.Transport) Option {
	return func(c *meshCluster) {
		c.transport = transport
	}
}

// WithMetrics sets the metrics sink. The default is set by the parameters.
func WithMetrics(sink metrics.Sink) Option {
	return func(c *meshCluster) {
		c.sink = sink
	}
}

// meshCluster implements the Cluster interface
type meshCluster struct {
	config         Parameters                 // Configuration
	handler        MessageHandler             // Application message handler
	local          topology.ServiceInfo       // The local node
	routing        sharding.Config            // Routing configuration
	view           *topology.View             // Cluster membership
	resolver       sharding.PartitionResolver // Routing tables
	manager        *rpcfunk.Manager           // Sessions to other nodes
	transport      streamfunk.Transport       // Session transport
	feed           topology.Feed              // Discovery feed
	sink           metrics.Sink               // Metrics
	serfNode       *SerfNode                  // Serf, when there's no static peer list
	registry       *toolbox.ZeroconfRegistry  // Zeroconf lookups. Used when joining
	livenessClient LocalLivenessEndpoint      // Responds to liveness checks from static peers
	eventChannels  []chan Event               // Event channels for subscribers
	mutex          *sync.RWMutex              // Mutex for events
	stateMutex     *sync.RWMutex              // Mutex for state
	state          NodeState                  // Current cluster state for this node
	cancel         context.CancelFunc
	group          *errgroup.Group
}

// NewCluster returns a new cluster node. Messages from other nodes are
// passed to the handler.
func NewCluster(params Parameters, handler MessageHandler, opts ...Option) Cluster {
	if handler == nil {
		handler = func(topology.NodeAddress, []byte) {}
	}
	ret := &meshCluster{
		config:        params,
		handler:       handler,
		eventChannels: make([]chan Event, 0),
		mutex:         &sync.RWMutex{},
		stateMutex:    &sync.RWMutex{},
		state:         Invalid,
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (c *meshCluster) NodeID() string {
	return c.config.NodeID
}

func (c *meshCluster) Name() string {
	return c.config.Name
}

func (c *meshCluster) Local() topology.ServiceInfo {
	return c.local
}

func (c *meshCluster) Topology() *topology.Snapshot {
	if c.view == nil {
		return &topology.Snapshot{Local: c.local}
	}
	return c.view.Snapshot()
}

func (c *meshCluster) Resolver() sharding.PartitionResolver {
	return c.resolver
}

func (c *meshCluster) Events() <-chan Event {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ret := make(chan Event, 8)
	c.eventChannels = append(c.eventChannels, ret)
	return ret
}

func (c *meshCluster) Start() error {
	c.config.Final()
	if c.config.Name == "" {
		return errors.New("cluster name not specified")
	}
	if c.manager != nil {
		return errors.New("cluster is already started")
	}

	c.setState(Starting)

	var err error
	if c.local, err = c.config.LocalNode(); err != nil {
		return fmt.Errorf("local node: %w", err)
	}
	if c.routing, err = c.config.RoutingConfig(); err != nil {
		return err
	}
	if c.resolver, err = sharding.NewResolver(c.routing, c.local.Address); err != nil {
		return err
	}
	c.view = topology.NewView(c.local)
	c.resolver.Update(c.view.Snapshot())

	if c.sink == nil {
		c.sink = metrics.NewSinkFromString(c.config.Metrics, c.config.NodeID)
	}
	if c.transport == nil {
		if c.transport, err = streamfunk.New(c.config.RPC.Transport, c.config.RPC.GRPC, c.sink); err != nil {
			return err
		}
	}

	sessionConfig, err := c.config.SessionConfig(c.local.Address)
	if err != nil {
		return err
	}
	sessionConfig.Dialer = c.transport
	sessionConfig.Handler = rpcfunk.MessageHandler(c.handler)
	sessionConfig.Metrics = c.sink
	if c.manager, err = rpcfunk.NewManager(sessionConfig); err != nil {
		return err
	}
	if err := c.transport.Listen(c.config.RPC.Endpoint, c.manager.Accept); err != nil {
		return fmt.Errorf("listening on %s: %w", c.config.RPC.Endpoint, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group, ctx = errgroup.WithContext(ctx)
	c.group.Go(func() error {
		return c.manager.Run(ctx)
	})

	c.setState(Joining)
	if c.feed == nil {
		if c.feed, err = c.startDiscovery(); err != nil {
			c.Stop()
			return err
		}
	}
	events := c.feed.Events()
	c.group.Go(func() error {
		c.topologyLoop(events)
		return nil
	})

	c.updateMetrics(c.view.Snapshot())
	log.WithFields(log.Fields{
		"nodeId":   c.config.NodeID,
		"address":  c.local.Address.String(),
		"services": topology.JoinServiceTypes(c.local.Services),
		"mode":     c.routing.Mode,
	}).Info("Cluster node started")
	c.setState(Operational)
	return nil
}

// startDiscovery launches the discovery feed. Static peers are checked with
// UDP liveness checks, otherwise the node joins a Serf cluster.
func (c *meshCluster) startDiscovery() (topology.Feed, error) {
	if len(c.config.Peers) > 0 {
		peers, err := c.config.StaticPeers()
		if err != nil {
			return nil, err
		}
		if c.livenessClient, err = NewLivenessClient(c.config.RPC.Endpoint); err != nil {
			return nil, fmt.Errorf("liveness endpoint: %w", err)
		}
		return NewLivenessFeed(peers, c.config.LivenessInterval, c.config.LivenessRetries), nil
	}

	if c.config.ZeroConf {
		c.registry = toolbox.NewZeroconfRegistry(c.config.Name)

		if c.config.Serf.JoinAddress == "" {
			addrs, err := c.registry.Resolve(ZeroconfSerfKind, 1*time.Second)
			if err != nil {
				return nil, err
			}
			if len(addrs) > 0 {
				c.config.Serf.JoinAddress = addrs[0]
			} else {
				log.Debug("No Serf nodes found, starting new cluster")
			}
		}
		port, err := toolbox.PortOfHostPort(c.config.Serf.Endpoint)
		if err != nil {
			return nil, err
		}
		if err := c.registry.Register(ZeroconfSerfKind, c.config.NodeID, port); err != nil {
			return nil, err
		}
	}

	c.serfNode = NewSerfNode()
	c.serfNode.SetTag(SerfEndpoint, c.config.Serf.Endpoint)
	c.serfNode.SetTag(RPCEndpoint, c.local.Address.String())
	c.serfNode.SetTag(RoleTag, c.local.Address.Role)
	c.serfNode.SetTag(ServicesTag, topology.JoinServiceTypes(c.local.Services))
	c.serfNode.SetTag(SerfServiceName, c.config.Name)

	feed := NewSerfFeed(c.serfNode, c.config.NodeID)
	if err := c.serfNode.Start(c.config.NodeID, c.config.Serf); err != nil {
		feed.Close()
		c.serfNode = nil
		return nil, err
	}
	return feed, nil
}

// topologyLoop applies topology events until the feed is closed. Events
// that are already queued are applied as a single change.
func (c *meshCluster) topologyLoop(events <-chan topology.Event) {
	for ev := range events {
		batch := []topology.Event{ev}
	collect:
		for {
			select {
			case next, ok := <-events:
				if !ok {
					break collect
				}
				batch = append(batch, next)
			default:
				break collect
			}
		}
		toolbox.TimeCall(func() { c.applyTopology(batch) }, "TopologyChanged")
	}
}

// applyTopology updates the view and the routing tables before the session
// manager is told about the change.
func (c *meshCluster) applyTopology(batch []topology.Event) {
	before := c.view.Snapshot()
	added, removed := c.view.Apply(batch...)
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	after := c.view.Snapshot()
	c.resolver.Update(after)

	// Service changes for a node keep the session
	joined, left := addressChanges(before, after)
	if len(joined) > 0 || len(left) > 0 {
		c.manager.TopologyChanged(joined, left)
	}
	c.updateMetrics(after)

	log.WithFields(log.Fields{
		"size":    after.Size(),
		"added":   len(added),
		"removed": len(removed),
	}).Info("Cluster topology changed")
	c.sendEvent(Event{State: c.State(), Size: after.Size(), Added: added, Removed: removed})
}

// addressChanges returns the peer addresses that joined and left between two
// snapshots
func addressChanges(before, after *topology.Snapshot) (joined, left []topology.NodeAddress) {
	old := make(map[topology.NodeAddress]bool, len(before.Peers))
	for _, p := range before.Peers {
		old[p.Address] = true
	}
	current := make(map[topology.NodeAddress]bool, len(after.Peers))
	for _, p := range after.Peers {
		current[p.Address] = true
		if !old[p.Address] {
			joined = append(joined, p.Address)
		}
	}
	for _, p := range before.Peers {
		if !current[p.Address] {
			left = append(left, p.Address)
		}
	}
	return joined, left
}

func (c *meshCluster) updateMetrics(snapshot *topology.Snapshot) {
	c.sink.SetClusterSize(snapshot.Size())
	for _, svc := range c.routing.Services {
		c.sink.SetPartitionCount(string(svc.Type), len(c.resolver.MyPartitions(svc.Type)))
	}
}

func (c *meshCluster) Resolve(st topology.ServiceType, tenantID, entityID string) (sharding.RoutingTarget, error) {
	if c.resolver == nil {
		return sharding.RoutingTarget{}, ErrNotStarted
	}
	return c.resolver.Resolve(st, tenantID, entityID)
}

func (c *meshCluster) Send(ctx context.Context, target sharding.RoutingTarget, payload []byte, cb rpcfunk.DeliveryFunc) error {
	if c.manager == nil {
		return ErrNotStarted
	}
	if target.Owner.IsZero() {
		return fmt.Errorf("%w: no owner for %s", sharding.ErrUnresolved, target.String())
	}
	return c.manager.Send(ctx, target.Owner, payload, cb)
}

func (c *meshCluster) Broadcast(ctx context.Context, payload []byte, cb rpcfunk.DeliveryFunc) error {
	if c.manager == nil {
		return ErrNotStarted
	}
	return c.manager.Broadcast(ctx, payload, cb)
}

func (c *meshCluster) Stats(ctx context.Context) (rpcfunk.Stats, error) {
	if c.manager == nil {
		return rpcfunk.Stats{}, ErrNotStarted
	}
	return c.manager.Stats(ctx)
}

func (c *meshCluster) Stop() {
	c.setState(Stopping)

	if c.feed != nil {
		if err := c.feed.Close(); err != nil {
			log.WithError(err).Warning("Error closing discovery feed")
		}
	}
	if c.cancel != nil {
		c.cancel()
		if err := c.group.Wait(); err != nil {
			log.WithError(err).Warning("Error stopping session manager")
		}
	}
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			log.WithError(err).Warning("Error closing transport")
		}
	}
	if c.serfNode != nil {
		if err := c.serfNode.Stop(); err != nil {
			log.WithError(err).Warning("Error stopping Serf node. Will stop anyways.")
		}
	}
	if c.registry != nil {
		c.registry.Shutdown()
	}
	if c.livenessClient != nil {
		c.livenessClient.Stop()
	}

	c.setState(Invalid)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, v := range c.eventChannels {
		close(v)
	}
	c.eventChannels = nil
}
