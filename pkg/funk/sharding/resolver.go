package sharding

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/lab5e/meshfunk/pkg/funk/topology"
)

var (
	// ErrUnresolved is returned when no live node serves the service type
	ErrUnresolved = errors.New("no node available for service")

	// ErrUnknownService is returned for service types that aren't configured
	ErrUnknownService = errors.New("unknown service type")
)

// RoutingTarget is the result of a resolve operation. In direct mode the
// topic is empty and the partition is -1.
type RoutingTarget struct {
	ServiceType topology.ServiceType
	Topic       string
	Partition   int
	Owner       topology.NodeAddress
	Local       bool
}

// Direct returns true if the target was resolved without partitions
func (t RoutingTarget) Direct() bool {
	return t.Partition < 0
}

func (t RoutingTarget) String() string {
	if t.Direct() {
		return fmt.Sprintf("%s->%s", t.ServiceType, t.Owner.String())
	}
	return fmt.Sprintf("%s/%s.%d->%s", t.ServiceType, t.Topic, t.Partition, t.Owner.String())
}

// PartitionResolver maps entities to the node currently responsible for
// them. Resolve is a pure function of the last snapshot passed to Update
// and may be called concurrently with Update.
type PartitionResolver interface {
	// Resolve returns the routing target for an entity. ErrUnresolved is
	// returned if no node offers the service type.
	Resolve(st topology.ServiceType, tenantID, entityID string) (RoutingTarget, error)

	// Update recomputes the routing table from a topology snapshot
	Update(snapshot *topology.Snapshot)

	// Owners returns the full routing table for a service type. Services
	// routed directly return a single target per node.
	Owners(st topology.ServiceType) ([]RoutingTarget, error)

	// MyPartitions returns the partitions owned by the local node
	MyPartitions(st topology.ServiceType) []int

	// IsMyPartition returns true if the local node owns the partition
	IsMyPartition(st topology.ServiceType, partition int) bool

	// NotificationsTopic returns the per-node notification topic for a
	// service type
	NotificationsTopic(st topology.ServiceType, nodeID string) string
}

// NewResolver creates a resolver for the configured mode.
func NewResolver(cfg Config, local topology.NodeAddress) (PartitionResolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case DirectMode:
		return NewDirectResolver(cfg, local)
	default:
		return NewQueueResolver(cfg, local)
	}
}

// routingTable is the immutable result of a topology update.
type routingTable struct {
	rings  map[topology.ServiceType]*Ring
	owners map[topology.ServiceType][]topology.NodeAddress
	nodes  map[topology.ServiceType][]topology.NodeAddress
}

type baseResolver struct {
	cfg      Config
	hasher   Hasher
	local    topology.NodeAddress
	assigner Assigner
	table    atomic.Pointer[routingTable]
	queue    bool
	funcs    map[topology.ServiceType]PartitionFunc
}

func newBaseResolver(cfg Config, local topology.NodeAddress, queue bool) (*baseResolver, error) {
	h, err := NewHasher(cfg.Hash)
	if err != nil {
		return nil, err
	}
	ret := &baseResolver{
		cfg:      cfg,
		hasher:   h,
		local:    local,
		assigner: NewAssigner(cfg.Assignment, h, cfg.VirtualNodes),
		queue:    queue,
		funcs:    make(map[topology.ServiceType]PartitionFunc),
	}
	for _, svc := range cfg.Services {
		if svc.Partitions > 0 {
			ret.funcs[svc.Type] = NewPartitionFunc(h, svc.Partitions)
		}
	}
	ret.table.Store(&routingTable{})
	return ret, nil
}

// DirectResolver routes keys straight to a node through a hash ring per
// service type.
type DirectResolver struct {
	*baseResolver
}

// NewDirectResolver creates a resolver for direct mode
func NewDirectResolver(cfg Config, local topology.NodeAddress) (*DirectResolver, error) {
	b, err := newBaseResolver(cfg, local, false)
	if err != nil {
		return nil, err
	}
	return &DirectResolver{b}, nil
}

// QueueResolver routes keys to a partition of the service's topic and the
// partition to the node it's assigned to.
type QueueResolver struct {
	*baseResolver
}

// NewQueueResolver creates a resolver for queue mode
func NewQueueResolver(cfg Config, local topology.NodeAddress) (*QueueResolver, error) {
	b, err := newBaseResolver(cfg, local, true)
	if err != nil {
		return nil, err
	}
	return &QueueResolver{b}, nil
}

func (b *baseResolver) partitioned(svc ServiceConfig) bool {
	return b.queue && svc.Partitions > 0
}

func (b *baseResolver) Update(snapshot *topology.Snapshot) {
	t := &routingTable{
		rings:  make(map[topology.ServiceType]*Ring),
		owners: make(map[topology.ServiceType][]topology.NodeAddress),
		nodes:  make(map[topology.ServiceType][]topology.NodeAddress),
	}
	for _, svc := range b.cfg.Services {
		nodes := snapshot.NodesFor(svc.Type)
		t.nodes[svc.Type] = nodes
		if len(nodes) == 0 {
			continue
		}
		if b.partitioned(svc) {
			t.owners[svc.Type] = b.assigner.Assign(svc.Topic, svc.Partitions, nodes)
			continue
		}
		t.rings[svc.Type] = NewRing(nodes, b.cfg.VirtualNodes, b.hasher)
	}
	b.table.Store(t)
}

func (b *baseResolver) Resolve(st topology.ServiceType, tenantID, entityID string) (RoutingTarget, error) {
	svc, ok := b.cfg.Service(st)
	if !ok {
		return RoutingTarget{}, fmt.Errorf("%w: %s", ErrUnknownService, st)
	}
	t := b.table.Load()
	key := EntityKey(tenantID, entityID)
	if b.partitioned(svc) {
		owners := t.owners[st]
		if len(owners) == 0 {
			return RoutingTarget{}, fmt.Errorf("%w: %s", ErrUnresolved, st)
		}
		p := b.partitionOf(svc, key)
		return b.target(svc, p, owners[p]), nil
	}
	ring, ok := t.rings[st]
	if !ok {
		return RoutingTarget{}, fmt.Errorf("%w: %s", ErrUnresolved, st)
	}
	owner, ok := ring.Locate(key)
	if !ok {
		return RoutingTarget{}, fmt.Errorf("%w: %s", ErrUnresolved, st)
	}
	return b.target(svc, -1, owner), nil
}

// PartitionOf returns the partition index for an entity. The partition
// doesn't depend on the topology, only on the configured partition count.
func (b *baseResolver) PartitionOf(st topology.ServiceType, tenantID, entityID string) (int, error) {
	svc, ok := b.cfg.Service(st)
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknownService, st)
	}
	if svc.Partitions < 1 {
		return -1, fmt.Errorf("service %s isn't partitioned", st)
	}
	return b.partitionOf(svc, EntityKey(tenantID, entityID)), nil
}

func (b *baseResolver) partitionOf(svc ServiceConfig, key []byte) int {
	return b.funcs[svc.Type](key)
}

func (b *baseResolver) target(svc ServiceConfig, partition int, owner topology.NodeAddress) RoutingTarget {
	ret := RoutingTarget{
		ServiceType: svc.Type,
		Partition:   partition,
		Owner:       owner,
		Local:       owner == b.local,
	}
	if partition >= 0 {
		ret.Topic = svc.Topic
	}
	return ret
}

func (b *baseResolver) Owners(st topology.ServiceType) ([]RoutingTarget, error) {
	svc, ok := b.cfg.Service(st)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, st)
	}
	t := b.table.Load()
	if len(t.nodes[st]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, st)
	}
	var ret []RoutingTarget
	if b.partitioned(svc) {
		for p, owner := range t.owners[st] {
			ret = append(ret, b.target(svc, p, owner))
		}
		return ret, nil
	}
	for _, n := range t.nodes[st] {
		ret = append(ret, b.target(svc, -1, n))
	}
	return ret, nil
}

func (b *baseResolver) MyPartitions(st topology.ServiceType) []int {
	var ret []int
	for p, owner := range b.table.Load().owners[st] {
		if owner == b.local {
			ret = append(ret, p)
		}
	}
	return ret
}

func (b *baseResolver) IsMyPartition(st topology.ServiceType, partition int) bool {
	owners := b.table.Load().owners[st]
	if partition < 0 || partition >= len(owners) {
		return false
	}
	return owners[partition] == b.local
}

func (b *baseResolver) NotificationsTopic(st topology.ServiceType, nodeID string) string {
	topic := string(st)
	if svc, ok := b.cfg.Service(st); ok && svc.Topic != "" {
		topic = svc.Topic
	}
	return fmt.Sprintf("%s.notifications.%s", topic, nodeID)
}
