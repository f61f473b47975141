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
	"context"
	"fmt"

	"github.com/lab5e/meshfunk/pkg/funk/sharding"
	"github.com/lab5e/meshfunk/pkg/funk/topology"
	"github.com/lab5e/meshfunk/pkg/rpcfunk"
)

// NodeState is the enumeration of different states a node can be in.
type NodeState int32

// These are the (local) states the cluster node can be in
const (
	Invalid     NodeState = iota // Invalid or unknown state
	Starting                     // Starting the node
	Joining                      // Joining the cluster
	Operational                  // Operational, normal operation
	Stopping                     // Stopping the node
)

func (n NodeState) String() string {
	switch n {
	case Invalid:
		return "Invalid"
	case Starting:
		return "Starting"
	case Joining:
		return "Joining"
	case Operational:
		return "Operational"
	case Stopping:
		return "Stopping"
	default:
		panic(fmt.Sprintf("Unknown state: %d", n))
	}
}

// Event is emitted when the node state or the cluster membership changes.
// Events are for information only; the routing tables are already updated
// when the event is sent.
type Event struct {
	State   NodeState              // State is the state of the local cluster node
	Size    int                    // Size is the number of nodes, including the local node
	Added   []topology.ServiceInfo // Added lists nodes that joined
	Removed []topology.ServiceInfo // Removed lists nodes that left
}

// MessageHandler receives messages from other nodes in the cluster
type MessageHandler func(from topology.NodeAddress, payload []byte)

// Cluster is the local node's view of the cluster. It keeps the topology,
// the routing tables and the sessions to the other nodes up to date.
type Cluster interface {
	// NodeID is the local cluster node's ID
	NodeID() string

	// Name returns the cluster's name
	Name() string

	// Start launches the node, ie starts listening for sessions and joins
	// the cluster
	Start() error

	// Stop stops the node. Queued messages are failed.
	Stop()

	// State is the current cluster state
	State() NodeState

	// Events returns an event channel for the cluster. The channel will
	// be closed when the cluster is stopped. Events are for information only
	Events() <-chan Event

	// Local returns the local node
	Local() topology.ServiceInfo

	// Topology returns the current set of nodes
	Topology() *topology.Snapshot

	// Resolver returns the partition resolver
	Resolver() sharding.PartitionResolver

	// Resolve finds the node responsible for an entity
	Resolve(st topology.ServiceType, tenantID, entityID string) (sharding.RoutingTarget, error)

	// Send sends a message to the owner of a routing target. Messages are
	// queued while there's no session to the owner. The callback is invoked
	// when the message is written or has failed.
	Send(ctx context.Context, target sharding.RoutingTarget, payload []byte, cb rpcfunk.DeliveryFunc) error

	// Broadcast sends a message to all other nodes
	Broadcast(ctx context.Context, payload []byte, cb rpcfunk.DeliveryFunc) error

	// Stats returns the state of the sessions to the other nodes
	Stats(ctx context.Context) (rpcfunk.Stats, error)
}

// The following are internal tags and values for nodes
const (
	EndpointPrefix = "ep."
)

const (
	// ZeroconfSerfKind is the type used to register serf endpoints in zeroconf.
	ZeroconfSerfKind = "serf"
)

// The following is a list of well-known tags on nodes
const (
	SerfEndpoint    = "ep.serf"
	RPCEndpoint     = "ep.rpc" // Session endpoint
	ServicesTag     = "meta.services"
	RoleTag         = "meta.role"
	SerfServiceName = "meta.serviceName"
)
