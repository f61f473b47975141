package topology

import (
	"sort"
	"sync"
	"sync/atomic"
)

// EventKind is the kind of topology event
type EventKind int

// Topology event kinds
const (
	NodeAdded EventKind = iota
	NodeRemoved
)

func (k EventKind) String() string {
	switch k {
	case NodeAdded:
		return "NodeAdded"
	case NodeRemoved:
		return "NodeRemoved"
	default:
		panic("unknown topology event kind")
	}
}

// Event is emitted by discovery feeds when nodes appear or disappear
type Event struct {
	Kind EventKind
	Node ServiceInfo
}

// Feed is a source of topology events. The channel is closed when the feed
// is closed.
type Feed interface {
	Events() <-chan Event
	Close() error
}

// Snapshot is an immutable view of the cluster. Snapshots are never modified
// once they are published.
type Snapshot struct {
	Local ServiceInfo
	Peers []ServiceInfo // sorted by address
}

// Nodes returns all nodes, including the local node, sorted by address
func (s *Snapshot) Nodes() []ServiceInfo {
	ret := make([]ServiceInfo, 0, len(s.Peers)+1)
	ret = append(ret, s.Local)
	ret = append(ret, s.Peers...)
	sort.Slice(ret, func(i, j int) bool { return ret[i].Address.Less(ret[j].Address) })
	return ret
}

// NodesFor returns the sorted list of addresses that offers a service type.
func (s *Snapshot) NodesFor(st ServiceType) []NodeAddress {
	var ret []NodeAddress
	for _, n := range s.Nodes() {
		if n.Offers(st) {
			ret = append(ret, n.Address)
		}
	}
	return ret
}

// Contains returns true if the address is the local node or one of the peers
func (s *Snapshot) Contains(addr NodeAddress) bool {
	if s.Local.Address == addr {
		return true
	}
	for _, p := range s.Peers {
		if p.Address == addr {
			return true
		}
	}
	return false
}

// Size returns the number of nodes in the snapshot, including the local node
func (s *Snapshot) Size() int {
	return len(s.Peers) + 1
}

// View holds the local node and the set of known peers. Changes are applied
// through Apply and published as a new Snapshot; readers never see a
// partially updated view.
type View struct {
	mutex    sync.Mutex
	local    ServiceInfo
	peers    map[NodeAddress]ServiceInfo
	snapshot atomic.Pointer[Snapshot]
}

// NewView creates a view containing just the local node
func NewView(local ServiceInfo) *View {
	ret := &View{
		local: local,
		peers: make(map[NodeAddress]ServiceInfo),
	}
	ret.publish()
	return ret
}

// Snapshot returns the current snapshot
func (v *View) Snapshot() *Snapshot {
	return v.snapshot.Load()
}

// Apply applies events to the view and returns the nodes actually added and
// removed. Events for the local node are ignored. Adding an address that is
// already known replaces the service info; the address is reported as removed
// and added when the service list changes.
func (v *View) Apply(events ...Event) (added []ServiceInfo, removed []ServiceInfo) {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	for _, ev := range events {
		addr := ev.Node.Address
		if addr == v.local.Address {
			continue
		}
		existing, known := v.peers[addr]
		switch ev.Kind {
		case NodeAdded:
			if known && sameServices(existing, ev.Node) {
				continue
			}
			if known {
				removed = append(removed, existing)
			}
			v.peers[addr] = ev.Node
			added = append(added, ev.Node)
		case NodeRemoved:
			if !known {
				continue
			}
			delete(v.peers, addr)
			removed = append(removed, existing)
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		v.publish()
	}
	return added, removed
}

func (v *View) publish() {
	s := &Snapshot{Local: v.local, Peers: make([]ServiceInfo, 0, len(v.peers))}
	for _, p := range v.peers {
		s.Peers = append(s.Peers, p)
	}
	sort.Slice(s.Peers, func(i, j int) bool { return s.Peers[i].Address.Less(s.Peers[j].Address) })
	v.snapshot.Store(s)
}

func sameServices(a, b ServiceInfo) bool {
	if a.ID != b.ID || len(a.Services) != len(b.Services) {
		return false
	}
	for i := range a.Services {
		if a.Services[i] != b.Services[i] {
			return false
		}
	}
	return true
}

// Addresses returns the addresses of a list of nodes
func Addresses(nodes []ServiceInfo) []NodeAddress {
	ret := make([]NodeAddress, len(nodes))
	for i, n := range nodes {
		ret[i] = n.Address
	}
	return ret
}
