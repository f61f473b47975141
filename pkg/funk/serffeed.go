package funk

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lab5e/meshfunk/pkg/funk/topology"
)

// memberToService converts a Serf member into a node description. Members
// without a session endpoint aren't part of the mesh.
func memberToService(m SerfMember) (topology.ServiceInfo, bool) {
	ep := m.Tags[RPCEndpoint]
	if ep == "" {
		return topology.ServiceInfo{}, false
	}
	addr, err := topology.ParseNodeAddress(ep)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"nodeId":   m.NodeID,
			"endpoint": ep,
		}).Warning("Invalid session endpoint for Serf member")
		return topology.ServiceInfo{}, false
	}
	addr.Role = m.Tags[RoleTag]
	return topology.ServiceInfo{
		ID:       m.NodeID,
		Address:  addr,
		Services: topology.ParseServiceTypes(m.Tags[ServicesTag]),
	}, true
}

// SerfFeed turns Serf membership events into topology events
type SerfFeed struct {
	events    chan topology.Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	localID   string
	members   map[string]topology.ServiceInfo
}

// NewSerfFeed creates a feed from the Serf node's events. Events for the
// local node are skipped.
func NewSerfFeed(node *SerfNode, localID string) *SerfFeed {
	ret := &SerfFeed{
		events:  make(chan topology.Event, 16),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		localID: localID,
		members: make(map[string]topology.ServiceInfo),
	}
	go ret.run(node.Events())
	return ret
}

// Events returns the topology events
func (f *SerfFeed) Events() <-chan topology.Event {
	return f.events
}

// Close stops the feed and closes the event channel
func (f *SerfFeed) Close() error {
	f.closeOnce.Do(func() { close(f.stop) })
	<-f.done
	return nil
}

func (f *SerfFeed) emit(ev topology.Event) bool {
	select {
	case f.events <- ev:
		return true
	case <-f.stop:
		return false
	}
}

func (f *SerfFeed) run(ch <-chan NodeEvent) {
	defer close(f.done)
	defer close(f.events)
	for {
		var ev NodeEvent
		var ok bool
		select {
		case ev, ok = <-ch:
			if !ok {
				return
			}
		case <-f.stop:
			return
		}
		if ev.Node.NodeID == f.localID {
			continue
		}
		for _, out := range f.translate(ev) {
			if !f.emit(out) {
				return
			}
		}
	}
}

// translate maps a Serf event to topology events. A member that changes its
// session endpoint is removed and added again.
func (f *SerfFeed) translate(ev NodeEvent) []topology.Event {
	var ret []topology.Event
	existing, known := f.members[ev.Node.NodeID]
	switch ev.Event {
	case SerfNodeJoined, SerfNodeUpdated:
		svc, ok := memberToService(ev.Node)
		if known && (!ok || existing.Address != svc.Address) {
			delete(f.members, ev.Node.NodeID)
			ret = append(ret, topology.Event{Kind: topology.NodeRemoved, Node: existing})
		}
		if ok {
			f.members[ev.Node.NodeID] = svc
			ret = append(ret, topology.Event{Kind: topology.NodeAdded, Node: svc})
		}
	case SerfNodeLeft:
		if known {
			delete(f.members, ev.Node.NodeID)
			ret = append(ret, topology.Event{Kind: topology.NodeRemoved, Node: existing})
		}
	default:
		logrus.WithField("event", ev.Event).Warn("Unknown SerfNode event type")
	}
	return ret
}
