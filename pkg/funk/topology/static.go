package topology

import "sync"

// StaticFeed is a feed with a fixed set of nodes. All nodes are announced as
// added when the feed is created. Nodes can be added or removed manually.
type StaticFeed struct {
	mutex  sync.Mutex
	events chan Event
	closed bool
}

// NewStaticFeed creates a feed that announces the nodes
func NewStaticFeed(nodes ...ServiceInfo) *StaticFeed {
	ret := &StaticFeed{events: make(chan Event, len(nodes)+16)}
	for _, n := range nodes {
		ret.events <- Event{Kind: NodeAdded, Node: n}
	}
	return ret
}

// Events returns the event channel
func (f *StaticFeed) Events() <-chan Event {
	return f.events
}

// Add announces a new node. This blocks if nobody reads the events.
func (f *StaticFeed) Add(node ServiceInfo) {
	f.emit(Event{Kind: NodeAdded, Node: node})
}

// Remove announces the removal of a node
func (f *StaticFeed) Remove(node ServiceInfo) {
	f.emit(Event{Kind: NodeRemoved, Node: node})
}

func (f *StaticFeed) emit(ev Event) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

// Close closes the event channel
func (f *StaticFeed) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}
