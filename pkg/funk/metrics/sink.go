package metrics

// Sink is the interface for metrics. The cluster and the session manager
// report through this.
type Sink interface {
	// SetClusterSize sets the number of nodes in the cluster, including the
	// local node.
	SetClusterSize(size int)

	// SetPartitionCount sets the number of partitions owned locally for a
	// service type.
	SetPartitionCount(service string, partitions int)

	// SetSessionCount sets the number of connected sessions
	SetSessionCount(sessions int)

	// SetPendingCount sets the total number of queued messages
	SetPendingCount(pending int)

	// MessageSent counts a message written to a session
	MessageSent(peer string)

	// MessageQueued counts a message put on a pending queue
	MessageQueued(peer string)

	// MessageDropped counts a message dropped due to queue overflow
	MessageDropped(peer string)

	// SessionEvent counts session lifecycle events (connected, closed...)
	SessionEvent(event string)

	// LogRequest counts a stream opened through the gRPC transport
	LogRequest(destination, method string)
}

// Session events
const (
	SessionConnected = "connected"
	SessionClosed    = "closed"
	SessionRejected  = "rejected"
	SessionDialError = "dialError"
	SessionReconnect = "reconnect"
)

// Names of the sinks
const (
	PrometheusSink = "prometheus"
	NoSink         = "blackhole"
)

// NewSinkFromString returns the sink with the given name. Unknown names
// return a black hole sink.
func NewSinkFromString(name string, nodeid string) Sink {
	switch name {
	case PrometheusSink:
		return NewPrometheusSink(nodeid)
	default:
		return NewBlackHoleSink()
	}
}
