package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var oneTimeRegister sync.Once

type prometheusSink struct {
	clusterSize *prometheus.GaugeVec
	partitions  *prometheus.GaugeVec
	sessions    *prometheus.GaugeVec
	pending     *prometheus.GaugeVec
	messages    *prometheus.CounterVec
	sessionEvts *prometheus.CounterVec
	requests    *prometheus.CounterVec
}

var promMetrics *prometheusSink

func gauge(nodeid, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   "mf",
			Subsystem:   "cluster",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"node": nodeid},
		}, labels)
}

func counter(nodeid, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "mf",
			Subsystem:   "cluster",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"node": nodeid},
		}, labels)
}

// NewPrometheusSink returns a sink that registers with the default
// Prometheus registry.
func NewPrometheusSink(nodeid string) Sink {
	// The metrics are registered once per process. Subsequent calls (typically
	// from unit tests) return the same sink.
	oneTimeRegister.Do(func() {
		promMetrics = &prometheusSink{
			clusterSize: gauge(nodeid, "clusterSize", "Cluster size as seen by the node"),
			partitions:  gauge(nodeid, "partitions", "Partitions owned by the local node", "service"),
			sessions:    gauge(nodeid, "sessions", "Connected sessions"),
			pending:     gauge(nodeid, "pending", "Messages waiting for a session"),
			messages:    counter(nodeid, "messages", "Outbound messages", "peer", "result"),
			sessionEvts: counter(nodeid, "sessionEvents", "Session lifecycle events", "event"),
			requests:    counter(nodeid, "requests", "Streams handled by node", "destination", "method"),
		}
		prometheus.MustRegister(promMetrics.clusterSize)
		prometheus.MustRegister(promMetrics.partitions)
		prometheus.MustRegister(promMetrics.sessions)
		prometheus.MustRegister(promMetrics.pending)
		prometheus.MustRegister(promMetrics.messages)
		prometheus.MustRegister(promMetrics.sessionEvts)
		prometheus.MustRegister(promMetrics.requests)
	})
	return promMetrics
}

func (p *prometheusSink) SetClusterSize(size int) {
	p.clusterSize.With(prometheus.Labels{}).Set(float64(size))
}

func (p *prometheusSink) SetPartitionCount(service string, partitions int) {
	p.partitions.With(prometheus.Labels{"service": service}).Set(float64(partitions))
}

func (p *prometheusSink) SetSessionCount(sessions int) {
	p.sessions.With(prometheus.Labels{}).Set(float64(sessions))
}

func (p *prometheusSink) SetPendingCount(pending int) {
	p.pending.With(prometheus.Labels{}).Set(float64(pending))
}

func (p *prometheusSink) message(peer, result string) {
	p.messages.With(prometheus.Labels{"peer": peer, "result": result}).Inc()
}

func (p *prometheusSink) MessageSent(peer string) {
	p.message(peer, "sent")
}

func (p *prometheusSink) MessageQueued(peer string) {
	p.message(peer, "queued")
}

func (p *prometheusSink) MessageDropped(peer string) {
	p.message(peer, "dropped")
}

func (p *prometheusSink) SessionEvent(event string) {
	p.sessionEvts.With(prometheus.Labels{"event": event}).Inc()
}

func (p *prometheusSink) LogRequest(destination, method string) {
	p.requests.With(prometheus.Labels{
		"destination": destination,
		"method":      method,
	}).Inc()
}
