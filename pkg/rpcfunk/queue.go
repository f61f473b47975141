package rpcfunk

import (
	"fmt"

	"github.com/lab5e/meshfunk/pkg/funk/topology"
)

// DeliveryFunc is called once for every message and peer. The error is nil
// when the message is written to the peer's stream. Callbacks run on
// internal goroutines and must not block.
type DeliveryFunc func(peer topology.NodeAddress, err error)

// OverflowPolicy decides what happens when a queue is full
type OverflowPolicy int

// Overflow policies
const (
	DropOldest OverflowPolicy = iota // drop the oldest message to make room
	RejectNew                        // reject the new message
)

// Names for the overflow policies
const (
	DropOldestName = "drop-oldest"
	RejectNewName  = "reject"
)

func (o OverflowPolicy) String() string {
	switch o {
	case DropOldest:
		return DropOldestName
	case RejectNew:
		return RejectNewName
	default:
		panic(fmt.Sprintf("Unknown overflow policy: %d", o))
	}
}

// ParseOverflowPolicy converts a name into a policy
func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch name {
	case DropOldestName, "":
		return DropOldest, nil
	case RejectNewName:
		return RejectNew, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q", name)
	}
}

// envelope is a message waiting to be written
type envelope struct {
	payload []byte
	done    DeliveryFunc
}

func (e envelope) complete(peer topology.NodeAddress, err error) {
	if e.done != nil {
		e.done(peer, err)
	}
}

// queue is a bounded FIFO of envelopes. It is not safe for concurrent use.
type queue struct {
	items  []envelope
	limit  int
	policy OverflowPolicy
}

func newQueue(limit int, policy OverflowPolicy) *queue {
	if limit < 1 {
		limit = 1
	}
	return &queue{limit: limit, policy: policy}
}

// push appends an envelope. If the queue is full an envelope is dropped
// according to the policy and returned.
func (q *queue) push(env envelope) (envelope, bool) {
	if len(q.items) < q.limit {
		q.items = append(q.items, env)
		return envelope{}, false
	}
	if q.policy == RejectNew {
		return env, true
	}
	dropped := q.items[0]
	q.items[0] = envelope{}
	q.items = append(q.items[1:], env)
	return dropped, true
}

// pushFront puts envelopes back at the head of the queue, preserving their
// order. Envelopes that don't fit are returned.
func (q *queue) pushFront(envs []envelope) []envelope {
	if len(envs) == 0 {
		return nil
	}
	all := make([]envelope, 0, len(envs)+len(q.items))
	all = append(all, envs...)
	all = append(all, q.items...)
	if len(all) <= q.limit {
		q.items = all
		return nil
	}
	excess := len(all) - q.limit
	if q.policy == RejectNew {
		q.items = all[:q.limit]
		return all[q.limit:]
	}
	q.items = all[excess:]
	return all[:excess]
}

func (q *queue) pop() (envelope, bool) {
	if len(q.items) == 0 {
		return envelope{}, false
	}
	ret := q.items[0]
	q.items[0] = envelope{}
	q.items = q.items[1:]
	return ret, true
}

func (q *queue) drain() []envelope {
	ret := q.items
	q.items = nil
	return ret
}

func (q *queue) len() int {
	return len(q.items)
}
