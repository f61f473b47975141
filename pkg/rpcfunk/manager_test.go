package rpcfunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lab5e/meshfunk/pkg/funk/topology"
	"github.com/lab5e/meshfunk/pkg/streamfunk"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// countingDialer counts the dials made by a node
type countingDialer struct {
	streamfunk.Dialer
	dials atomic.Int32
}

func (c *countingDialer) Dial(ctx context.Context, address string) (streamfunk.Stream, error) {
	c.dials.Add(1)
	return c.Dialer.Dial(ctx, address)
}

// stallingDialer hands out a stream where the first data write blocks
// until the stream is closed. Later dials are left alone.
type stallingDialer struct {
	streamfunk.Dialer
	once    sync.Once
	stalled chan struct{}
}

func (d *stallingDialer) Dial(ctx context.Context, address string) (streamfunk.Stream, error) {
	stream, err := d.Dialer.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	ret := stream
	d.once.Do(func() {
		ret = &stallingStream{Stream: stream, stalled: d.stalled, closed: make(chan struct{})}
	})
	return ret, nil
}

type stallingStream struct {
	streamfunk.Stream
	sends     int
	stalled   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *stallingStream) Send(data []byte) error {
	s.sends++
	if s.sends == 1 {
		// handshake
		return s.Stream.Send(data)
	}
	close(s.stalled)
	<-s.closed
	return io.ErrClosedPipe
}

func (s *stallingStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.Stream.Close()
}

type testNode struct {
	addr      topology.NodeAddress
	transport streamfunk.Transport
	dialer    *countingDialer
	manager   *Manager
	cancel    context.CancelFunc
	stopped   chan struct{}

	mutex    sync.Mutex
	received map[topology.NodeAddress][]string
}

func newTestNode(t *testing.T, network *streamfunk.MemoryNetwork, address string, opts ...func(*Config)) *testNode {
	addr, err := topology.ParseNodeAddress(address)
	require.NoError(t, err)

	transport := network.NewTransport()
	n := &testNode{
		addr:      addr,
		transport: transport,
		dialer:    &countingDialer{Dialer: transport},
		stopped:   make(chan struct{}),
		received:  make(map[topology.NodeAddress][]string),
	}
	cfg := Config{
		Local:             addr,
		Dialer:            n.dialer,
		Handler:           n.handle,
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 40 * time.Millisecond,
		DialTimeout:       time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	n.manager, err = NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, transport.Listen(addr.String(), n.manager.Accept))

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go func() {
		defer close(n.stopped)
		n.manager.Run(ctx)
	}()
	t.Cleanup(n.stop)
	return n
}

func (n *testNode) handle(peer topology.NodeAddress, payload []byte) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.received[peer] = append(n.received[peer], string(payload))
}

func (n *testNode) messagesFrom(peer topology.NodeAddress) []string {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return append([]string(nil), n.received[peer]...)
}

func (n *testNode) stats(t *testing.T) Stats {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := n.manager.Stats(ctx)
	require.NoError(t, err)
	return s
}

func (n *testNode) hasSession(t *testing.T, peer topology.NodeAddress) bool {
	_, ok := n.stats(t).Sessions[peer]
	return ok
}

func (n *testNode) stop() {
	n.cancel()
	<-n.stopped
	n.transport.Close()
}

// meet tells every node about every other node
func meet(nodes ...*testNode) {
	var all []topology.NodeAddress
	for _, n := range nodes {
		all = append(all, n.addr)
	}
	for _, n := range nodes {
		n.manager.TopologyChanged(all, nil)
	}
}

// deliveries collects the results of delivery callbacks
type deliveries struct {
	mutex   sync.Mutex
	results map[topology.NodeAddress][]error
}

func newDeliveries() *deliveries {
	return &deliveries{results: make(map[topology.NodeAddress][]error)}
}

func (d *deliveries) callback(peer topology.NodeAddress, err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.results[peer] = append(d.results[peer], err)
}

func (d *deliveries) get(peer topology.NodeAddress) []error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]error(nil), d.results[peer]...)
}

func TestAsymmetricConnection(t *testing.T) {
	assert := require.New(t)
	network := streamfunk.NewMemoryNetwork()

	a := newTestNode(t, network, "10.0.0.1:7000")
	b := newTestNode(t, network, "10.0.0.2:7000")
	meet(a, b)

	assert.Eventually(func() bool {
		return a.hasSession(t, b.addr) && b.hasSession(t, a.addr)
	}, waitFor, tick)

	assert.Equal(int32(1), a.dialer.dials.Load())
	assert.Equal(int32(0), b.dialer.dials.Load())

	sa := a.stats(t).Sessions[b.addr]
	sb := b.stats(t).Sessions[a.addr]
	assert.Equal(Client, sa.Role)
	assert.Equal(Server, sb.Role)
	assert.Equal(sa.ID, sb.ID)
	assert.NotEmpty(sa.ID)
}

func TestQueuedMessagesAreFlushedInOrder(t *testing.T) {
	assert := require.New(t)
	network := streamfunk.NewMemoryNetwork()

	a := newTestNode(t, network, "10.0.0.1:7000")
	b := newTestNode(t, network, "10.0.0.2:7000")

	ctx := context.Background()
	results := newDeliveries()
	for i := 1; i <= 3; i++ {
		assert.NoError(b.manager.Send(ctx, a.addr, []byte(fmt.Sprintf("%d", i)), results.callback))
	}
	assert.Equal(3, b.stats(t).Pending[a.addr])

	meet(a, b)
	assert.NoError(b.manager.Send(ctx, a.addr, []byte("4"), results.callback))

	assert.Eventually(func() bool {
		return len(a.messagesFrom(b.addr)) == 4
	}, waitFor, tick)
	assert.Equal([]string{"1", "2", "3", "4"}, a.messagesFrom(b.addr))

	assert.Eventually(func() bool {
		return len(results.get(a.addr)) == 4
	}, waitFor, tick)
	for _, err := range results.get(a.addr) {
		assert.NoError(err)
	}
	assert.Empty(b.stats(t).Pending)
}

func TestBroadcastReachesEveryPeerOnce(t *testing.T) {
	assert := require.New(t)
	network := streamfunk.NewMemoryNetwork()

	a := newTestNode(t, network, "10.0.0.1:7000")
	b := newTestNode(t, network, "10.0.0.2:7000")
	c := newTestNode(t, network, "10.0.0.3:7000")
	meet(a, b, c)

	assert.Eventually(func() bool {
		return len(a.stats(t).Sessions) == 2 &&
			len(b.stats(t).Sessions) == 2 &&
			len(c.stats(t).Sessions) == 2
	}, waitFor, tick)

	results := newDeliveries()
	assert.NoError(b.manager.Broadcast(context.Background(), []byte("hello"), results.callback))

	assert.Eventually(func() bool {
		return len(a.messagesFrom(b.addr)) == 1 && len(c.messagesFrom(b.addr)) == 1
	}, waitFor, tick)
	assert.Eventually(func() bool {
		return len(results.get(a.addr)) == 1 && len(results.get(c.addr)) == 1
	}, waitFor, tick)

	time.Sleep(50 * time.Millisecond)
	assert.Equal([]string{"hello"}, a.messagesFrom(b.addr))
	assert.Equal([]string{"hello"}, c.messagesFrom(b.addr))
	assert.Empty(b.messagesFrom(b.addr))
	assert.Empty(results.get(b.addr))
}

func TestBroadcastQueuesForUnconnectedPeers(t *testing.T) {
	assert := require.New(t)
	network := streamfunk.NewMemoryNetwork()

	b := newTestNode(t, network, "10.0.0.2:7000")
	a := topology.NodeAddress{Host: "10.0.0.1", Port: 7000}
	// b waits for a to connect so the message stays queued
	b.manager.TopologyChanged([]topology.NodeAddress{a}, nil)

	assert.NoError(b.manager.Broadcast(context.Background(), []byte("hello"), nil))
	assert.Eventually(func() bool {
		return b.stats(t).Pending[a] == 1
	}, waitFor, tick)
	assert.Equal(int32(0), b.dialer.dials.Load())
}

func TestReconnectKeepsSessionID(t *testing.T) {
	assert := require.New(t)
	network := streamfunk.NewMemoryNetwork()

	a := newTestNode(t, network, "10.0.0.1:7000")
	b := newTestNode(t, network, "10.0.0.2:7000")
	meet(a, b)

	assert.Eventually(func() bool {
		return b.hasSession(t, a.addr)
	}, waitFor, tick)
	id := b.stats(t).Sessions[a.addr].ID

	network.Break(b.addr.String())

	assert.Eventually(func() bool {
		return a.dialer.dials.Load() >= 2 && a.hasSession(t, b.addr) && b.hasSession(t, a.addr)
	}, waitFor, tick)
	assert.Equal(id, b.stats(t).Sessions[a.addr].ID)
	assert.Equal(id, a.stats(t).Sessions[b.addr].ID)
	assert.Equal(int32(0), b.dialer.dials.Load())

	// The new session works
	assert.NoError(a.manager.Send(context.Background(), b.addr, []byte("again"), nil))
	assert.Eventually(func() bool {
		return len(b.messagesFrom(a.addr)) == 1
	}, waitFor, tick)
}

func TestRemovalCancelsReconnect(t *testing.T) {
	assert := require.New(t)
	network := streamfunk.NewMemoryNetwork()

	a := newTestNode(t, network, "10.0.0.1:7000")
	b := newTestNode(t, network, "10.0.0.2:7000")
	meet(a, b)
	assert.Eventually(func() bool {
		return a.hasSession(t, b.addr)
	}, waitFor, tick)

	// b goes away without a's topology noticing
	b.stop()
	assert.Eventually(func() bool {
		s := a.stats(t)
		_, connected := s.Sessions[b.addr]
		return !connected && a.dialer.dials.Load() >= 2
	}, waitFor, tick)

	results := newDeliveries()
	assert.NoError(a.manager.Send(context.Background(), b.addr, []byte("lost"), results.callback))

	a.manager.TopologyChanged(nil, []topology.NodeAddress{b.addr})
	assert.Eventually(func() bool {
		s := a.stats(t)
		return len(s.Known) == 0 && len(s.Reconnecting) == 0 && len(s.Dialing) == 0 && len(s.Pending) == 0
	}, waitFor, tick)

	errs := results.get(b.addr)
	assert.Len(errs, 1)
	assert.True(errors.Is(errs[0], ErrPeerRemoved))

	dials := a.dialer.dials.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(dials, a.dialer.dials.Load())
}

// A peer that this node has removed can still dial in while its own view
// lags behind. The session carries traffic but never brings back a queue.
func TestRemovedPeerDialingInLeavesNoQueue(t *testing.T) {
	assert := require.New(t)
	network := streamfunk.NewMemoryNetwork()

	a := newTestNode(t, network, "10.0.0.1:7000")
	b := newTestNode(t, network, "10.0.0.2:7000")
	meet(a, b)
	assert.Eventually(func() bool {
		return b.hasSession(t, a.addr)
	}, waitFor, tick)

	b.manager.TopologyChanged(nil, []topology.NodeAddress{a.addr})
	assert.Eventually(func() bool {
		return a.dialer.dials.Load() >= 2 && b.hasSession(t, a.addr)
	}, waitFor, tick)
	assert.Empty(b.stats(t).Known)

	a.stop()
	assert.Eventually(func() bool {
		return !b.hasSession(t, a.addr)
	}, waitFor, tick)

	results := newDeliveries()
	for i := 0; i < 5; i++ {
		assert.NoError(b.manager.Broadcast(context.Background(), []byte{byte(i)}, results.callback))
	}
	assert.NoError(b.manager.Send(context.Background(), a.addr, []byte("late"), results.callback))

	s := b.stats(t)
	assert.Empty(s.Known)
	assert.Empty(s.Pending)
	assert.Empty(s.Sessions)
	assert.Empty(s.Reconnecting)

	errs := results.get(a.addr)
	assert.Len(errs, 1)
	assert.True(errors.Is(errs[0], ErrPeerRemoved))

	// Adding the peer again lifts the refusal
	b.manager.TopologyChanged([]topology.NodeAddress{a.addr}, nil)
	assert.NoError(b.manager.Send(context.Background(), a.addr, []byte("queued"), nil))
	assert.Equal(1, b.stats(t).Pending[a.addr])
}

// The reader fails while the writer is stuck on a message. The message is
// delivered on the next session.
func TestWriteInFlightSurvivesReconnect(t *testing.T) {
	assert := require.New(t)
	network := streamfunk.NewMemoryNetwork()

	stalled := make(chan struct{})
	a := newTestNode(t, network, "10.0.0.1:7000", func(c *Config) {
		c.Dialer = &stallingDialer{Dialer: c.Dialer, stalled: stalled}
	})
	b := newTestNode(t, network, "10.0.0.2:7000")
	meet(a, b)
	assert.Eventually(func() bool {
		return a.hasSession(t, b.addr) && b.hasSession(t, a.addr)
	}, waitFor, tick)

	results := newDeliveries()
	assert.NoError(a.manager.Send(context.Background(), b.addr, []byte("kept"), results.callback))
	select {
	case <-stalled:
	case <-time.After(waitFor):
		assert.Fail("write never started")
	}

	network.Break(b.addr.String())

	assert.Eventually(func() bool {
		return len(b.messagesFrom(a.addr)) == 1
	}, waitFor, tick)
	assert.Equal([]string{"kept"}, b.messagesFrom(a.addr))
	assert.Eventually(func() bool {
		return len(results.get(b.addr)) == 1
	}, waitFor, tick)
	assert.Equal([]error{nil}, results.get(b.addr))
	assert.GreaterOrEqual(a.dialer.dials.Load(), int32(2))
	assert.Empty(a.stats(t).Pending)
}

func TestHandshakeViolationIsRejected(t *testing.T) {
	assert := require.New(t)
	network := streamfunk.NewMemoryNetwork()

	b := newTestNode(t, network, "10.0.0.2:7000")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	stream, err := network.NewTransport().Dial(ctx, b.addr.String())
	assert.NoError(err)
	defer stream.Close()

	data := NewData([]byte("no handshake"))
	buf, err := data.MarshalBinary()
	assert.NoError(err)
	assert.NoError(stream.Send(buf))

	_, err = stream.Recv()
	assert.Equal(io.EOF, err)

	s := b.stats(t)
	assert.Empty(s.Sessions)
	assert.Empty(s.Known)
	assert.Empty(b.messagesFrom(topology.NodeAddress{}))
}

func TestSendToSelf(t *testing.T) {
	assert := require.New(t)
	network := streamfunk.NewMemoryNetwork()

	a := newTestNode(t, network, "10.0.0.1:7000")
	results := newDeliveries()
	assert.NoError(a.manager.Send(context.Background(), a.addr, []byte("loop"), results.callback))
	assert.Equal([]string{"loop"}, a.messagesFrom(a.addr))
	assert.Equal([]error{nil}, results.get(a.addr))
}

func TestPendingOverflow(t *testing.T) {
	assert := require.New(t)
	network := streamfunk.NewMemoryNetwork()

	a := newTestNode(t, network, "10.0.0.2:7000", func(c *Config) {
		c.QueueLimit = 2
		c.Overflow = RejectNew
	})
	peer := topology.NodeAddress{Host: "10.0.0.1", Port: 7000}

	results := newDeliveries()
	for i := 0; i < 3; i++ {
		assert.NoError(a.manager.Send(context.Background(), peer, []byte{byte(i)}, results.callback))
	}
	assert.Eventually(func() bool {
		return len(results.get(peer)) == 1
	}, waitFor, tick)
	assert.True(errors.Is(results.get(peer)[0], ErrQueueOverflow))
	assert.Equal(2, a.stats(t).Pending[peer])
}

func TestShutdownFailsPending(t *testing.T) {
	assert := require.New(t)
	network := streamfunk.NewMemoryNetwork()

	a := newTestNode(t, network, "10.0.0.1:7000")
	missing := topology.NodeAddress{Host: "10.0.0.9", Port: 7000}
	a.manager.TopologyChanged([]topology.NodeAddress{missing}, nil)

	results := newDeliveries()
	assert.NoError(a.manager.Send(context.Background(), missing, []byte("never"), results.callback))
	assert.Eventually(func() bool {
		return a.stats(t).Pending[missing] == 1
	}, waitFor, tick)

	a.stop()
	errs := results.get(missing)
	assert.Len(errs, 1)
	assert.True(errors.Is(errs[0], ErrStopped))

	assert.True(errors.Is(a.manager.Send(context.Background(), missing, []byte("late"), nil), ErrStopped))
	_, err := a.manager.Stats(context.Background())
	assert.True(errors.Is(err, ErrStopped))
	assert.Error(a.manager.Run(context.Background()))
}

func TestNewManagerValidates(t *testing.T) {
	assert := require.New(t)

	_, err := NewManager(Config{})
	assert.Error(err)
	_, err = NewManager(Config{Local: topology.NodeAddress{Host: "10.0.0.1", Port: 1}})
	assert.Error(err)
}
