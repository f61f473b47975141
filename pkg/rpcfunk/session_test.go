package rpcfunk

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lab5e/meshfunk/pkg/funk/metrics"
	"github.com/lab5e/meshfunk/pkg/funk/topology"
	"github.com/lab5e/meshfunk/pkg/streamfunk"
)

// recordingOwner records the notifications from sessions
type recordingOwner struct {
	local     topology.NodeAddress
	mutex     sync.Mutex
	connected []*Session
	closed    []error
	messages  []string
	resent    []string
	reject    error
}

func (r *recordingOwner) localAddress() topology.NodeAddress { return r.local }

func (r *recordingOwner) sessionConnected(s *Session) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.connected = append(r.connected, s)
	return r.reject
}

func (r *recordingOwner) sessionClosed(s *Session, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.closed = append(r.closed, err)
}

func (r *recordingOwner) resend(peer topology.NodeAddress, env envelope) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.resent = append(r.resent, string(env.payload))
}

func (r *recordingOwner) deliver(peer topology.NodeAddress, payload []byte) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.messages = append(r.messages, peer.String()+":"+string(payload))
}

func (r *recordingOwner) metricsSink() metrics.Sink { return metrics.NewBlackHoleSink() }

func (r *recordingOwner) counts() (int, int, int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.connected), len(r.closed), len(r.messages)
}

// sessionPair sets up a server session behind a listener and returns the
// dialed client stream.
func sessionPair(t *testing.T, server *recordingOwner) (streamfunk.Stream, chan *Session) {
	network := streamfunk.NewMemoryNetwork()
	transport := network.NewTransport()
	sessions := make(chan *Session, 1)
	require.NoError(t, transport.Listen(server.local.String(), func(stream streamfunk.Stream) {
		s := newServerSession(server, stream, 10, DropOldest)
		sessions <- s
		s.run()
	}))
	t.Cleanup(func() { transport.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stream, err := network.NewTransport().Dial(ctx, server.local.String())
	require.NoError(t, err)
	return stream, sessions
}

func TestSessionHandshake(t *testing.T) {
	assert := require.New(t)

	server := &recordingOwner{local: topology.NodeAddress{Host: "10.0.0.2", Port: 1000}}
	client := &recordingOwner{local: topology.NodeAddress{Host: "10.0.0.1", Port: 1000}}
	stream, sessions := sessionPair(t, server)

	c := newClientSession(client, "abc", server.local, stream, 10, DropOldest)
	assert.Equal(Connecting, c.State())
	assert.Equal(Client, c.Role())
	assert.NoError(c.handshake())
	assert.Equal(Connected, c.State())
	go c.run()

	s := <-sessions
	assert.Eventually(func() bool { return s.State() == Connected }, time.Second, 5*time.Millisecond)
	// The peer is the advertised address, not the transport address
	assert.Equal(client.local, s.Peer())
	assert.Equal(SessionID("abc"), s.ID())
	assert.Equal(Server, s.Role())

	assert.True(c.enqueue(envelope{payload: []byte("one")}))
	assert.True(c.enqueue(envelope{payload: []byte("two")}))
	assert.Eventually(func() bool {
		_, _, n := server.counts()
		return n == 2
	}, time.Second, 5*time.Millisecond)
	server.mutex.Lock()
	assert.Equal([]string{"10.0.0.1:1000:one", "10.0.0.1:1000:two"}, server.messages)
	server.mutex.Unlock()

	// Messages go both ways
	assert.True(s.enqueue(envelope{payload: []byte("back")}))
	assert.Eventually(func() bool {
		_, _, n := client.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	c.Close()
	assert.Equal(Closed, c.State())
	assert.False(c.enqueue(envelope{payload: []byte("late")}))

	assert.Eventually(func() bool {
		_, closed, _ := server.counts()
		return closed == 1 && s.State() == Closed
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(func() bool {
		_, closed, _ := client.counts()
		return closed == 1
	}, time.Second, 5*time.Millisecond)

	connected, _, _ := server.counts()
	assert.Equal(1, connected)
}

func TestSessionDuplicateHandshake(t *testing.T) {
	assert := require.New(t)

	server := &recordingOwner{local: topology.NodeAddress{Host: "10.0.0.2", Port: 1000}}
	stream, sessions := sessionPair(t, server)
	defer stream.Close()

	peer := topology.NodeAddress{Host: "10.0.0.1", Port: 1000}
	for i := 0; i < 2; i++ {
		hs := NewHandshake(peer, "abc")
		buf, err := hs.MarshalBinary()
		assert.NoError(err)
		assert.NoError(stream.Send(buf))
	}
	data := NewData([]byte("x"))
	buf, err := data.MarshalBinary()
	assert.NoError(err)
	assert.NoError(stream.Send(buf))

	s := <-sessions
	assert.Eventually(func() bool {
		connected, _, messages := server.counts()
		return connected == 1 && messages == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(Connected, s.State())
}

func TestSessionHandshakeViolation(t *testing.T) {
	assert := require.New(t)

	server := &recordingOwner{local: topology.NodeAddress{Host: "10.0.0.2", Port: 1000}}
	stream, sessions := sessionPair(t, server)
	defer stream.Close()

	data := NewData([]byte("too early"))
	buf, err := data.MarshalBinary()
	assert.NoError(err)
	assert.NoError(stream.Send(buf))

	_, err = stream.Recv()
	assert.Equal(io.EOF, err)

	s := <-sessions
	assert.Eventually(func() bool { return s.State() == Closed }, time.Second, 5*time.Millisecond)
	assert.True(errors.Is(s.Err(), ErrHandshakeViolation))

	connected, closed, messages := server.counts()
	assert.Equal(0, connected)
	assert.Equal(0, closed)
	assert.Equal(0, messages)
}

func TestSessionRejectedByOwner(t *testing.T) {
	assert := require.New(t)

	server := &recordingOwner{
		local:  topology.NodeAddress{Host: "10.0.0.2", Port: 1000},
		reject: ErrStopped,
	}
	stream, sessions := sessionPair(t, server)
	defer stream.Close()

	hs := NewHandshake(topology.NodeAddress{Host: "10.0.0.1", Port: 1000}, "abc")
	buf, err := hs.MarshalBinary()
	assert.NoError(err)
	assert.NoError(stream.Send(buf))

	s := <-sessions
	assert.Eventually(func() bool { return s.State() == Closed }, time.Second, 5*time.Millisecond)
	assert.True(errors.Is(s.Err(), ErrStopped))
}

func TestSessionTakeUndelivered(t *testing.T) {
	assert := require.New(t)

	owner := &recordingOwner{local: topology.NodeAddress{Host: "10.0.0.1", Port: 1000}}
	// No writer is running so everything stays in the outbox
	s := newClientSession(owner, "abc", topology.NodeAddress{Host: "10.0.0.2", Port: 1000}, nil, 2, DropOldest)

	var dropped []string
	cb := func(msg string) DeliveryFunc {
		return func(peer topology.NodeAddress, err error) {
			if errors.Is(err, ErrQueueOverflow) {
				dropped = append(dropped, msg)
			}
		}
	}
	assert.True(s.enqueue(envelope{payload: []byte("a"), done: cb("a")}))
	assert.True(s.enqueue(envelope{payload: []byte("b"), done: cb("b")}))
	assert.True(s.enqueue(envelope{payload: []byte("c"), done: cb("c")}))
	assert.Equal([]string{"a"}, dropped)

	assert.Equal([]string{"b", "c"}, payloads(s.takeUndelivered()))
	assert.False(s.enqueue(envelope{payload: []byte("d")}))
}

func TestSessionRequeue(t *testing.T) {
	assert := require.New(t)

	owner := &recordingOwner{local: topology.NodeAddress{Host: "10.0.0.1", Port: 1000}}
	s := newClientSession(owner, "abc", topology.NodeAddress{Host: "10.0.0.2", Port: 1000}, nil, 10, DropOldest)

	assert.True(s.enqueue(envelope{payload: []byte("b")}))
	// A failed write goes back to the head of the outbox
	s.requeue(envelope{payload: []byte("a")})
	assert.Equal([]string{"a", "b"}, payloads(s.takeUndelivered()))

	// Once the outbox is taken the owner gets the envelope back
	var failed []error
	s.requeue(envelope{payload: []byte("c"), done: func(_ topology.NodeAddress, err error) {
		failed = append(failed, err)
	}})
	assert.Empty(failed)
	owner.mutex.Lock()
	assert.Equal([]string{"c"}, owner.resent)
	owner.mutex.Unlock()
}

func TestRoleAndStateNames(t *testing.T) {
	assert := require.New(t)
	assert.Equal("Client", Client.String())
	assert.Equal("Server", Server.String())
	assert.Equal("Connected", Connected.String())
	assert.Panics(func() { _ = Role(7).String() })
	assert.Panics(func() { _ = State(7).String() })
}
