package streamfunk

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryNetwork is an in-process network for tests. Each node gets its own
// transport through NewTransport, and streams are pairs of unbuffered
// channels.
type MemoryNetwork struct {
	mutex     sync.Mutex
	listeners map[string]AcceptFunc
	pipes     map[string][]*memoryPipe
	sequence  int
}

// NewMemoryNetwork creates an empty network
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		listeners: make(map[string]AcceptFunc),
		pipes:     make(map[string][]*memoryPipe),
	}
}

// NewTransport returns a transport attached to the network
func (n *MemoryNetwork) NewTransport() Transport {
	return &memoryTransport{network: n}
}

// Break tears down every stream that was dialed to the endpoint, simulating
// a network failure. The listener is left running.
func (n *MemoryNetwork) Break(endpoint string) {
	n.mutex.Lock()
	pipes := n.pipes[endpoint]
	delete(n.pipes, endpoint)
	n.mutex.Unlock()
	for _, p := range pipes {
		p.breakPipe()
	}
}

func (n *MemoryNetwork) listen(endpoint string, accept AcceptFunc) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if _, exists := n.listeners[endpoint]; exists {
		return fmt.Errorf("%s is already in use", endpoint)
	}
	n.listeners[endpoint] = accept
	return nil
}

func (n *MemoryNetwork) unlisten(endpoint string) {
	n.mutex.Lock()
	delete(n.listeners, endpoint)
	n.mutex.Unlock()
	n.Break(endpoint)
}

func (n *MemoryNetwork) dial(ctx context.Context, address string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mutex.Lock()
	accept, ok := n.listeners[address]
	if !ok {
		n.mutex.Unlock()
		return nil, fmt.Errorf("connection refused: %s", address)
	}
	n.sequence++
	p := newMemoryPipe()
	n.pipes[address] = append(n.pipes[address], p)
	client := fmt.Sprintf("mem-%d", n.sequence)
	n.mutex.Unlock()

	server := p.serverEnd(client)
	go func() {
		defer server.Close()
		accept(server)
	}()
	return p.clientEnd(address), nil
}

type memoryTransport struct {
	network  *MemoryNetwork
	mutex    sync.Mutex
	endpoint string
}

func (m *memoryTransport) Dial(ctx context.Context, address string) (Stream, error) {
	return m.network.dial(ctx, address)
}

func (m *memoryTransport) Listen(endpoint string, accept AcceptFunc) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.network.listen(endpoint, accept); err != nil {
		return err
	}
	m.endpoint = endpoint
	return nil
}

func (m *memoryTransport) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.endpoint != "" {
		m.network.unlisten(m.endpoint)
		m.endpoint = ""
	}
	return nil
}

// memoryPipe is a pair of one-way channels. Each direction is completed
// independently by closing its done channel; broken tears down both.
type memoryPipe struct {
	toServer   chan []byte
	toClient   chan []byte
	clientDone chan struct{}
	serverDone chan struct{}
	broken     chan struct{}
	clientOnce sync.Once
	serverOnce sync.Once
	brokenOnce sync.Once
}

func newMemoryPipe() *memoryPipe {
	return &memoryPipe{
		toServer:   make(chan []byte),
		toClient:   make(chan []byte),
		clientDone: make(chan struct{}),
		serverDone: make(chan struct{}),
		broken:     make(chan struct{}),
	}
}

func (p *memoryPipe) breakPipe() {
	p.brokenOnce.Do(func() { close(p.broken) })
}

func (p *memoryPipe) clientEnd(remote string) *memoryStream {
	return &memoryStream{
		pipe:     p,
		in:       p.toClient,
		out:      p.toServer,
		peerDone: p.serverDone,
		done:     p.clientDone,
		once:     &p.clientOnce,
		remote:   remote,
	}
}

func (p *memoryPipe) serverEnd(remote string) *memoryStream {
	return &memoryStream{
		pipe:     p,
		in:       p.toServer,
		out:      p.toClient,
		peerDone: p.clientDone,
		done:     p.serverDone,
		once:     &p.serverOnce,
		remote:   remote,
	}
}

type memoryStream struct {
	pipe     *memoryPipe
	in       <-chan []byte
	out      chan<- []byte
	peerDone <-chan struct{}
	done     chan struct{}
	once     *sync.Once
	remote   string
}

func (m *memoryStream) Send(data []byte) error {
	buf := append([]byte(nil), data...)
	select {
	case <-m.done:
		return ErrClosed
	case <-m.pipe.broken:
		return io.ErrClosedPipe
	default:
	}
	select {
	case m.out <- buf:
		return nil
	case <-m.done:
		return ErrClosed
	case <-m.pipe.broken:
		return io.ErrClosedPipe
	}
}

func (m *memoryStream) Recv() ([]byte, error) {
	// Sends are synchronous so nothing is in flight once peerDone is closed.
	select {
	case data := <-m.in:
		return data, nil
	case <-m.peerDone:
		return nil, io.EOF
	case <-m.pipe.broken:
		select {
		case <-m.peerDone:
			// completed before the pipe was released
			return nil, io.EOF
		default:
			return nil, io.ErrClosedPipe
		}
	}
}

func (m *memoryStream) CloseSend() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *memoryStream) Close() error {
	m.CloseSend()
	m.pipe.breakPipe()
	return nil
}

func (m *memoryStream) RemoteAddr() string {
	return m.remote
}
