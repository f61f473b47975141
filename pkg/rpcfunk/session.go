package rpcfunk

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
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lab5e/meshfunk/pkg/funk/metrics"
	"github.com/lab5e/meshfunk/pkg/funk/topology"
	"github.com/lab5e/meshfunk/pkg/streamfunk"
)

// Role is the role of the local end of a session
type Role int

// Session roles
const (
	Client Role = iota // the local node opened the stream
	Server             // the remote node opened the stream
)

func (r Role) String() string {
	switch r {
	case Client:
		return "Client"
	case Server:
		return "Server"
	default:
		panic(fmt.Sprintf("Unknown role: %d", r))
	}
}

// State is the session state
type State int32

// Session states. Closed is terminal.
const (
	Connecting State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		panic(fmt.Sprintf("Unknown state: %d", s))
	}
}

// closeTimeout is how long a closing session waits for the remote end to
// complete its half of the stream before the stream is released.
const closeTimeout = 2 * time.Second

// sessionOwner receives session notifications
type sessionOwner interface {
	localAddress() topology.NodeAddress
	sessionConnected(s *Session) error
	sessionClosed(s *Session, err error)
	resend(peer topology.NodeAddress, env envelope)
	deliver(peer topology.NodeAddress, payload []byte)
	metricsSink() metrics.Sink
}

// Session is a duplex channel to a single peer. The peer address and
// session ID are fixed once the session is connected.
type Session struct {
	id         SessionID
	peer       topology.NodeAddress
	role       Role
	state      atomic.Int32
	stream     streamfunk.Stream
	owner      sessionOwner
	writeMutex sync.Mutex // serializes writes to the stream
	outMutex   sync.Mutex // guards outbox and sealed
	outbox     *queue
	sealed     bool
	signal     chan struct{}
	done       chan struct{}
	readerDone chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

func newSession(owner sessionOwner, role Role, stream streamfunk.Stream, limit int, policy OverflowPolicy) *Session {
	ret := &Session{
		role:       role,
		stream:     stream,
		owner:      owner,
		outbox:     newQueue(limit, policy),
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	ret.state.Store(int32(Connecting))
	return ret
}

func newClientSession(owner sessionOwner, id SessionID, peer topology.NodeAddress, stream streamfunk.Stream, limit int, policy OverflowPolicy) *Session {
	ret := newSession(owner, Client, stream, limit, policy)
	ret.id = id
	ret.peer = peer
	return ret
}

func newServerSession(owner sessionOwner, stream streamfunk.Stream, limit int, policy OverflowPolicy) *Session {
	return newSession(owner, Server, stream, limit, policy)
}

// ID returns the session ID. Server sessions get their ID from the handshake.
func (s *Session) ID() SessionID {
	return s.id
}

// Peer returns the advertised address of the remote node
func (s *Session) Peer() topology.NodeAddress {
	return s.peer
}

// Role returns the session's role
func (s *Session) Role() Role {
	return s.role
}

// State returns the current state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns the error that closed the session, if any
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

func (s *Session) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"peer":    s.peer.String(),
		"session": s.id,
		"role":    s.role.String(),
	})
}

// handshake sends the handshake frame and marks the session as connected.
// Only client sessions send handshakes.
func (s *Session) handshake() error {
	frame := NewHandshake(s.owner.localAddress(), s.id)
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	err = s.stream.Send(buf)
	s.writeMutex.Unlock()
	if err != nil {
		return err
	}
	s.connected()
	return nil
}

func (s *Session) connected() {
	if s.state.CompareAndSwap(int32(Connecting), int32(Connected)) {
		go s.writer()
		return
	}
	close(s.writerDone)
}

// run reads from the stream until it fails or completes. The owner is
// notified when the session closes if it was connected, after the writer
// has stopped so a write that fails is back in the outbox.
func (s *Session) run() {
	defer close(s.readerDone)
	wasConnected := s.role == Client
	var err error
	for {
		var buf []byte
		buf, err = s.stream.Recv()
		if err != nil {
			break
		}
		frame := Frame{}
		if err = frame.UnmarshalBinary(buf); err != nil {
			break
		}
		if !wasConnected {
			if frame.Type != HandshakeFrame {
				err = fmt.Errorf("%w: got %s frame before handshake", ErrHandshakeViolation, frame.Type)
				break
			}
			s.peer = frame.Address
			s.id = frame.SessionID
			s.connected()
			wasConnected = true
			if err = s.owner.sessionConnected(s); err != nil {
				break
			}
			continue
		}
		if frame.Type == HandshakeFrame {
			s.logger().Debug("Ignoring handshake on connected session")
			continue
		}
		s.owner.deliver(s.peer, frame.Payload)
	}

	if errors.Is(err, io.EOF) {
		err = nil
	}
	if s.markClosed(err) {
		// Complete our half unless a write is in progress
		if s.writeMutex.TryLock() {
			if cerr := s.stream.CloseSend(); cerr != nil {
				s.logger().WithError(cerr).Debug("CloseSend failed")
			}
			s.writeMutex.Unlock()
		}
	}
	s.stream.Close()

	if !wasConnected {
		s.owner.metricsSink().SessionEvent(metrics.SessionRejected)
		log.WithError(err).WithField("remote", s.stream.RemoteAddr()).Warning("Inbound stream closed before handshake")
		return
	}
	<-s.writerDone
	s.owner.sessionClosed(s, s.closeErr)
}

// markClosed sets the state to closed. It returns true the first time.
func (s *Session) markClosed(err error) bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.closeErr = err
		s.state.Store(int32(Closed))
		close(s.done)
	})
	return first
}

// Close closes the session. The outbound half is completed first and the
// stream is released when the remote end completes or after a timeout.
// Close never blocks.
func (s *Session) Close() {
	if !s.markClosed(ErrSessionClosed) {
		return
	}
	go func() {
		release := time.AfterFunc(closeTimeout, func() { s.stream.Close() })
		defer release.Stop()

		s.writeMutex.Lock()
		if err := s.stream.CloseSend(); err != nil {
			s.logger().WithError(err).Debug("CloseSend failed")
		}
		s.writeMutex.Unlock()

		select {
		case <-s.readerDone:
		case <-time.After(closeTimeout):
		}
		s.stream.Close()
	}()
}

// enqueue adds an envelope to the outbox. It returns false if the session
// doesn't accept more messages.
func (s *Session) enqueue(env envelope) bool {
	s.outMutex.Lock()
	if s.sealed || s.State() == Closed {
		s.outMutex.Unlock()
		return false
	}
	dropped, overflow := s.outbox.push(env)
	s.outMutex.Unlock()

	if overflow {
		s.owner.metricsSink().MessageDropped(s.peer.String())
		dropped.complete(s.peer, ErrQueueOverflow)
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

// takeUndelivered seals the outbox and returns everything that hasn't been
// written yet.
func (s *Session) takeUndelivered() []envelope {
	s.outMutex.Lock()
	defer s.outMutex.Unlock()
	s.sealed = true
	return s.outbox.drain()
}

func (s *Session) next() (envelope, bool) {
	s.outMutex.Lock()
	defer s.outMutex.Unlock()
	return s.outbox.pop()
}

// requeue puts an envelope that failed to write back in the outbox. If the
// owner has taken the outbox already the envelope goes back to the owner.
func (s *Session) requeue(env envelope) {
	s.outMutex.Lock()
	if s.sealed {
		s.outMutex.Unlock()
		s.owner.resend(s.peer, env)
		return
	}
	dropped := s.outbox.pushFront([]envelope{env})
	s.outMutex.Unlock()
	for _, e := range dropped {
		s.owner.metricsSink().MessageDropped(s.peer.String())
		e.complete(s.peer, ErrQueueOverflow)
	}
}

// writer is the single writer for the session
func (s *Session) writer() {
	defer close(s.writerDone)
	sink := s.owner.metricsSink()
	for {
		select {
		case <-s.signal:
		case <-s.done:
			return
		}
		for {
			env, ok := s.next()
			if !ok {
				break
			}
			frame := NewData(env.payload)
			buf, err := frame.MarshalBinary()
			if err != nil {
				env.complete(s.peer, err)
				continue
			}
			s.writeMutex.Lock()
			if s.State() == Closed {
				s.writeMutex.Unlock()
				s.requeue(env)
				return
			}
			err = s.stream.Send(buf)
			s.writeMutex.Unlock()
			if err != nil {
				s.requeue(env)
				s.logger().WithError(err).Info("Write failed, closing session")
				s.markClosed(err)
				s.stream.Close()
				return
			}
			sink.MessageSent(s.peer.String())
			env.complete(s.peer, nil)
		}
	}
}
