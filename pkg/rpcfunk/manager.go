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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dogmatiq/linger"
	log "github.com/sirupsen/logrus"

	"github.com/lab5e/meshfunk/pkg/funk/metrics"
	"github.com/lab5e/meshfunk/pkg/funk/topology"
	"github.com/lab5e/meshfunk/pkg/streamfunk"
)

// MessageHandler receives data frames from peers. It runs on the session's
// reader goroutine; messages from one peer arrive in order.
type MessageHandler func(peer topology.NodeAddress, payload []byte)

// Default values for the manager configuration
const (
	DefaultQueueLimit        = 1024
	DefaultReconnectDelay    = 250 * time.Millisecond
	DefaultMaxReconnectDelay = 30 * time.Second
	DefaultDialTimeout       = 5 * time.Second
	mailboxSize              = 1024
)

// Config is the session manager configuration
type Config struct {
	Local             topology.NodeAddress // the advertised address of this node
	Dialer            streamfunk.Dialer
	Handler           MessageHandler
	QueueLimit        int            // limit for each pending queue and outbox
	Overflow          OverflowPolicy // what to do when a queue is full
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	DialTimeout       time.Duration
	Metrics           metrics.Sink
}

func (c *Config) setDefaults() {
	if c.QueueLimit < 1 {
		c.QueueLimit = DefaultQueueLimit
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
		if c.MaxReconnectDelay < c.ReconnectDelay {
			c.MaxReconnectDelay = c.ReconnectDelay
		}
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewBlackHoleSink()
	}
	if c.Handler == nil {
		c.Handler = func(topology.NodeAddress, []byte) {}
	}
}

// SessionInfo describes a connected session
type SessionInfo struct {
	ID   SessionID
	Role Role
}

// Stats is a point in time view of the manager's state
type Stats struct {
	Sessions     map[topology.NodeAddress]SessionInfo
	Pending      map[topology.NodeAddress]int
	Known        []topology.NodeAddress
	Dialing      []topology.NodeAddress
	Reconnecting []topology.NodeAddress
}

// PendingTotal returns the number of queued messages for all peers
func (s Stats) PendingTotal() int {
	ret := 0
	for _, n := range s.Pending {
		ret += n
	}
	return ret
}

// command is the set of messages handled by the manager's lane
type command interface {
	isCommand()
}

type topologyChanged struct {
	added   []topology.NodeAddress
	removed []topology.NodeAddress
}

type sessionConnected struct {
	session *Session
	reply   chan error
}

type sessionClosed struct {
	session *Session
	err     error
}

type dialFailed struct {
	peer topology.NodeAddress
	err  error
}

type sendRequest struct {
	target topology.NodeAddress
	env    envelope
}

type broadcastRequest struct {
	env envelope
}

type reconnectDue struct {
	peer       topology.NodeAddress
	generation uint64
}

type statsRequest struct {
	reply chan Stats
}

func (topologyChanged) isCommand()  {}
func (sessionConnected) isCommand() {}
func (sessionClosed) isCommand()    {}
func (dialFailed) isCommand()       {}
func (sendRequest) isCommand()      {}
func (broadcastRequest) isCommand() {}
func (reconnectDue) isCommand()     {}
func (statsRequest) isCommand()     {}

type retryTimer struct {
	timer      *time.Timer
	generation uint64
}

// Manager owns the sessions to the other nodes in the cluster and the
// queues of messages waiting for a session. All state is owned by the
// goroutine in Run; the exported methods post commands to it.
type Manager struct {
	cfg      Config
	mailbox  chan command
	done     chan struct{}
	postLock sync.RWMutex
	stopped  bool
	runOnce  sync.Once

	// Owned by the lane
	ctx        context.Context
	known      map[topology.NodeAddress]bool
	removed    map[topology.NodeAddress]bool
	sessions   map[topology.NodeAddress]*Session
	pending    map[topology.NodeAddress]*queue
	dialing    map[topology.NodeAddress]context.CancelFunc
	retries    map[topology.NodeAddress]retryTimer
	attempts   map[topology.NodeAddress]int
	ids        map[topology.NodeAddress]SessionID
	generation uint64
}

// NewManager creates a new session manager. Call Run to start it.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Local.IsZero() {
		return nil, fmt.Errorf("local address is required")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	cfg.setDefaults()
	return &Manager{
		cfg:      cfg,
		mailbox:  make(chan command, mailboxSize),
		done:     make(chan struct{}),
		known:    make(map[topology.NodeAddress]bool),
		removed:  make(map[topology.NodeAddress]bool),
		sessions: make(map[topology.NodeAddress]*Session),
		pending:  make(map[topology.NodeAddress]*queue),
		dialing:  make(map[topology.NodeAddress]context.CancelFunc),
		retries:  make(map[topology.NodeAddress]retryTimer),
		attempts: make(map[topology.NodeAddress]int),
		ids:      make(map[topology.NodeAddress]SessionID),
	}, nil
}

// Local returns the local node's address
func (m *Manager) Local() topology.NodeAddress {
	return m.cfg.Local
}

// Done is closed when the manager has stopped
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// post puts a command in the mailbox. It returns false if the manager has
// stopped.
func (m *Manager) post(ctx context.Context, cmd command) bool {
	m.postLock.RLock()
	defer m.postLock.RUnlock()
	if m.stopped {
		return false
	}
	select {
	case m.mailbox <- cmd:
		return true
	case <-m.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// TopologyChanged tells the manager about nodes joining and leaving
func (m *Manager) TopologyChanged(added, removed []topology.NodeAddress) {
	m.post(context.Background(), topologyChanged{added: added, removed: removed})
}

// Send sends a payload to the target. Messages for a target without a
// session are queued until a session is connected. Messages for a target
// that has been removed from the topology fail with ErrPeerRemoved. The
// callback is invoked once the message is written or has failed. Sending to
// the local node invokes the handler directly.
func (m *Manager) Send(ctx context.Context, target topology.NodeAddress, payload []byte, cb DeliveryFunc) error {
	env := envelope{payload: payload, done: cb}
	if target == m.cfg.Local {
		m.cfg.Handler(target, payload)
		env.complete(target, nil)
		return nil
	}
	if !m.post(ctx, sendRequest{target: target, env: env}) {
		return m.postError(ctx)
	}
	return nil
}

// Broadcast sends the payload once to every known peer. The callback is
// invoked once per peer.
func (m *Manager) Broadcast(ctx context.Context, payload []byte, cb DeliveryFunc) error {
	if !m.post(ctx, broadcastRequest{env: envelope{payload: payload, done: cb}}) {
		return m.postError(ctx)
	}
	return nil
}

// Stats returns the current state of the manager
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if !m.post(ctx, statsRequest{reply: reply}) {
		return Stats{}, m.postError(ctx)
	}
	select {
	case ret := <-reply:
		return ret, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (m *Manager) postError(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrStopped
}

// Accept runs a server session on an inbound stream. It returns when the
// session is closed.
func (m *Manager) Accept(stream streamfunk.Stream) {
	select {
	case <-m.done:
		stream.Close()
		return
	default:
	}
	s := newServerSession(m, stream, m.cfg.QueueLimit, m.cfg.Overflow)
	s.run()
}

// Run runs the manager until the context is cancelled. It can only be
// called once.
func (m *Manager) Run(ctx context.Context) error {
	started := false
	m.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("session manager is already running")
	}
	m.ctx = ctx
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-m.mailbox:
			m.handle(cmd)
			m.updateGauges()
		}
	}
}

func (m *Manager) handle(cmd command) {
	switch c := cmd.(type) {
	case topologyChanged:
		m.onTopologyChanged(c.added, c.removed)
	case sessionConnected:
		c.reply <- m.onSessionConnected(c.session)
	case sessionClosed:
		m.onSessionClosed(c.session, c.err)
	case dialFailed:
		m.onDialFailed(c.peer, c.err)
	case sendRequest:
		m.onSend(c.target, c.env)
	case broadcastRequest:
		m.onBroadcast(c.env)
	case reconnectDue:
		m.onReconnectDue(c.peer, c.generation)
	case statsRequest:
		c.reply <- m.stats()
	default:
		panic(fmt.Sprintf("Unknown command: %T", cmd))
	}
}

func (m *Manager) updateGauges() {
	m.cfg.Metrics.SetSessionCount(len(m.sessions))
	total := 0
	for _, q := range m.pending {
		total += q.len()
	}
	m.cfg.Metrics.SetPendingCount(total)
}

func (m *Manager) onTopologyChanged(added, removed []topology.NodeAddress) {
	for _, peer := range removed {
		if peer == m.cfg.Local {
			continue
		}
		m.removePeer(peer)
	}
	for _, peer := range added {
		if peer == m.cfg.Local || m.known[peer] {
			continue
		}
		m.known[peer] = true
		delete(m.removed, peer)
		log.WithField("peer", peer.String()).Debug("Peer added")
		if m.cfg.Local.Less(peer) {
			m.connect(peer)
		}
	}
}

func (m *Manager) removePeer(peer topology.NodeAddress) {
	delete(m.known, peer)
	m.removed[peer] = true
	m.cancelReconnect(peer)
	if cancel, ok := m.dialing[peer]; ok {
		cancel()
		delete(m.dialing, peer)
	}
	if s, ok := m.sessions[peer]; ok {
		delete(m.sessions, peer)
		s.Close()
		m.fail(peer, s.takeUndelivered(), ErrPeerRemoved)
	}
	if q, ok := m.pending[peer]; ok {
		delete(m.pending, peer)
		m.fail(peer, q.drain(), ErrPeerRemoved)
	}
	delete(m.ids, peer)
	delete(m.attempts, peer)
	log.WithField("peer", peer.String()).Debug("Peer removed")
}

func (m *Manager) fail(peer topology.NodeAddress, envs []envelope, err error) {
	for _, env := range envs {
		env.complete(peer, err)
	}
}

// connect starts dialing the peer unless there's a session or a dial in
// progress.
func (m *Manager) connect(peer topology.NodeAddress) {
	if _, ok := m.sessions[peer]; ok {
		return
	}
	if _, ok := m.dialing[peer]; ok {
		return
	}
	id, ok := m.ids[peer]
	if !ok {
		id = NewSessionID()
		m.ids[peer] = id
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.dialing[peer] = cancel
	go m.dial(ctx, cancel, peer, id)
}

// dial runs outside the lane
func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, peer topology.NodeAddress, id SessionID) {
	logger := log.WithFields(log.Fields{"peer": peer.String(), "session": id})
	dialCtx, dialCancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	stream, err := m.cfg.Dialer.Dial(dialCtx, peer.String())
	dialCancel()
	if err != nil {
		m.cfg.Metrics.SessionEvent(metrics.SessionDialError)
		logger.WithError(err).Info("Unable to dial peer")
		m.post(context.Background(), dialFailed{peer: peer, err: err})
		return
	}
	s := newClientSession(m, id, peer, stream, m.cfg.QueueLimit, m.cfg.Overflow)
	if err := s.handshake(); err != nil {
		stream.Close()
		m.cfg.Metrics.SessionEvent(metrics.SessionDialError)
		logger.WithError(err).Info("Handshake failed")
		m.post(context.Background(), dialFailed{peer: peer, err: err})
		return
	}
	if ctx.Err() != nil {
		// The peer was removed while dialing
		s.Close()
		return
	}
	if err := m.sessionConnected(s); err != nil {
		s.Close()
		return
	}
	go s.run()
}

// sessionConnected is called by sessions when they are connected. Server
// sessions call this from their reader.
func (m *Manager) sessionConnected(s *Session) error {
	reply := make(chan error, 1)
	if !m.post(context.Background(), sessionConnected{session: s, reply: reply}) {
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrStopped
	}
}

func (m *Manager) sessionClosed(s *Session, err error) {
	m.post(context.Background(), sessionClosed{session: s, err: err})
}

// resend takes an envelope back from a session that has been retired while
// the envelope was being written.
func (m *Manager) resend(peer topology.NodeAddress, env envelope) {
	if !m.post(context.Background(), sendRequest{target: peer, env: env}) {
		env.complete(peer, ErrStopped)
	}
}

func (m *Manager) deliver(peer topology.NodeAddress, payload []byte) {
	m.cfg.Handler(peer, payload)
}

func (m *Manager) localAddress() topology.NodeAddress {
	return m.cfg.Local
}

func (m *Manager) metricsSink() metrics.Sink {
	return m.cfg.Metrics
}

func (m *Manager) onSessionConnected(s *Session) error {
	peer := s.Peer()
	logger := s.logger()
	if s.Role() == Client {
		delete(m.dialing, peer)
		if !m.known[peer] {
			logger.Debug("Peer removed while connecting")
			return ErrPeerRemoved
		}
		m.attempts[peer] = 0
	} else if m.known[peer] {
		m.ids[peer] = s.ID()
	} else {
		// Membership is owned by the topology. The session carries traffic
		// but nothing is queued for the peer once it closes.
		logger.Debug("Inbound session from peer outside the topology")
	}

	if old, ok := m.sessions[peer]; ok && old != s {
		logger.WithField("old", old.ID()).Info("Replacing existing session")
		delete(m.sessions, peer)
		old.Close()
		s.enqueueAll(old.takeUndelivered())
	}
	m.sessions[peer] = s
	m.cancelReconnect(peer)
	m.cfg.Metrics.SessionEvent(metrics.SessionConnected)
	logger.Info("Session connected")

	if q, ok := m.pending[peer]; ok {
		delete(m.pending, peer)
		for _, env := range q.drain() {
			if !s.enqueue(env) {
				m.enqueuePending(peer, env)
			}
		}
	}
	return nil
}

// enqueueAll moves envelopes into the outbox. Envelopes that are rejected
// fail.
func (s *Session) enqueueAll(envs []envelope) {
	for _, env := range envs {
		if !s.enqueue(env) {
			env.complete(s.peer, ErrSessionClosed)
		}
	}
}

func (m *Manager) onSessionClosed(s *Session, err error) {
	peer := s.Peer()
	logger := s.logger()
	registered := m.sessions[peer] == s
	if registered {
		delete(m.sessions, peer)
	}
	m.cfg.Metrics.SessionEvent(metrics.SessionClosed)
	if err != nil {
		logger.WithError(err).Info("Session closed")
	} else {
		logger.Info("Session closed")
	}

	leftovers := s.takeUndelivered()
	if other, ok := m.sessions[peer]; ok {
		other.enqueueAll(leftovers)
	} else if m.known[peer] {
		if len(leftovers) > 0 {
			q := m.pendingQueue(peer)
			for _, env := range q.pushFront(leftovers) {
				m.cfg.Metrics.MessageDropped(peer.String())
				env.complete(peer, ErrQueueOverflow)
			}
		}
	} else {
		m.fail(peer, leftovers, ErrPeerRemoved)
	}

	if registered && s.Role() == Client && m.known[peer] {
		m.scheduleReconnect(peer)
	}
}

func (m *Manager) onDialFailed(peer topology.NodeAddress, err error) {
	delete(m.dialing, peer)
	if !m.known[peer] {
		return
	}
	log.WithError(err).WithField("peer", peer.String()).Debug("Dial failed")
	m.scheduleReconnect(peer)
}

func (m *Manager) scheduleReconnect(peer topology.NodeAddress) {
	m.cancelReconnect(peer)
	attempt := m.attempts[peer]
	m.attempts[peer] = attempt + 1

	delay := m.cfg.ReconnectDelay
	for i := 0; i < attempt && delay < m.cfg.MaxReconnectDelay; i++ {
		delay *= 2
	}
	if delay > m.cfg.MaxReconnectDelay {
		delay = m.cfg.MaxReconnectDelay
	}
	delay = delay/2 + linger.FullJitter(delay/2)

	m.generation++
	generation := m.generation
	m.retries[peer] = retryTimer{
		generation: generation,
		timer: time.AfterFunc(delay, func() {
			m.post(context.Background(), reconnectDue{peer: peer, generation: generation})
		}),
	}
	m.cfg.Metrics.SessionEvent(metrics.SessionReconnect)
	log.WithFields(log.Fields{
		"peer":    peer.String(),
		"attempt": attempt + 1,
		"delay":   delay,
	}).Debug("Reconnect scheduled")
}

func (m *Manager) cancelReconnect(peer topology.NodeAddress) {
	if r, ok := m.retries[peer]; ok {
		r.timer.Stop()
		delete(m.retries, peer)
	}
}

func (m *Manager) onReconnectDue(peer topology.NodeAddress, generation uint64) {
	r, ok := m.retries[peer]
	if !ok || r.generation != generation {
		return
	}
	delete(m.retries, peer)
	if !m.known[peer] {
		return
	}
	m.connect(peer)
}

func (m *Manager) pendingQueue(peer topology.NodeAddress) *queue {
	q, ok := m.pending[peer]
	if !ok {
		q = newQueue(m.cfg.QueueLimit, m.cfg.Overflow)
		m.pending[peer] = q
	}
	return q
}

func (m *Manager) enqueuePending(peer topology.NodeAddress, env envelope) {
	dropped, overflow := m.pendingQueue(peer).push(env)
	m.cfg.Metrics.MessageQueued(peer.String())
	if overflow {
		m.cfg.Metrics.MessageDropped(peer.String())
		dropped.complete(peer, ErrQueueOverflow)
	}
}

func (m *Manager) onSend(target topology.NodeAddress, env envelope) {
	if s, ok := m.sessions[target]; ok && s.enqueue(env) {
		return
	}
	if m.removed[target] {
		env.complete(target, ErrPeerRemoved)
		return
	}
	m.enqueuePending(target, env)
}

func (m *Manager) onBroadcast(env envelope) {
	targets := make(map[topology.NodeAddress]bool)
	for peer := range m.sessions {
		targets[peer] = true
	}
	for peer := range m.known {
		targets[peer] = true
	}
	for peer := range m.pending {
		targets[peer] = true
	}
	for peer := range targets {
		m.onSend(peer, env)
	}
}

func (m *Manager) stats() Stats {
	ret := Stats{
		Sessions: make(map[topology.NodeAddress]SessionInfo),
		Pending:  make(map[topology.NodeAddress]int),
	}
	for peer, s := range m.sessions {
		ret.Sessions[peer] = SessionInfo{ID: s.ID(), Role: s.Role()}
	}
	for peer, q := range m.pending {
		if q.len() > 0 {
			ret.Pending[peer] = q.len()
		}
	}
	for peer := range m.known {
		ret.Known = append(ret.Known, peer)
	}
	for peer := range m.dialing {
		ret.Dialing = append(ret.Dialing, peer)
	}
	for peer := range m.retries {
		ret.Reconnecting = append(ret.Reconnecting, peer)
	}
	topology.SortAddresses(ret.Known)
	topology.SortAddresses(ret.Dialing)
	topology.SortAddresses(ret.Reconnecting)
	return ret
}

// shutdown closes all sessions and fails everything that's queued
func (m *Manager) shutdown() {
	close(m.done)
	m.postLock.Lock()
	m.stopped = true
	m.postLock.Unlock()

drain:
	for {
		select {
		case cmd := <-m.mailbox:
			m.abort(cmd)
		default:
			break drain
		}
	}

	for peer, cancel := range m.dialing {
		cancel()
		delete(m.dialing, peer)
	}
	for peer := range m.retries {
		m.cancelReconnect(peer)
	}
	for peer, s := range m.sessions {
		delete(m.sessions, peer)
		s.Close()
		m.fail(peer, s.takeUndelivered(), ErrStopped)
	}
	for peer, q := range m.pending {
		delete(m.pending, peer)
		m.fail(peer, q.drain(), ErrStopped)
	}
	m.known = make(map[topology.NodeAddress]bool)
	m.removed = make(map[topology.NodeAddress]bool)
	m.ids = make(map[topology.NodeAddress]SessionID)
	m.attempts = make(map[topology.NodeAddress]int)
	m.updateGauges()
	log.WithField("local", m.cfg.Local.String()).Info("Session manager stopped")
}

// abort handles a command that arrived after the manager stopped
func (m *Manager) abort(cmd command) {
	switch c := cmd.(type) {
	case topologyChanged, dialFailed, reconnectDue:
		// nothing to do
	case sessionConnected:
		c.reply <- ErrStopped
	case sessionClosed:
		m.fail(c.session.Peer(), c.session.takeUndelivered(), ErrStopped)
	case sendRequest:
		c.env.complete(c.target, ErrStopped)
	case broadcastRequest:
		c.env.complete(m.cfg.Local, ErrStopped)
	case statsRequest:
		c.reply <- Stats{}
	default:
		panic(fmt.Sprintf("Unknown command: %T", cmd))
	}
}
