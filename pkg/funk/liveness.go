package funk

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
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lab5e/meshfunk/pkg/funk/topology"
)

// LivenessChecker is a liveness checker. It does a (very simple) high frequency
// liveness check on nodes. If it fails more than a certain number of times an
// event is generated on the DeadEvents channel. Only a single subscriber is
// supported for each channel.
type LivenessChecker interface {
	// Add adds a new new check to the list. Nodes added as dead generate an
	// alive event once they respond.
	Add(id string, endpoint string, alive bool)

	// Remove removes a single checker
	Remove(id string)

	// DeadEvents returns the event channel. The ID from the Add method is
	// echoed on this channel when a client stops responding.
	DeadEvents() <-chan string

	// AliveEvents returns an event channel for alive events.
	AliveEvents() <-chan string

	// Clear removes all endpoint checks.
	Clear()

	// Shutdown shuts down the checker. The checker will no longer be in an
	// usable state after this.
	Shutdown()
}

// LocalLivenessEndpoint launches a local liveness client. The client will respond
// to (short) UDP packets by echoing back the packet on the same port.
// This is not a *health* check, just a liveness check if the node is
// reachable on the network.
type LocalLivenessEndpoint interface {
	Stop()
}

type udpLivenessClient struct {
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLivenessClient creates a new liveness endpoint with the specified
// port/address. Response is sent immediately
func NewLivenessClient(ep string) (LocalLivenessEndpoint, error) {
	conn, err := net.ListenPacket("udp", ep)
	if err != nil {
		return nil, err
	}
	ret := &udpLivenessClient{stopCh: make(chan struct{})}
	go ret.serve(conn)
	return ret, nil
}

// Stop will cause the liveness client to stop
func (u *udpLivenessClient) Stop() {
	u.stopOnce.Do(func() { close(u.stopCh) })
}

func (u *udpLivenessClient) serve(conn net.PacketConn) {
	buf := make([]byte, 2)
	defer conn.Close()
	for {
		select {
		case <-u.stopCh:
			return
		default:
		}
		if err := conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond)); err != nil {
			logrus.WithError(err).Warning("Can't set deadline for socket")
			time.Sleep(250 * time.Millisecond)
			continue
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			continue
		}
		// nolint Errors are detected by the checker on the other side.
		conn.WriteTo(buf[:n], addr)
	}
}

// This type checks a single client for liveness.
type singleChecker struct {
	deadCh    chan<- string
	aliveCh   chan<- string
	stopCh    chan struct{}
	stopOnce  *sync.Once
	maxErrors int
}

func newSingleChecker(id, endpoint string, alive bool, deadCh chan<- string, aliveCh chan<- string, interval time.Duration, retries int) singleChecker {
	ret := singleChecker{
		deadCh:    deadCh,
		aliveCh:   aliveCh,
		stopCh:    make(chan struct{}),
		stopOnce:  &sync.Once{},
		maxErrors: retries,
	}
	go ret.checkerProc(id, endpoint, alive, interval)
	return ret
}

// sleep waits for the interval. It returns false if the checker is stopped.
func (c *singleChecker) sleep(d time.Duration) bool {
	select {
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *singleChecker) notify(ch chan<- string, id string) bool {
	select {
	case ch <- id:
		return true
	case <-c.stopCh:
		return false
	}
}

func (c *singleChecker) checkerProc(id, endpoint string, alive bool, interval time.Duration) {
	buffer := make([]byte, 2)

	// The error counter counts up and down - when it reaches the limit (aka maxErrors)
	// the client is set to either alive (with negative errors, ie success) or dead
	// (ie errors is positive). A node that starts out as dead is reported
	// alive on the first response.
	errors := 0
	if !alive {
		errors = 1
	}
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	// The waiting interval is bumped up and down depending on the state. If the
	// client is alive it is set to the check interval and when it is dead the
	// check interval is 10 times higher.
	waitInterval := interval
	if !alive {
		waitInterval = 10 * interval
	}

	for {
		select {
		case <-c.stopCh:
			logrus.Debugf("Terminating liveness checker to %s", endpoint)
			return
		default:
			// keep on running
		}
		if alive && errors >= c.maxErrors {
			alive = false
			if !c.notify(c.deadCh, id) {
				return
			}
			waitInterval = 10 * interval
		}
		if !alive && errors <= 0 {
			alive = true
			if !c.notify(c.aliveCh, id) {
				return
			}
			waitInterval = interval
		}

		if conn == nil {
			d := net.Dialer{Timeout: interval}
			var err error
			conn, err = d.Dial("udp", endpoint)
			if err != nil {
				// Usually this wil work just fine, it's the write that will fail
				// but you can never be too sure.
				conn = nil
				errors++
				if !c.sleep(waitInterval) {
					return
				}
				continue
			}
		}

		waitCh := time.After(waitInterval)
		ok := c.ping(conn, buffer, interval)
		if !ok {
			errors++
			if errors > c.maxErrors {
				errors = c.maxErrors
			}
			conn.Close()
			conn = nil
			if !c.sleep(waitInterval) {
				return
			}
			continue
		}
		errors--
		if errors < -c.maxErrors {
			errors = -c.maxErrors
		}
		select {
		case <-waitCh:
		case <-c.stopCh:
			return
		}
	}
}

// ping writes a short packet and waits for the echo
func (c *singleChecker) ping(conn net.Conn, buffer []byte, timeout time.Duration) bool {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		logrus.WithError(err).Warning("Can't set deadline for liveness check socket")
		return false
	}
	// Writes will usually succeed since UDP is a black hole but
	// this *might* fail.
	if _, err := conn.Write([]byte("Yo")); err != nil {
		return false
	}
	// This will fail if the client is dead.
	_, err := conn.Read(buffer)
	return err == nil
}

func (c *singleChecker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// this is the liveness checker type that implements the LivenessChecker
// interface.
type livenessChecker struct {
	mutex       sync.Mutex
	checkers    map[string]singleChecker
	deadEvents  chan string
	aliveEvents chan string
	retries     int
	interval    time.Duration
}

// NewLivenessChecker is a type that checks hosts for liveness
func NewLivenessChecker(interval time.Duration, retries int) LivenessChecker {
	return &livenessChecker{
		interval:    interval,
		retries:     retries,
		checkers:    make(map[string]singleChecker),
		deadEvents:  make(chan string, 10),
		aliveEvents: make(chan string, 10),
	}
}

func (l *livenessChecker) Add(id string, endpoint string, alive bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if existing, ok := l.checkers[id]; ok {
		existing.Stop()
	}
	l.checkers[id] = newSingleChecker(id, endpoint, alive, l.deadEvents, l.aliveEvents, l.interval, l.retries)
}

func (l *livenessChecker) Remove(id string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	existing, ok := l.checkers[id]
	if ok {
		existing.Stop()
		delete(l.checkers, id)
	}
}

func (l *livenessChecker) DeadEvents() <-chan string {
	return l.deadEvents
}

func (l *livenessChecker) AliveEvents() <-chan string {
	return l.aliveEvents
}

func (l *livenessChecker) Clear() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for k, v := range l.checkers {
		v.Stop()
		delete(l.checkers, k)
	}
}

func (l *livenessChecker) Shutdown() {
	l.Clear()
}

// LivenessFeed announces a static list of peers. Peers are added when they
// respond to liveness checks on their session port (UDP) and removed when
// they stop responding.
type LivenessFeed struct {
	checker   LivenessChecker
	peers     map[string]topology.ServiceInfo
	events    chan topology.Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewLivenessFeed starts checking the peers
func NewLivenessFeed(peers []topology.ServiceInfo, interval time.Duration, retries int) *LivenessFeed {
	ret := &LivenessFeed{
		checker: NewLivenessChecker(interval, retries),
		peers:   make(map[string]topology.ServiceInfo),
		events:  make(chan topology.Event, len(peers)+1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, p := range peers {
		id := p.Address.String()
		ret.peers[id] = p
		ret.checker.Add(id, id, false)
	}
	go ret.run()
	return ret
}

// Events returns the topology events
func (f *LivenessFeed) Events() <-chan topology.Event {
	return f.events
}

// Close stops the checks and closes the event channel
func (f *LivenessFeed) Close() error {
	f.closeOnce.Do(func() { close(f.stop) })
	<-f.done
	return nil
}

func (f *LivenessFeed) run() {
	defer close(f.done)
	defer close(f.events)
	defer f.checker.Shutdown()
	for {
		var ev topology.Event
		select {
		case id := <-f.checker.AliveEvents():
			ev = topology.Event{Kind: topology.NodeAdded, Node: f.peers[id]}
		case id := <-f.checker.DeadEvents():
			ev = topology.Event{Kind: topology.NodeRemoved, Node: f.peers[id]}
		case <-f.stop:
			return
		}
		logrus.WithFields(logrus.Fields{
			"peer":  ev.Node.Address.String(),
			"event": ev.Kind.String(),
		}).Debug("Liveness change")
		select {
		case f.events <- ev:
		case <-f.stop:
			return
		}
	}
}
