package toolbox

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
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// This is a zeroconf setup for the cluster. It will register the Serf endpoints
// in mDNS on startup which makes it easier to add new nodes ad hoc.
//
// This won't work for Kubernetes or AWS/GCP/Azure since they have no
// support for UDP broadcasts. Use a static peer list there.
//
// The zeroconf code doesn't work on loopback addresses...yet. It uses the
// external IP address of the host when registering.

// ZeroconfRegistry is the type for a zeroconf registry. It will announce one
// or more endpoints via mDNS/Zeroconf/Bonjour until Shutdown() is called.
type ZeroconfRegistry struct {
	mutex       *sync.Mutex
	servers     map[string]*zeroconf.Server
	ClusterName string
}

// Unofficial service name for mesh nodes
const serviceString = "_meshfunk._udp"

// This is the domain we'll use when announcing the service
const defaultDomain = "local."

var txtRecords = []string{"txtv=0", "name=meshfunk cluster node"}

// ErrNotFound is returned by ResolveFirst when no matching entry shows up
var ErrNotFound = errors.New("no zeroconf entry found")

// NewZeroconfRegistry creates a new zeroconf server
func NewZeroconfRegistry(clusterName string) *ZeroconfRegistry {
	return &ZeroconfRegistry{
		servers:     make(map[string]*zeroconf.Server),
		mutex:       &sync.Mutex{},
		ClusterName: clusterName,
	}
}

func (zr *ZeroconfRegistry) prefix(kind string) string {
	return fmt.Sprintf("%s_%s", zr.ClusterName, kind)
}

// Register registers a new endpoint. Only one endpoint can be created at a time
// The ID parameter is an unique ID.
func (zr *ZeroconfRegistry) Register(kind string, id string, port int) error {
	zr.mutex.Lock()
	defer zr.mutex.Unlock()
	entry := fmt.Sprintf("%s_%s", zr.prefix(kind), id)
	if _, ok := zr.servers[entry]; ok {
		return errors.New("entry is already registered")
	}
	server, err := zeroconf.Register(entry, serviceString, defaultDomain, port, txtRecords, nil)
	if err != nil {
		return err
	}
	zr.servers[entry] = server
	return nil
}

// Shutdown shuts down the Zeroconf server.
func (zr *ZeroconfRegistry) Shutdown() {
	zr.mutex.Lock()
	defer zr.mutex.Unlock()
	for k, v := range zr.servers {
		v.Shutdown()
		delete(zr.servers, k)
	}
}

// browse calls the match function with the host:port of every matching entry
// until the context is done or the function returns false.
func (zr *ZeroconfRegistry) browse(ctx context.Context, kind string, match func(string) bool) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, serviceString, defaultDomain, entries); err != nil {
		return err
	}

	clusterPrefix := zr.prefix(kind)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			if entry.Service != serviceString || !strings.HasPrefix(entry.Instance, clusterPrefix) {
				continue
			}
			for i := range entry.AddrIPv4 {
				if !match(fmt.Sprintf("%s:%d", entry.AddrIPv4[i], entry.Port)) {
					return nil
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Resolve looks for other nodes of the same kind
func (zr *ZeroconfRegistry) Resolve(kind string, waitTime time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTime)
	defer cancel()

	var ret []string
	err := zr.browse(ctx, kind, func(hostport string) bool {
		ret = append(ret, hostport)
		return true
	})
	return ret, err
}

// ResolveFirst looks for another service and returns only the first matching element
func (zr *ZeroconfRegistry) ResolveFirst(kind string, waitTime time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTime)
	defer cancel()

	ret := ""
	err := zr.browse(ctx, kind, func(hostport string) bool {
		ret = hostport
		return false
	})
	if err != nil {
		return "", err
	}
	if ret == "" {
		return "", ErrNotFound
	}
	return ret, nil
}
