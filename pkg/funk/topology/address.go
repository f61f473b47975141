package topology

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
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// NodeAddress identifies a member of the cluster. Addresses are compared by
// value and are totally ordered; the ordering decides which side of a node
// pair opens the connection.
type NodeAddress struct {
	Host string
	Port int
	Role string
}

// MaxPort is the highest valid port number
const MaxPort = 65535

// ParseNodeAddress parses a host:port string. The role is optional and can be
// appended after a slash, ie "10.0.0.1:7000/core".
func ParseNodeAddress(hostport string) (NodeAddress, error) {
	role := ""
	if i := strings.LastIndex(hostport, "/"); i >= 0 {
		role = hostport[i+1:]
		hostport = hostport[:i]
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return NodeAddress{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid port in %q: %w", hostport, err)
	}
	if port <= 0 || port > MaxPort {
		return NodeAddress{}, fmt.Errorf("port out of range in %q", hostport)
	}
	return NodeAddress{Host: host, Port: port, Role: role}, nil
}

// String returns the host:port representation of the address. This is also
// the identity string used when hashing the node onto a ring.
func (a NodeAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero returns true if the address is unset
func (a NodeAddress) IsZero() bool {
	return a.Host == "" && a.Port == 0 && a.Role == ""
}

// Compare returns -1, 0 or 1 depending on the ordering of a and b. Host names
// are compared lexicographically, then ports numerically and finally roles.
func (a NodeAddress) Compare(b NodeAddress) int {
	if c := strings.Compare(a.Host, b.Host); c != 0 {
		return c
	}
	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	}
	return strings.Compare(a.Role, b.Role)
}

// Less returns true if a sorts before b
func (a NodeAddress) Less(b NodeAddress) bool {
	return a.Compare(b) < 0
}

// SortAddresses sorts a slice of addresses in place
func SortAddresses(list []NodeAddress) {
	sort.Slice(list, func(i, j int) bool { return list[i].Less(list[j]) })
}
