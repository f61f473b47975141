package topology

import (
	"fmt"
	"sort"
	"strings"
)

// ServiceType is a logical role a node can serve in the cluster
type ServiceType string

// Well-known service types
const (
	Core       ServiceType = "core"
	RuleEngine ServiceType = "rule-engine"
	Transport  ServiceType = "transport"
	VCExecutor ServiceType = "vc-executor"
)

// ParseServiceTypes parses a comma separated list of service types. Empty
// elements are skipped and duplicates removed.
func ParseServiceTypes(list string) []ServiceType {
	var ret []ServiceType
	seen := make(map[ServiceType]bool)
	for _, v := range strings.Split(list, ",") {
		st := ServiceType(strings.TrimSpace(v))
		if st == "" || seen[st] {
			continue
		}
		seen[st] = true
		ret = append(ret, st)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// JoinServiceTypes is the inverse of ParseServiceTypes
func JoinServiceTypes(list []ServiceType) string {
	s := make([]string, len(list))
	for i, v := range list {
		s[i] = string(v)
	}
	return strings.Join(s, ",")
}

// ServiceInfo is a cluster member as seen by the discovery layer
type ServiceInfo struct {
	ID       string
	Address  NodeAddress
	Services []ServiceType
}

// Offers returns true if the node serves the service type
func (s ServiceInfo) Offers(st ServiceType) bool {
	for _, v := range s.Services {
		if v == st {
			return true
		}
	}
	return false
}

func (s ServiceInfo) String() string {
	return fmt.Sprintf("%s@%s[%s]", s.ID, s.Address.String(), JoinServiceTypes(s.Services))
}
