package sharding

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lab5e/meshfunk/pkg/funk/topology"
)

// Routing modes
const (
	DirectMode = "direct" // keys map straight to a node via the ring
	QueueMode  = "queue"  // keys map to a partition which is assigned to a node
)

// Partition assignment strategies for queue mode
const (
	ModuloAssignment = "modulo"
	RingAssignment   = "ring"
)

// DefaultVirtualNodes is the default number of ring points per node
const DefaultVirtualNodes = 1024

// ServiceConfig is the partition setup for a single service type. Services
// with no partitions are routed directly to a node in both modes.
type ServiceConfig struct {
	Type       topology.ServiceType `yaml:"type"`
	Topic      string               `yaml:"topic"`
	Partitions int                  `yaml:"partitions"`
}

// Config is the routing configuration. It's read once at startup.
type Config struct {
	Hash         string          `yaml:"hash"`
	VirtualNodes int             `yaml:"virtual_nodes"`
	Mode         string          `yaml:"mode"`
	Assignment   string          `yaml:"assignment"`
	Services     []ServiceConfig `yaml:"services"`
}

// DefaultServices is the service table used when none is configured
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{
		{Type: topology.Core, Topic: "tb_core", Partitions: 10},
		{Type: topology.RuleEngine, Topic: "tb_rule_engine", Partitions: 10},
		{Type: topology.Transport, Topic: "tb_transport"},
		{Type: topology.VCExecutor, Topic: "tb_version_control", Partitions: 10},
	}
}

// DefaultConfig returns a configuration with all defaults set
func DefaultConfig() Config {
	c := Config{}
	c.setDefaults()
	return c
}

// LoadConfig reads a YAML configuration file, fills in defaults and
// validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading routing config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration
func ParseConfig(data []byte) (Config, error) {
	c := Config{}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parsing routing config: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Hash == "" {
		c.Hash = Murmur3
	}
	if c.VirtualNodes == 0 {
		c.VirtualNodes = DefaultVirtualNodes
	}
	if c.Mode == "" {
		c.Mode = QueueMode
	}
	if c.Assignment == "" {
		c.Assignment = ModuloAssignment
	}
	if len(c.Services) == 0 {
		c.Services = DefaultServices()
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if _, err := NewHasher(c.Hash); err != nil {
		return err
	}
	if c.VirtualNodes < 1 {
		return errors.New("virtual_nodes must be at least 1")
	}
	if c.Mode != DirectMode && c.Mode != QueueMode {
		return fmt.Errorf("unknown routing mode %q", c.Mode)
	}
	if c.Assignment != ModuloAssignment && c.Assignment != RingAssignment {
		return fmt.Errorf("unknown assignment strategy %q", c.Assignment)
	}
	seen := make(map[topology.ServiceType]bool)
	for _, s := range c.Services {
		if s.Type == "" {
			return errors.New("service type can't be empty")
		}
		if seen[s.Type] {
			return fmt.Errorf("service %s is configured twice", s.Type)
		}
		seen[s.Type] = true
		if s.Partitions < 0 {
			return fmt.Errorf("service %s has a negative partition count", s.Type)
		}
		if s.Partitions > 0 && s.Topic == "" {
			return fmt.Errorf("service %s has partitions but no topic", s.Type)
		}
	}
	return nil
}

// Service returns the configuration for a service type
func (c *Config) Service(st topology.ServiceType) (ServiceConfig, bool) {
	for _, s := range c.Services {
		if s.Type == st {
			return s, true
		}
	}
	return ServiceConfig{}, false
}
