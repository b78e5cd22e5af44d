package master

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes one master chain.
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Sync      SyncConfig      `yaml:"sync"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Nodes     []NodeConfig    `yaml:"nodes"`

	// UpdateMs is the driver cycle period
	UpdateMs int `yaml:"update_ms"`
}

type BusConfig struct {
	Interface string `yaml:"interface"`
	Channel   string `yaml:"channel"`
}

type SyncConfig struct {
	IntervalMs int   `yaml:"interval_ms"`
	Overflow   uint8 `yaml:"overflow"`
}

type HeartbeatConfig struct {
	NodeID     uint8 `yaml:"node_id"`
	IntervalMs int   `yaml:"interval_ms"`
}

type NodeConfig struct {
	ID        uint8  `yaml:"id"`
	Name      string `yaml:"name"`
	EDS       string `yaml:"eds"`
	TimeoutMs int    `yaml:"sdo_timeout_ms"`
}

// LoadConfig reads and validates a YAML chain configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s failed : %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Bus.Interface == "" {
		return fmt.Errorf("bus.interface is required")
	}
	seen := map[uint8]bool{}
	for _, node := range c.Nodes {
		if node.ID < 1 || node.ID > 127 {
			return fmt.Errorf("node id %d out of range 1..127", node.ID)
		}
		if seen[node.ID] {
			return fmt.Errorf("node id %d configured twice", node.ID)
		}
		seen[node.ID] = true
		if node.EDS == "" {
			return fmt.Errorf("node %d has no eds path", node.ID)
		}
	}
	return nil
}

func (c *Config) UpdatePeriod() time.Duration {
	if c.UpdateMs <= 0 {
		return 10 * time.Millisecond
	}
	return time.Duration(c.UpdateMs) * time.Millisecond
}

func (c *Config) SyncPeriod() time.Duration {
	return time.Duration(c.Sync.IntervalMs) * time.Millisecond
}

func (c *Config) HeartbeatPeriod() time.Duration {
	return time.Duration(c.Heartbeat.IntervalMs) * time.Millisecond
}
