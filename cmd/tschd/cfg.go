package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tsch-platform/gotsch/lladdr"
	"github.com/tsch-platform/gotsch/logging"
	"github.com/tsch-platform/gotsch/trace"
	"github.com/tsch-platform/gotsch/tsch"
)

// Config is the tschd configuration: a set of simulated nodes sharing one
// in-memory medium.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// MetricsEndpoint serves prometheus metrics when set, e.g. ":9273".
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	// Nodes to run.
	Nodes []NodeConfig `yaml:"nodes"`
}

// NodeConfig is one node plus its optional frame trace.
type NodeConfig struct {
	tsch.Config `yaml:",inline"`
	Trace       trace.Config `yaml:"trace"`
}

// UnmarshalYAML overlays the file contents onto the node defaults.
func (c *NodeConfig) UnmarshalYAML(unmarshal func(any) error) error {
	type raw NodeConfig
	tmp := raw{Config: tsch.DefaultConfig(lladdr.Address{})}
	if err := unmarshal(&tmp); err != nil {
		return err
	}
	*c = NodeConfig(tmp)
	return nil
}

// LoadConfig loads configuration from a YAML file at the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("no nodes configured")
	}
	return cfg, nil
}
