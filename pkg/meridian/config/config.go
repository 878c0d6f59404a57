// Package config loads the server configuration from HCL files.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the decoded server configuration.
type Config struct {
	ListenAddr string          `hcl:"listen_addr,optional"`
	Gateway    *GatewayBlock   `hcl:"gateway,block"`
	Publisher  *PublisherBlock `hcl:"publisher,block"`
	Registry   *RegistryBlock  `hcl:"registry,block"`
}

// GatewayBlock configures the client-facing listener.
type GatewayBlock struct {
	QueueSize    int    `hcl:"queue_size,optional"`
	PingInterval string `hcl:"ping_interval,optional"`
	ReadTimeout  string `hcl:"read_timeout,optional"`
	WriteTimeout string `hcl:"write_timeout,optional"`
}

// PublisherBlock configures the event publisher and its reconnect
// behavior. An empty relay_url selects the in-process bus transport.
type PublisherBlock struct {
	RelayURL    string `hcl:"relay_url,optional"`
	BaseDelay   string `hcl:"base_delay,optional"`
	MaxDelay    string `hcl:"max_delay,optional"`
	MaxAttempts int    `hcl:"max_attempts,optional"`
}

// RegistryBlock configures the stale-session sweep.
type RegistryBlock struct {
	StaleAfter    string `hcl:"stale_after,optional"`
	SweepSchedule string `hcl:"sweep_schedule,optional"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load decodes one HCL file and fills in defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Gateway == nil {
		c.Gateway = &GatewayBlock{}
	}
	if c.Gateway.QueueSize == 0 {
		c.Gateway.QueueSize = 256
	}
	if c.Gateway.PingInterval == "" {
		c.Gateway.PingInterval = "30s"
	}
	if c.Gateway.ReadTimeout == "" {
		c.Gateway.ReadTimeout = "60s"
	}
	if c.Gateway.WriteTimeout == "" {
		c.Gateway.WriteTimeout = "10s"
	}
	if c.Publisher == nil {
		c.Publisher = &PublisherBlock{}
	}
	if c.Publisher.BaseDelay == "" {
		c.Publisher.BaseDelay = "1s"
	}
	if c.Publisher.MaxDelay == "" {
		c.Publisher.MaxDelay = "30s"
	}
	if c.Publisher.MaxAttempts == 0 {
		c.Publisher.MaxAttempts = 10
	}
	if c.Registry == nil {
		c.Registry = &RegistryBlock{}
	}
	if c.Registry.StaleAfter == "" {
		c.Registry.StaleAfter = "5m"
	}
	if c.Registry.SweepSchedule == "" {
		c.Registry.SweepSchedule = "@every 1m"
	}
}

// Validate checks that every duration field parses.
func (c *Config) Validate() error {
	fields := map[string]string{
		"gateway.ping_interval": c.Gateway.PingInterval,
		"gateway.read_timeout":  c.Gateway.ReadTimeout,
		"gateway.write_timeout": c.Gateway.WriteTimeout,
		"publisher.base_delay":  c.Publisher.BaseDelay,
		"publisher.max_delay":   c.Publisher.MaxDelay,
		"registry.stale_after":  c.Registry.StaleAfter,
	}
	for name, value := range fields {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	if c.Publisher.MaxAttempts < 0 {
		return fmt.Errorf("publisher.max_attempts must not be negative")
	}
	return nil
}

// Duration parses a validated duration field.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}
