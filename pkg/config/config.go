// Package config loads the agent RPC layer configuration from a YAML file,
// applying defaults for missing fields.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"agentrpc/pkg/circuit"
	"agentrpc/pkg/pool"
	"agentrpc/pkg/retry"
)

// Duration wraps time.Duration with YAML support for values like "30s".
type Duration time.Duration

// UnmarshalYAML parses a duration string or a bare number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RetryConfig mirrors retry.Config in YAML form.
type RetryConfig struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	InitialDelay  Duration `yaml:"initial_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	BackoffFactor float64  `yaml:"backoff_factor"`
	Jitter        *bool    `yaml:"jitter"`
}

// BreakerConfig mirrors circuit.Config in YAML form.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	OpenTimeout      Duration `yaml:"open_timeout"`
	HalfOpenMaxCalls int      `yaml:"half_open_max_calls"`
}

// PoolConfig mirrors pool.Config in YAML form.
type PoolConfig struct {
	MaxIdleTime     Duration `yaml:"max_idle_time"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	MaxConns        int      `yaml:"max_conns"`
	MaxConnsPerHost int      `yaml:"max_conns_per_host"`
	KeepAlive       Duration `yaml:"keep_alive"`
}

// TimeoutConfig mirrors pool.TimeoutProfile in YAML form.
type TimeoutConfig struct {
	Total   Duration `yaml:"total"`
	Connect Duration `yaml:"connect"`
	Read    Duration `yaml:"read"`
}

// ServerConfig describes the serving side and the agent's identity card.
type ServerConfig struct {
	ListenAddr         string   `yaml:"listen_addr"`
	Name               string   `yaml:"name"`
	Version            string   `yaml:"version"`
	Description        string   `yaml:"description"`
	Capabilities       []string `yaml:"capabilities"`
	CommunicationModes []string `yaml:"communication_modes"`
}

// ClientConfig bundles the outbound resilience settings.
type ClientConfig struct {
	Retry    RetryConfig   `yaml:"retry"`
	Breaker  BreakerConfig `yaml:"breaker"`
	Pool     PoolConfig    `yaml:"pool"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
}

// Config is the root configuration document.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the YAML config at path, applying defaults for
// missing fields and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.Name == "" {
		c.Server.Name = "agent"
	}
	if c.Server.Version == "" {
		c.Server.Version = "0.1.0"
	}
	if len(c.Server.CommunicationModes) == 0 {
		c.Server.CommunicationModes = []string{"jsonrpc"}
	}

	r := &c.Client.Retry
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = retry.DefaultConfig.MaxAttempts
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = Duration(retry.DefaultConfig.InitialDelay)
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = Duration(retry.DefaultConfig.MaxDelay)
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = retry.DefaultConfig.BackoffFactor
	}
	if r.Jitter == nil {
		jitter := retry.DefaultConfig.Jitter
		r.Jitter = &jitter
	}

	b := &c.Client.Breaker
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = circuit.DefaultConfig.FailureThreshold
	}
	if b.OpenTimeout <= 0 {
		b.OpenTimeout = Duration(circuit.DefaultConfig.OpenTimeout)
	}
	if b.HalfOpenMaxCalls <= 0 {
		b.HalfOpenMaxCalls = circuit.DefaultConfig.HalfOpenMaxCalls
	}

	p := &c.Client.Pool
	if p.MaxIdleTime <= 0 {
		p.MaxIdleTime = Duration(pool.DefaultPoolConfig.MaxIdleTime)
	}
	if p.CleanupInterval <= 0 {
		p.CleanupInterval = Duration(time.Minute)
	}
	if p.MaxConns <= 0 {
		p.MaxConns = pool.DefaultPoolConfig.MaxConns
	}
	if p.MaxConnsPerHost <= 0 {
		p.MaxConnsPerHost = pool.DefaultPoolConfig.MaxConnsPerHost
	}
	if p.KeepAlive <= 0 {
		p.KeepAlive = Duration(pool.DefaultPoolConfig.KeepAlive)
	}

	t := &c.Client.Timeouts
	if t.Total <= 0 {
		t.Total = Duration(pool.DefaultTimeouts.Total)
	}
	if t.Connect <= 0 {
		t.Connect = Duration(pool.DefaultTimeouts.Connect)
	}
	if t.Read <= 0 {
		t.Read = Duration(pool.DefaultTimeouts.Read)
	}
}

func (c *Config) validate() error {
	if c.Client.Retry.BackoffFactor < 1.0 {
		return fmt.Errorf("retry backoff_factor must be >= 1.0, got %v", c.Client.Retry.BackoffFactor)
	}
	if c.Client.Retry.MaxDelay < c.Client.Retry.InitialDelay {
		return fmt.Errorf("retry max_delay must be >= initial_delay")
	}
	if c.Client.Pool.MaxConnsPerHost < 20 {
		return fmt.Errorf("pool max_conns_per_host must be >= 20, got %d", c.Client.Pool.MaxConnsPerHost)
	}
	return nil
}

// RetryConfig converts to the runtime retry configuration.
func (c *Config) RetryConfig() retry.Config {
	r := c.Client.Retry
	return retry.Config{
		MaxAttempts:   r.MaxAttempts,
		InitialDelay:  r.InitialDelay.Std(),
		MaxDelay:      r.MaxDelay.Std(),
		BackoffFactor: r.BackoffFactor,
		Jitter:        r.Jitter == nil || *r.Jitter,
	}
}

// BreakerConfig converts to the runtime breaker configuration.
func (c *Config) BreakerConfig() circuit.Config {
	b := c.Client.Breaker
	return circuit.Config{
		FailureThreshold: b.FailureThreshold,
		OpenTimeout:      b.OpenTimeout.Std(),
		HalfOpenMaxCalls: b.HalfOpenMaxCalls,
	}
}

// PoolConfig converts to the runtime pool configuration.
func (c *Config) PoolConfig() pool.Config {
	p := c.Client.Pool
	return pool.Config{
		MaxIdleTime:     p.MaxIdleTime.Std(),
		MaxConns:        p.MaxConns,
		MaxConnsPerHost: p.MaxConnsPerHost,
		KeepAlive:       p.KeepAlive.Std(),
	}
}

// Timeouts converts to the runtime timeout profile.
func (c *Config) Timeouts() pool.TimeoutProfile {
	t := c.Client.Timeouts
	return pool.TimeoutProfile{
		Total:   t.Total.Std(),
		Connect: t.Connect.Std(),
		Read:    t.Read.Std(),
	}
}

// AgentCardInfo returns the server identity fields used to build the card.
func (c *Config) AgentCardInfo() (name, version, description string, capabilities, modes []string) {
	s := c.Server
	return s.Name, s.Version, s.Description, s.Capabilities, s.CommunicationModes
}
