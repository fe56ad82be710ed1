// Package config loads relay settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/adapter/redisstream"
)

// Transport kinds.
const (
	TransportNone  = "none"
	TransportRedis = "redis-streams"
)

// Config holds all configuration for a relay node.
type Config struct {
	Bus        BusConfig        `yaml:"bus" envPrefix:"XRELAY_BUS_"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" envPrefix:"XRELAY_DISPATCHER_"`
	Transport  TransportConfig  `yaml:"transport" envPrefix:"XRELAY_TRANSPORT_"`
	Log        LogConfig        `yaml:"log" envPrefix:"XRELAY_LOG_"`
}

// BusConfig holds the default send policies and scheduling.
type BusConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	ResponseTimeout   time.Duration `yaml:"response_timeout" env:"RESPONSE_TIMEOUT"`
	CollectionTimeout time.Duration `yaml:"collection_timeout" env:"COLLECTION_TIMEOUT"`
	Global            bool          `yaml:"global" env:"GLOBAL"`
	ForwardErrors     bool          `yaml:"forward_errors" env:"FORWARD_ERRORS"`
	ObserverWorkers   int           `yaml:"observer_workers" env:"OBSERVER_WORKERS"`
	ObserverBuffer    int           `yaml:"observer_buffer" env:"OBSERVER_BUFFER"`
}

// DispatcherConfig sizes the receiver worker pool. Zero workers runs every
// receiver on its own goroutine.
type DispatcherConfig struct {
	Workers int `yaml:"workers" env:"WORKERS"`
	Buffer  int `yaml:"buffer" env:"BUFFER"`
}

// TransportConfig selects and configures the connection manager.
type TransportConfig struct {
	Kind  string      `yaml:"kind" env:"KIND"`
	Redis RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisConfig configures the Redis Streams connection manager.
type RedisConfig struct {
	Addr             string        `yaml:"addr" env:"ADDR"`
	Username         string        `yaml:"username" env:"USERNAME"`
	Password         string        `yaml:"password" env:"PASSWORD"`
	DB               int           `yaml:"db" env:"DB"`
	TLS              bool          `yaml:"tls" env:"TLS"`
	Node             string        `yaml:"node" env:"NODE"`
	Peers            []string      `yaml:"peers" env:"PEERS" envSeparator:","`
	Prefix           string        `yaml:"prefix" env:"PREFIX"`
	Codec            string        `yaml:"codec" env:"CODEC"`
	Block            time.Duration `yaml:"block" env:"BLOCK"`
	FailureThreshold uint32        `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level   string `yaml:"level" env:"LEVEL"`
	Console bool   `yaml:"console" env:"CONSOLE"`
}

// Default returns the default configuration.
func Default() *Config {
	policy := xrelay.DefaultPolicy()
	redis := redisstream.Defaults()
	return &Config{
		Bus: BusConfig{
			TickInterval:      50 * time.Millisecond,
			ResponseTimeout:   policy.ResponseTimeout,
			CollectionTimeout: policy.CollectionTimeout,
			Global:            policy.Global,
			ForwardErrors:     policy.ForwardErrors,
		},
		Transport: TransportConfig{
			Kind: TransportNone,
			Redis: RedisConfig{
				Addr:             redis.Addr,
				Node:             redis.Node,
				Prefix:           redis.Prefix,
				Codec:            redis.Codec,
				Block:            redis.Block,
				FailureThreshold: redis.FailureThreshold,
				ResetTimeout:     redis.ResetTimeout,
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, then applies XRELAY_*
// environment overrides. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Bus.TickInterval <= 0 {
		return fmt.Errorf("bus.tick_interval must be positive")
	}
	if c.Bus.ResponseTimeout <= 0 {
		return fmt.Errorf("bus.response_timeout must be positive")
	}
	if c.Bus.CollectionTimeout <= 0 {
		return fmt.Errorf("bus.collection_timeout must be positive")
	}
	if c.Bus.ObserverWorkers < 0 || c.Bus.ObserverBuffer < 0 {
		return fmt.Errorf("bus.observer_workers and bus.observer_buffer cannot be negative")
	}
	if c.Dispatcher.Workers < 0 || c.Dispatcher.Buffer < 0 {
		return fmt.Errorf("dispatcher.workers and dispatcher.buffer cannot be negative")
	}

	switch c.Transport.Kind {
	case TransportNone:
	case TransportRedis:
		if err := c.RedisStream().Validate(); err != nil {
			return fmt.Errorf("transport.redis: %w", err)
		}
	default:
		return fmt.Errorf("transport.kind must be %q or %q, got %q", TransportNone, TransportRedis, c.Transport.Kind)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

// Defaults returns the bus-wide send policies.
func (c *Config) Defaults() xrelay.Defaults {
	return xrelay.Defaults{
		Global:            c.Bus.Global,
		ForwardErrors:     c.Bus.ForwardErrors,
		ResponseTimeout:   c.Bus.ResponseTimeout,
		CollectionTimeout: c.Bus.CollectionTimeout,
	}
}

// RedisStream returns the connection manager config for the Redis transport.
func (c *Config) RedisStream() redisstream.Config {
	r := c.Transport.Redis
	rc := redisstream.Defaults()
	rc.Addr = r.Addr
	rc.Username = r.Username
	rc.Password = r.Password
	rc.DB = r.DB
	rc.TLS = r.TLS
	rc.Node = r.Node
	rc.Peers = r.Peers
	if r.Prefix != "" {
		rc.Prefix = r.Prefix
	}
	if r.Codec != "" {
		rc.Codec = r.Codec
	}
	if r.Block > 0 {
		rc.Block = r.Block
	}
	if r.FailureThreshold > 0 {
		rc.FailureThreshold = r.FailureThreshold
	}
	if r.ResetTimeout > 0 {
		rc.ResetTimeout = r.ResetTimeout
	}
	return rc
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
