package redisstream

import (
	"fmt"
	"os"
	"time"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

// Config for the Redis Streams connection manager.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Node is this process's name; its inbox stream is Prefix:Node.
	Node string
	// Peers are the nodes this process sends global messages to.
	Peers []string
	// Prefix namespaces the inbox streams.
	Prefix string

	// Reader
	BatchSize int
	Block     time.Duration

	// Writer
	SendBuffer   int
	SendTimeout  time.Duration
	MaxLenApprox int64
	Codec        string

	// Breaker: a peer is broken after FailureThreshold consecutive send
	// failures and is retried after ResetTimeout.
	FailureThreshold uint32
	ResetTimeout     time.Duration

	Logger *xlog.Logger
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xrelay"
	}

	return Config{
		Addr:             "127.0.0.1:6379",
		Node:             fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		Prefix:           "xrelay",
		BatchSize:        128,
		Block:            time.Second,
		SendBuffer:       1024,
		SendTimeout:      2 * time.Second,
		Codec:            "json",
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Node == "" {
		return fmt.Errorf("config: node required")
	}
	if c.Prefix == "" {
		return fmt.Errorf("config: prefix required")
	}
	for _, p := range c.Peers {
		if p == "" {
			return fmt.Errorf("config: peer names must not be empty")
		}
		if p == c.Node {
			return fmt.Errorf("config: node %q cannot be its own peer", p)
		}
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("config: send_buffer must be >= 1, got %d", c.SendBuffer)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("config: failure_threshold must be >= 1")
	}
	if _, err := xrelay.NewCodec(c.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ToMap converts Config to the generic map the connector factory takes.
func (c Config) ToMap() map[string]any {
	m := map[string]any{
		"addr":              c.Addr,
		"username":          c.Username,
		"password":          c.Password,
		"db":                c.DB,
		"tls":               c.TLS,
		"tls_server_name":   c.TLSServerName,
		"node":              c.Node,
		"peers":             c.Peers,
		"prefix":            c.Prefix,
		"batch_size":        c.BatchSize,
		"block":             c.Block,
		"send_buffer":       c.SendBuffer,
		"send_timeout":      c.SendTimeout,
		"max_len_approx":    c.MaxLenApprox,
		"codec":             c.Codec,
		"failure_threshold": c.FailureThreshold,
		"reset_timeout":     c.ResetTimeout,
	}
	if c.Logger != nil {
		m["logger"] = c.Logger
	}
	return m
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getString := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case uint32:
			return int(v)
		case float64:
			return int(v)
		}
		return d
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			if v > 0 {
				return v
			}
		case string:
			if p, err := time.ParseDuration(v); err == nil && p > 0 {
				return p
			}
		case float64:
			if v > 0 {
				return time.Duration(v)
			}
		}
		return d
	}
	getStrings := func(k string) []string {
		switch v := cfg[k].(type) {
		case []string:
			return v
		case []any:
			out := make([]string, 0, len(v))
			for _, s := range v {
				if str, ok := s.(string); ok {
					out = append(out, str)
				}
			}
			return out
		}
		return nil
	}

	d := Defaults()
	c := Config{
		Addr:          getString("addr", d.Addr),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),

		Node:   getString("node", d.Node),
		Peers:  getStrings("peers"),
		Prefix: getString("prefix", d.Prefix),

		BatchSize: getInt("batch_size", d.BatchSize),
		Block:     getDur("block", d.Block),

		SendBuffer:   getInt("send_buffer", d.SendBuffer),
		SendTimeout:  getDur("send_timeout", d.SendTimeout),
		MaxLenApprox: int64(getInt("max_len_approx", 0)),
		Codec:        getString("codec", d.Codec),

		FailureThreshold: uint32(getInt("failure_threshold", int(d.FailureThreshold))),
		ResetTimeout:     getDur("reset_timeout", d.ResetTimeout),
	}
	if l, ok := cfg["logger"].(*xlog.Logger); ok {
		c.Logger = l
	}
	return c
}
