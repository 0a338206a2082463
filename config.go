package cacheproxy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the caching proxy.
type Config struct {
	// Listen is the client-facing endpoint.
	Listen ListenConfig `json:"listen" yaml:"listen"`
	// Origin is the single upstream server.
	Origin OriginConfig `json:"origin" yaml:"origin"`
	Cache  CacheConfig  `json:"cache" yaml:"cache"`
	// Workers sizes the connection handling pool.
	Workers        WorkersConfig        `json:"workers" yaml:"workers"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	// Admin is the HTTP control surface (stats, logs, metrics, dashboard).
	Admin    AdminConfig    `json:"admin" yaml:"admin"`
	EventLog EventLogConfig `json:"event_log" yaml:"event_log"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// ListenConfig describes the client-facing listener.
type ListenConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// ClientReadTimeout bounds reading the request head. Zero means no limit.
	ClientReadTimeout Duration `json:"client_read_timeout" yaml:"client_read_timeout"`
	MaxHeaderBytes    int      `json:"max_header_bytes" yaml:"max_header_bytes"`
	// RateLimit caps how fast one client address may open connections.
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig is a per-client-address token bucket. A zero
// RequestsPerSecond disables limiting; a zero Burst equals RequestsPerSecond.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             float64 `json:"burst" yaml:"burst"`
}

// OriginConfig describes the upstream server.
type OriginConfig struct {
	Host        string   `json:"host" yaml:"host"`
	Port        int      `json:"port" yaml:"port"`
	ReadTimeout Duration `json:"read_timeout" yaml:"read_timeout"`
	DialTimeout Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// CacheConfig sizes the response cache.
type CacheConfig struct {
	// Capacity is the maximum number of cached responses.
	Capacity int `json:"capacity" yaml:"capacity"`
}

// WorkersConfig sizes the worker pool and its queue.
type WorkersConfig struct {
	PoolSize  int `json:"pool_size" yaml:"pool_size"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// CircuitBreakerConfig guards the origin dial path.
type CircuitBreakerConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int      `json:"success_threshold" yaml:"success_threshold"`
	Timeout          Duration `json:"timeout" yaml:"timeout"`
}

// AdminConfig configures the admin HTTP server. An empty Addr disables it.
type AdminConfig struct {
	Addr  string `json:"addr" yaml:"addr"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// EventLogConfig selects the event log backend.
type EventLogConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	// Limit bounds the in-memory log.
	Limit int `json:"limit" yaml:"limit"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Duration is a time.Duration that reads from config as either a Go
// duration string ("5s", "250ms") or an integer number of milliseconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(ms) * time.Millisecond), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(v), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var ms int64
		if err := json.Unmarshal(b, &ms); err != nil {
			return fmt.Errorf("duration must be a string or integer milliseconds")
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}
