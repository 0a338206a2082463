package cacheproxy

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ferro-labs/cache-proxy/internal/logging"
	"github.com/ferro-labs/cache-proxy/internal/requestlog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultListenPort     = 9000
	DefaultOriginHost     = "localhost"
	DefaultOriginPort     = 8010
	DefaultReadTimeout    = 5 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultCacheCapacity  = 1000
	DefaultPoolSize       = 10
	DefaultQueueSize      = 1024
	DefaultMaxHeaderBytes = 64 << 10
	DefaultAdminAddr      = ":9090"
	DefaultEventLogLimit  = 1000
)

//go:embed config.schema.json
var configSchema string

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("config.schema.json", configSchema)
})

// LoadConfig reads and parses a config file from the given path, checks it
// against the config schema and applies defaults.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var doc interface{}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	// Both formats are normalised to JSON so the schema and the Duration
	// decoder see the same value types.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalising config: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(normalized, &generic); err != nil {
		return nil, fmt.Errorf("normalising config: %w", err)
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling config schema: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("config does not match schema: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(normalized, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued field that has a default. The admin
// address is only defaulted on a config that has no admin section at all;
// use "-" to disable the admin server explicitly.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = DefaultListenPort
	}
	if cfg.Listen.MaxHeaderBytes == 0 {
		cfg.Listen.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.Origin.Host == "" {
		cfg.Origin.Host = DefaultOriginHost
	}
	if cfg.Origin.Port == 0 {
		cfg.Origin.Port = DefaultOriginPort
	}
	if cfg.Origin.ReadTimeout == 0 {
		cfg.Origin.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if cfg.Origin.DialTimeout == 0 {
		cfg.Origin.DialTimeout = Duration(DefaultDialTimeout)
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = DefaultCacheCapacity
	}
	if cfg.Workers.PoolSize == 0 {
		cfg.Workers.PoolSize = DefaultPoolSize
	}
	if cfg.Workers.QueueSize == 0 {
		cfg.Workers.QueueSize = DefaultQueueSize
	}
	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.SuccessThreshold == 0 {
		cfg.CircuitBreaker.SuccessThreshold = 1
	}
	if cfg.CircuitBreaker.Timeout == 0 {
		cfg.CircuitBreaker.Timeout = Duration(30 * time.Second)
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = DefaultAdminAddr
	}
	if cfg.EventLog.Driver == "" {
		cfg.EventLog.Driver = requestlog.DriverMemory
	}
	if cfg.EventLog.Limit == 0 {
		cfg.EventLog.Limit = DefaultEventLogLimit
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// AdminEnabled reports whether the admin server should be started.
func (c Config) AdminEnabled() bool {
	return c.Admin.Addr != "" && c.Admin.Addr != "-"
}

// ValidateConfig validates a Config for correctness. It expects defaults to
// have been applied.
func ValidateConfig(cfg Config) error {
	var errs []error
	if cfg.Listen.Port < 0 || cfg.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", cfg.Listen.Port))
	}
	if cfg.Listen.ClientReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("listen.client_read_timeout must not be negative"))
	}
	if cfg.Listen.MaxHeaderBytes < 0 {
		errs = append(errs, fmt.Errorf("listen.max_header_bytes must not be negative"))
	}
	if cfg.Listen.RateLimit.RequestsPerSecond < 0 || cfg.Listen.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("listen.rate_limit values must not be negative"))
	}
	if cfg.Origin.Host == "" {
		errs = append(errs, fmt.Errorf("origin.host is required"))
	}
	if cfg.Origin.Port < 1 || cfg.Origin.Port > 65535 {
		errs = append(errs, fmt.Errorf("origin.port %d out of range", cfg.Origin.Port))
	}
	if cfg.Origin.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("origin.read_timeout must be positive"))
	}
	if cfg.Origin.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("origin.dial_timeout must be positive"))
	}
	if cfg.Cache.Capacity < 1 {
		errs = append(errs, fmt.Errorf("cache.capacity must be at least 1"))
	}
	if cfg.Workers.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("workers.pool_size must be at least 1"))
	}
	if cfg.Workers.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("workers.queue_size must not be negative"))
	}
	if cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.FailureThreshold < 1 || cfg.CircuitBreaker.SuccessThreshold < 1 {
			errs = append(errs, fmt.Errorf("circuit_breaker thresholds must be at least 1"))
		}
		if cfg.CircuitBreaker.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("circuit_breaker.timeout must be positive"))
		}
	}
	switch cfg.EventLog.Driver {
	case requestlog.DriverMemory:
	case requestlog.DriverSQLite, requestlog.DriverPostgres:
		if cfg.EventLog.DSN == "" {
			errs = append(errs, fmt.Errorf("event_log.dsn is required for driver %q", cfg.EventLog.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown event_log.driver: %q", cfg.EventLog.Driver))
	}
	if _, ok := logging.ParseLevel(cfg.Logging.Level); !ok {
		errs = append(errs, fmt.Errorf("unknown logging.level: %q", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format: %q", cfg.Logging.Format))
	}
	return errors.Join(errs...)
}
