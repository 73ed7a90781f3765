// Package config loads the relay's process configuration and the layout
// documents that describe its pipelines.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds the process configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Logging    LoggingConfig    `yaml:"logging"`
	Governance GovernanceConfig `yaml:"governance"`
	Tasks      []TaskConfig     `yaml:"tasks,omitempty"`
}

// ServerConfig holds the admin endpoint and the inbound listeners.
type ServerConfig struct {
	AdminAddress    string           `yaml:"admin_address"`
	Listeners       []ListenerConfig `yaml:"listeners,omitempty"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
}

// ListenerConfig binds a TCP address to the layout that runs one session per
// accepted connection.
type ListenerConfig struct {
	Address        string `yaml:"address"`
	Pipeline       string `yaml:"pipeline"`
	MaxConnections int    `yaml:"max_connections"`
}

// TaskConfig runs a layout on a cron schedule. Schedules have a leading
// seconds field and accept descriptors such as "@every 10s".
type TaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Pipeline string `yaml:"pipeline"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// PipelineConfig locates the layout document.
type PipelineConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GovernanceConfig holds the circuit breaker applied to connect targets.
type GovernanceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig mirrors governance.CircuitBreakerConfig.
type CircuitBreakerConfig struct {
	MaxFailures    int           `yaml:"max_failures"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
	HalfOpenProbes int           `yaml:"half_open_probes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:    ":19090",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "polis-relay"},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("RELAY_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("RELAY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("RELAY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("RELAY_PIPELINE_FILE"); val != "" {
		cfg.Pipeline.File = val
	}
	if val := os.Getenv("RELAY_PIPELINE_WATCH"); val == "true" {
		cfg.Pipeline.Watch = true
	}
	if val := os.Getenv("RELAY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("RELAY_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	// Listeners as a comma separated list of address=module/layout[@max]
	// pairs, e.g. ":8000=main/entry@1000,:8001=admin/entry".
	if val := os.Getenv("RELAY_LISTENERS"); val != "" {
		pairs := strings.Split(val, ",")
		cfg.Server.Listeners = make([]ListenerConfig, 0, len(pairs))
		for _, pair := range pairs {
			l, err := ParseListener(pair)
			if err != nil {
				continue
			}
			cfg.Server.Listeners = append(cfg.Server.Listeners, l)
		}
	}
}

// ParseListener parses a listener written as address=module/layout with an
// optional @max connection limit.
func ParseListener(spec string) (ListenerConfig, error) {
	addr, target, ok := strings.Cut(strings.TrimSpace(spec), "=")
	if !ok {
		return ListenerConfig{}, fmt.Errorf("listener %q: expected address=module/layout", spec)
	}
	l := ListenerConfig{Address: addr, Pipeline: target}
	if layout, limit, ok := strings.Cut(target, "@"); ok {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return ListenerConfig{}, fmt.Errorf("listener %q: invalid connection limit: %w", spec, err)
		}
		l.Pipeline = layout
		l.MaxConnections = n
	}
	return l, nil
}

// Validate performs validation of the entire configuration and fills in
// defaults.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Governance.Validate(); err != nil {
		return fmt.Errorf("governance configuration: %w", err)
	}
	names := make(map[string]bool, len(c.Tasks))
	for i := range c.Tasks {
		task := &c.Tasks[i]
		if err := task.Validate(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		if names[task.Name] {
			return fmt.Errorf("duplicate task name %q", task.Name)
		}
		names[task.Name] = true
	}
	if len(c.Server.Listeners)+len(c.Tasks) > 0 && strings.TrimSpace(c.Pipeline.File) == "" {
		return fmt.Errorf("pipeline configuration: listeners and tasks need a pipeline file")
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}

	seen := make(map[string]bool)
	for i, l := range c.Listeners {
		if strings.TrimSpace(l.Address) == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if err := validateLayoutRef(l.Pipeline); err != nil {
			return fmt.Errorf("listener %d: %w", i, err)
		}
		if l.MaxConnections < 0 {
			return fmt.Errorf("listener %d: max_connections must not be negative", i)
		}
		if seen[l.Address] {
			return fmt.Errorf("duplicate listener address %q", l.Address)
		}
		seen[l.Address] = true
		if l.Address == c.AdminAddress {
			return fmt.Errorf("listener %d address %q conflicts with admin_address", i, l.Address)
		}
	}
	return nil
}

// CronParser parses task schedules.
var CronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the schedule and the layout reference.
func (t *TaskConfig) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := CronParser.Parse(t.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", t.Schedule, err)
	}
	return validateLayoutRef(t.Pipeline)
}

func validateLayoutRef(ref string) error {
	mod, name, ok := strings.Cut(ref, "/")
	if !ok || mod == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("pipeline %q must be module/layout", ref)
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	switch strings.ToLower(strings.TrimSpace(c.Format)) {
	case "", "json":
		c.Format = "json"
	case "text", "console":
		c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text, console", c.Format)
	}
	return nil
}

// Validate checks the breaker thresholds.
func (c *GovernanceConfig) Validate() error {
	cb := c.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenProbes < 0 || cb.OpenTimeout < 0 {
		return fmt.Errorf("circuit_breaker values must not be negative")
	}
	return nil
}
