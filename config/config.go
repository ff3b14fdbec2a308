// Package config holds runtime configuration for the shim. It follows a
// three-layer priority: defaults, then environment variables, then functional
// options. File loading (JSON or YAML) slots between env and options.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshwire/meshwire/core"
	"github.com/meshwire/meshwire/liveliness"
)

// Config holds all configuration for a shim session.
//
// Example:
//
//	cfg, err := config.New(
//	    config.WithDomain(7),
//	    config.WithRedisURL("redis://localhost:6379"),
//	)
type Config struct {
	// SessionName identifies this session in logs and telemetry.
	SessionName string `json:"session_name" yaml:"session_name" env:"MESHWIRE_SESSION_NAME"`

	// Domain partitions discovery; sessions only see tokens in their domain.
	Domain int `json:"domain" yaml:"domain" env:"MESHWIRE_DOMAIN" default:"0"`

	// Enclave is the security enclave advertised in node tokens.
	Enclave string `json:"enclave" yaml:"enclave" env:"MESHWIRE_ENCLAVE" default:"/"`

	Transport TransportConfig `json:"transport" yaml:"transport"`

	// DefaultQoS applies to endpoints created without an explicit profile.
	DefaultQoS liveliness.QoSProfile `json:"default_qos" yaml:"default_qos"`

	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// TransportConfig selects and tunes the transport adapter.
type TransportConfig struct {
	// Provider is "redis" or "memory".
	Provider  string        `json:"provider" yaml:"provider" env:"MESHWIRE_TRANSPORT_PROVIDER" default:"redis"`
	RedisURL  string        `json:"redis_url" yaml:"redis_url" env:"MESHWIRE_REDIS_URL,REDIS_URL"`
	Namespace string        `json:"namespace" yaml:"namespace" env:"MESHWIRE_TRANSPORT_NAMESPACE" default:"meshwire"`
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl" env:"MESHWIRE_TOKEN_TTL" default:"30s"`
}

// UnmarshalYAML overlays only the fields present in the document and accepts
// token_ttl in time.ParseDuration form ("30s", "1m").
func (tc *TransportConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Provider  *string `yaml:"provider"`
		RedisURL  *string `yaml:"redis_url"`
		Namespace *string `yaml:"namespace"`
		TokenTTL  *string `yaml:"token_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Provider != nil {
		tc.Provider = *raw.Provider
	}
	if raw.RedisURL != nil {
		tc.RedisURL = *raw.RedisURL
	}
	if raw.Namespace != nil {
		tc.Namespace = *raw.Namespace
	}
	if raw.TokenTTL != nil {
		d, err := time.ParseDuration(*raw.TokenTTL)
		if err != nil {
			return &core.Error{
				Op:      "TransportConfig.UnmarshalYAML",
				Kind:    "config",
				Message: fmt.Sprintf("invalid token_ttl %q", *raw.TokenTTL),
				Err:     core.ErrInvalidConfiguration,
			}
		}
		tc.TokenTTL = d
	}
	return nil
}

// TelemetryConfig configures the OpenTelemetry provider. Traces and metrics
// export over OTLP gRPC when an endpoint is set; otherwise exporters write to
// stdout when enabled.
type TelemetryConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled" env:"MESHWIRE_TELEMETRY_ENABLED" default:"false"`
	Endpoint     string  `json:"endpoint" yaml:"endpoint" env:"MESHWIRE_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string  `json:"service_name" yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" env:"MESHWIRE_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure     bool    `json:"insecure" yaml:"insecure" env:"MESHWIRE_TELEMETRY_INSECURE" default:"true"`
}

// LoggingConfig configures the session logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"MESHWIRE_LOG_LEVEL" default:"info"`
	Format string `json:"format" yaml:"format" env:"MESHWIRE_LOG_FORMAT" default:"json"`
}

// Default returns the configuration baseline before env and options apply.
func Default() *Config {
	return &Config{
		SessionName: "meshwire",
		Domain:      0,
		Enclave:     "/",
		Transport: TransportConfig{
			Provider:  "redis",
			Namespace: "meshwire",
			TokenTTL:  30 * time.Second,
		},
		DefaultQoS: liveliness.DefaultQoS(),
		Telemetry: TelemetryConfig{
			Enabled:      false,
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromEnv overlays environment variables onto the configuration.
// Framework variables use the MESHWIRE_ prefix; REDIS_URL, OTEL_SERVICE_NAME,
// and OTEL_EXPORTER_OTLP_ENDPOINT are honored as standard fallbacks.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("MESHWIRE_SESSION_NAME"); v != "" {
		c.SessionName = v
	}
	if v := os.Getenv("MESHWIRE_DOMAIN"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 {
			return &core.Error{
				Op:      "Config.LoadFromEnv",
				Kind:    "config",
				Message: fmt.Sprintf("invalid MESHWIRE_DOMAIN: %q", v),
				Err:     core.ErrInvalidConfiguration,
			}
		}
		c.Domain = d
	}
	if v := os.Getenv("MESHWIRE_ENCLAVE"); v != "" {
		c.Enclave = v
	}

	if v := os.Getenv("MESHWIRE_TRANSPORT_PROVIDER"); v != "" {
		c.Transport.Provider = v
	}
	if v := os.Getenv("MESHWIRE_REDIS_URL"); v != "" {
		c.Transport.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Transport.RedisURL = v
	}
	if v := os.Getenv("MESHWIRE_TRANSPORT_NAMESPACE"); v != "" {
		c.Transport.Namespace = v
	}
	if v := os.Getenv("MESHWIRE_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Transport.TokenTTL = d
		}
	}

	if v := os.Getenv("MESHWIRE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("MESHWIRE_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	} else if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.SessionName
	}
	if v := os.Getenv("MESHWIRE_TELEMETRY_SAMPLING_RATE"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			c.Telemetry.SamplingRate = r
		}
	}
	if v := os.Getenv("MESHWIRE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = parseBool(v)
	}

	if v := os.Getenv("MESHWIRE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MESHWIRE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	return nil
}

// LoadFromFile overlays a JSON or YAML file onto the configuration. File
// settings override environment variables but are overridden by functional
// options.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return &core.Error{
			Op:      "Config.LoadFromFile",
			Kind:    "config",
			Message: fmt.Sprintf("unsupported config file extension %s", ext),
			Err:     core.ErrInvalidConfiguration,
		}
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return &core.Error{
				Op:      "Config.LoadFromFile",
				Kind:    "config",
				Message: fmt.Sprintf("failed to parse %s", cleanPath),
				Err:     core.ErrInvalidConfiguration,
			}
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return &core.Error{
				Op:      "Config.LoadFromFile",
				Kind:    "config",
				Message: fmt.Sprintf("failed to parse %s", cleanPath),
				Err:     core.ErrInvalidConfiguration,
			}
		}
	}
	return nil
}

// Validate checks the configuration and returns an error if it cannot be used
// to open a session.
func (c *Config) Validate() error {
	if c.SessionName == "" {
		return &core.Error{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "session name is required",
			Err:     core.ErrMissingConfiguration,
		}
	}
	if c.Domain < 0 {
		return &core.Error{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid domain: %d", c.Domain),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	switch c.Transport.Provider {
	case "redis":
		if c.Transport.RedisURL == "" {
			return &core.Error{
				Op:      "Config.Validate",
				Kind:    "config",
				Message: "redis URL is required when the redis transport is selected",
				Err:     core.ErrMissingConfiguration,
			}
		}
	case "memory":
	default:
		return &core.Error{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("unknown transport provider: %q", c.Transport.Provider),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if c.Transport.TokenTTL <= 0 {
		return &core.Error{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("token TTL must be positive, got %s", c.Transport.TokenTTL),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if c.DefaultQoS.Depth < 0 {
		return &core.Error{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid QoS depth: %d", c.DefaultQoS.Depth),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return &core.Error{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("sampling rate must be in [0,1], got %g", c.Telemetry.SamplingRate),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// Option mutates a Config during New.
type Option func(*Config) error

// WithSessionName sets the session name.
func WithSessionName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return &core.Error{
				Op:      "WithSessionName",
				Kind:    "config",
				Message: "session name cannot be empty",
				Err:     core.ErrInvalidConfiguration,
			}
		}
		c.SessionName = name
		return nil
	}
}

// WithDomain sets the discovery domain.
func WithDomain(domain int) Option {
	return func(c *Config) error {
		if domain < 0 {
			return &core.Error{
				Op:      "WithDomain",
				Kind:    "config",
				Message: fmt.Sprintf("invalid domain: %d", domain),
				Err:     core.ErrInvalidConfiguration,
			}
		}
		c.Domain = domain
		return nil
	}
}

// WithEnclave sets the security enclave name.
func WithEnclave(enclave string) Option {
	return func(c *Config) error {
		c.Enclave = enclave
		return nil
	}
}

// WithRedisURL selects the redis transport with the given URL.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Transport.Provider = "redis"
		c.Transport.RedisURL = url
		return nil
	}
}

// WithMemoryTransport selects the in-process transport.
func WithMemoryTransport() Option {
	return func(c *Config) error {
		c.Transport.Provider = "memory"
		return nil
	}
}

// WithTransportNamespace sets the key/channel prefix used on the wire.
func WithTransportNamespace(ns string) Option {
	return func(c *Config) error {
		c.Transport.Namespace = ns
		return nil
	}
}

// WithTokenTTL sets the presence token TTL.
func WithTokenTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		c.Transport.TokenTTL = ttl
		return nil
	}
}

// WithDefaultQoS sets the profile applied to endpoints created without one.
func WithDefaultQoS(qos liveliness.QoSProfile) Option {
	return func(c *Config) error {
		c.DefaultQoS = qos
		return nil
	}
}

// WithTelemetry enables telemetry export to the given OTLP endpoint.
func WithTelemetry(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithConfigFile loads the given file during New, after env variables.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// New builds a configuration: defaults, then environment, then options, then
// validation.
func New(opts ...Option) (*Config, error) {
	cfg := Default()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
