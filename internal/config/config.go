package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	APIKey            string        `yaml:"api_key"`
	WebhookSecret     string        `yaml:"webhook_secret"`      // X-Webhook-Secret expected on /webhooks/events
	WebhookAllowedIPs []string      `yaml:"webhook_allowed_ips"` // IPs/CIDRs allowed to call webhooks (empty = allow all)
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`    // Max HTTP header size (default: 1MB)
	ReadTimeout       time.Duration `yaml:"read_timeout"`        // HTTP read timeout (default: 30s)
	WriteTimeout      time.Duration `yaml:"write_timeout"`       // HTTP write timeout (default: 0, SSE streams stay open)
	IdleTimeout       time.Duration `yaml:"idle_timeout"`        // HTTP idle timeout (default: 60s)
	AllowedIPs        []string      `yaml:"allowed_ips"`         // IPs/CIDRs allowed to access /api (empty = allow all)
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path            string `yaml:"path"`             // SQLite database
	CredentialsPath string `yaml:"credentials_path"` // bbolt file with transport credentials and metric counters
}

// Transport modes
const (
	TransportGateway = "gateway"
	TransportSandbox = "sandbox"
)

// TransportConfig selects and configures the transport client
type TransportConfig struct {
	Mode    string        `yaml:"mode"` // gateway, sandbox
	Gateway GatewayConfig `yaml:"gateway"`
	Sandbox SandboxConfig `yaml:"sandbox"`
}

// GatewayConfig contains settings for the HTTP chat gateway
type GatewayConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	WebhookURL        string        `yaml:"webhook_url"` // Where the gateway posts events back
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	Burst             int           `yaml:"burst"`
}

// SandboxConfig contains settings for the in-process sandbox transport
type SandboxConfig struct {
	RequireScan  bool          `yaml:"require_scan"`
	ReadyDelay   time.Duration `yaml:"ready_delay"`
	ReceiptDelay time.Duration `yaml:"receipt_delay"`
	ErrorRate    float64       `yaml:"error_rate"` // 0.0 to 1.0
}

// SessionsConfig contains connection lifecycle settings
type SessionsConfig struct {
	MaxRestarts   int           `yaml:"max_restarts"`   // Default: 5
	RestartDelay  time.Duration `yaml:"restart_delay"`  // Default: 5s
	PersistPolicy string        `yaml:"persist_policy"` // log, fail
	ScanTTL       time.Duration `yaml:"scan_ttl"`       // Stored scan payloads expire after this (default: 60s)
	SweepInterval time.Duration `yaml:"sweep_interval"` // Default: scan_ttl / 2
}

// SpeedConfig bounds the delay between two sends
type SpeedConfig struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// DispatchConfig contains campaign loop settings
type DispatchConfig struct {
	ResumeOnStart *bool                  `yaml:"resume_on_start"` // Default: true
	Speeds        map[string]SpeedConfig `yaml:"speeds"`          // Overrides for slow, medium, fast
}

// SchedulerConfig contains due-campaign polling settings
type SchedulerConfig struct {
	Enabled *bool  `yaml:"enabled"` // Default: true
	Spec    string `yaml:"spec"`    // cron spec, default "@every 30s"
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// Load loads configuration from a YAML file. ${VAR} references are expanded from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses, defaults and validates a YAML document
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/courier/courier.db"
	}
	if c.Storage.CredentialsPath == "" {
		c.Storage.CredentialsPath = "/var/lib/courier/credentials.db"
	}

	if c.Transport.Mode == "" {
		c.Transport.Mode = TransportGateway
	}
	if c.Transport.Gateway.Timeout == 0 {
		c.Transport.Gateway.Timeout = 30 * time.Second
	}
	if c.Transport.Sandbox.ReadyDelay == 0 {
		c.Transport.Sandbox.ReadyDelay = time.Second
	}

	if c.Sessions.MaxRestarts == 0 {
		c.Sessions.MaxRestarts = 5
	}
	if c.Sessions.RestartDelay == 0 {
		c.Sessions.RestartDelay = 5 * time.Second
	}
	if c.Sessions.PersistPolicy == "" {
		c.Sessions.PersistPolicy = "log"
	}
	if c.Sessions.ScanTTL == 0 {
		c.Sessions.ScanTTL = 60 * time.Second
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = c.Sessions.ScanTTL / 2
	}

	if c.Dispatch.ResumeOnStart == nil {
		enabled := true
		c.Dispatch.ResumeOnStart = &enabled
	}

	if c.Scheduler.Enabled == nil {
		enabled := true
		c.Scheduler.Enabled = &enabled
	}
	if c.Scheduler.Spec == "" {
		c.Scheduler.Spec = "@every 30s"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.validateTransport(); err != nil {
		return err
	}

	if c.Sessions.MaxRestarts < 0 {
		return fmt.Errorf("sessions.max_restarts must not be negative")
	}
	if c.Sessions.PersistPolicy != "log" && c.Sessions.PersistPolicy != "fail" {
		return fmt.Errorf("invalid sessions.persist_policy: %s (must be log or fail)", c.Sessions.PersistPolicy)
	}

	return c.validateSpeeds()
}

// validateTransport validates transport configuration
func (c *Config) validateTransport() error {
	switch c.Transport.Mode {
	case TransportGateway:
		if c.Transport.Gateway.BaseURL == "" {
			return fmt.Errorf("transport.gateway.base_url is required in gateway mode")
		}
		if c.Transport.Gateway.RequestsPerSecond < 0 {
			return fmt.Errorf("transport.gateway.requests_per_second must not be negative")
		}
	case TransportSandbox:
		rate := c.Transport.Sandbox.ErrorRate
		if rate < 0 || rate > 1 {
			return fmt.Errorf("transport.sandbox.error_rate must be between 0 and 1")
		}
	default:
		return fmt.Errorf("invalid transport.mode: %s (must be gateway or sandbox)", c.Transport.Mode)
	}
	return nil
}

// validateSpeeds validates pacing overrides
func (c *Config) validateSpeeds() error {
	validSpeeds := map[string]bool{"slow": true, "medium": true, "fast": true}
	for name, s := range c.Dispatch.Speeds {
		if !validSpeeds[name] {
			return fmt.Errorf("dispatch.speeds.%s: unknown speed (must be slow, medium, or fast)", name)
		}
		if s.Min < 0 || s.Max < s.Min {
			return fmt.Errorf("dispatch.speeds.%s: need 0 <= min <= max", name)
		}
	}
	return nil
}

// IsSandbox returns true if the sandbox transport is selected
func (c *Config) IsSandbox() bool {
	return c.Transport.Mode == TransportSandbox
}
