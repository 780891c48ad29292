// ABOUTME: Configuration loading and parsing for conclave
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/conclave/internal/agent"
	"github.com/2389/conclave/internal/provider"
)

// Config represents the complete conclave configuration
type Config struct {
	Server    ServerConfig             `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig          `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig           `yaml:"database" toml:"database"`
	Logging   LoggingConfig            `yaml:"logging" toml:"logging"`
	Routing   RoutingConfig            `yaml:"routing" toml:"routing"`
	Health    HealthConfig             `yaml:"health" toml:"health"`
	Fallback  FallbackConfig           `yaml:"fallback" toml:"fallback"`
	Events    EventsConfig             `yaml:"events" toml:"events"`
	Providers []ProviderConfig         `yaml:"providers" toml:"providers"`
	Agents    map[string]AgentOverride `yaml:"agents" toml:"agents"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional gRPC health service

	// IdempotencyTTL is how long an Idempotency-Key maps to its task
	IdempotencyTTL    time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTLRaw string        `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Path to the SQLite file. Empty or ":memory:" keeps tasks in memory.
	Path string `yaml:"path" toml:"path"`
}

// InMemory reports whether task history is kept in memory only
func (d DatabaseConfig) InMemory() bool {
	return d.Path == "" || d.Path == ":memory:"
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// RoutingConfig holds provider routing and pipeline limits
type RoutingConfig struct {
	CallTimeout    time.Duration   `yaml:"-" toml:"-"`
	RoutingCeiling time.Duration   `yaml:"-" toml:"-"`
	Backoff        []time.Duration `yaml:"-" toml:"-"`

	MaxAttempts         int `yaml:"max_attempts" toml:"max_attempts"`
	MaxConcurrentTasks  int `yaml:"max_concurrent_tasks" toml:"max_concurrent_tasks"`
	DigestEntryChars    int `yaml:"digest_entry_chars" toml:"digest_entry_chars"`
	DigestMaxChars      int `yaml:"digest_max_chars" toml:"digest_max_chars"`
	MaxDescriptionChars int `yaml:"max_description_chars" toml:"max_description_chars"`

	// Raw string values for unmarshaling
	CallTimeoutRaw    string   `yaml:"call_timeout" toml:"call_timeout"`
	RoutingCeilingRaw string   `yaml:"routing_ceiling" toml:"routing_ceiling"`
	BackoffRaw        []string `yaml:"backoff" toml:"backoff"`
}

// HealthConfig holds circuit breaker and probe configuration
type HealthConfig struct {
	WindowSize       int     `yaml:"window_size" toml:"window_size"`
	FailureThreshold float64 `yaml:"failure_threshold" toml:"failure_threshold"`
	MinSamples       int     `yaml:"min_samples" toml:"min_samples"`
	Decay            float64 `yaml:"decay" toml:"decay"`

	BaseCooldown  time.Duration `yaml:"-" toml:"-"`
	MaxCooldown   time.Duration `yaml:"-" toml:"-"`
	ProbeInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	BaseCooldownRaw  string `yaml:"base_cooldown" toml:"base_cooldown"`
	MaxCooldownRaw   string `yaml:"max_cooldown" toml:"max_cooldown"`
	ProbeIntervalRaw string `yaml:"probe_interval" toml:"probe_interval"`
}

// FallbackConfig holds fallback responder configuration
type FallbackConfig struct {
	Confidence float64 `yaml:"confidence" toml:"confidence"`
}

// EventsConfig holds event export configuration
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`

	// EmbeddedNATS runs a NATS server in-process when no nats_url is set
	EmbeddedNATS     bool `yaml:"embedded_nats" toml:"embedded_nats"`
	EmbeddedNATSPort int  `yaml:"embedded_nats_port" toml:"embedded_nats_port"`
}

// Enabled reports whether events are exported to NATS
func (e EventsConfig) Enabled() bool {
	return e.NATSURL != "" || e.EmbeddedNATS
}

// ProviderConfig describes one AI provider
type ProviderConfig struct {
	Name           string   `yaml:"name" toml:"name"`
	Kind           string   `yaml:"kind" toml:"kind"`
	Endpoint       string   `yaml:"endpoint" toml:"endpoint"`
	APIKey         string   `yaml:"api_key" toml:"api_key"`
	APIKeyEnv      string   `yaml:"api_key_env" toml:"api_key_env"`
	Model          string   `yaml:"model" toml:"model"`
	Capabilities   []string `yaml:"capabilities" toml:"capabilities"`
	Confidence     float64  `yaml:"confidence" toml:"confidence"`
	MaxTokens      int      `yaml:"max_tokens" toml:"max_tokens"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst" toml:"rate_limit_burst"`
}

// ResolveAPIKey returns the inline key, or the value of api_key_env
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// AgentOverride replaces parts of a role's default agent definition
type AgentOverride struct {
	PreferredProvider string   `yaml:"preferred_provider" toml:"preferred_provider"`
	Model             string   `yaml:"model" toml:"model"`
	Capabilities      []string `yaml:"capabilities" toml:"capabilities"`
}

// Default values
const (
	DefaultHTTPAddr            = "localhost:8080"
	DefaultIdempotencyTTL      = 10 * time.Minute
	DefaultCallTimeout         = 30 * time.Second
	DefaultMaxAttempts         = 3
	DefaultMaxConcurrentTasks  = 50
	DefaultDigestEntryChars    = 600
	DefaultDigestMaxChars      = 2400
	DefaultMaxDescriptionChars = 8000
	DefaultWindowSize          = 20
	DefaultFailureThreshold    = 0.5
	DefaultMinSamples          = 5
	DefaultDecay               = 0.9
	DefaultBaseCooldown        = 5 * time.Second
	DefaultMaxCooldown         = 5 * time.Minute
	DefaultProbeInterval       = 30 * time.Second
	DefaultFallbackConfidence  = 0.85
	DefaultSubjectPrefix       = "conclave"
)

// DefaultBackoff is the wait before the second and third provider attempts
var DefaultBackoff = []time.Duration{200 * time.Millisecond, 800 * time.Millisecond}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, formatFor(path))
}

// Format is a config file syntax
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes, defaults and validates configuration data
func Parse(data []byte, format Format) (*Config, error) {
	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and a single
// static provider, suitable for local development.
func Default() *Config {
	cfg := &Config{
		Providers: []ProviderConfig{{
			Name:         "static",
			Kind:         provider.KindStatic,
			Capabilities: AllCapabilities(),
		}},
	}
	cfg.applyDefaults()
	return cfg
}

// AllCapabilities returns every capability tag the default agents require
func AllCapabilities() []string {
	var out []string
	for _, role := range agent.Roles() {
		for _, c := range agent.DefaultCapabilities(role) {
			if !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.IdempotencyTTL == 0 {
		c.Server.IdempotencyTTL = DefaultIdempotencyTTL
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	r := &c.Routing
	if r.CallTimeout == 0 {
		r.CallTimeout = DefaultCallTimeout
	}
	if r.RoutingCeiling == 0 {
		r.RoutingCeiling = 3 * r.CallTimeout
	}
	if r.Backoff == nil {
		r.Backoff = slices.Clone(DefaultBackoff)
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.MaxConcurrentTasks == 0 {
		r.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if r.DigestEntryChars == 0 {
		r.DigestEntryChars = DefaultDigestEntryChars
	}
	if r.DigestMaxChars == 0 {
		r.DigestMaxChars = DefaultDigestMaxChars
	}
	if r.MaxDescriptionChars == 0 {
		r.MaxDescriptionChars = DefaultMaxDescriptionChars
	}

	h := &c.Health
	if h.WindowSize == 0 {
		h.WindowSize = DefaultWindowSize
	}
	if h.FailureThreshold == 0 {
		h.FailureThreshold = DefaultFailureThreshold
	}
	if h.MinSamples == 0 {
		h.MinSamples = DefaultMinSamples
	}
	if h.Decay == 0 {
		h.Decay = DefaultDecay
	}
	if h.BaseCooldown == 0 {
		h.BaseCooldown = DefaultBaseCooldown
	}
	if h.MaxCooldown == 0 {
		h.MaxCooldown = DefaultMaxCooldown
	}
	if h.ProbeInterval == 0 {
		h.ProbeInterval = DefaultProbeInterval
	}

	if c.Fallback.Confidence == 0 {
		c.Fallback.Confidence = DefaultFallbackConfidence
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = DefaultSubjectPrefix
	}

	for i := range c.Providers {
		if len(c.Providers[i].Capabilities) == 0 {
			c.Providers[i].Capabilities = AllCapabilities()
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	r := c.Routing
	if r.CallTimeout < 0 || r.RoutingCeiling < 0 {
		return fmt.Errorf("routing timeouts must be positive")
	}
	if r.RoutingCeiling < r.CallTimeout {
		return fmt.Errorf("routing.routing_ceiling (%s) must be at least routing.call_timeout (%s)", r.RoutingCeiling, r.CallTimeout)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("routing.max_attempts must be at least 1")
	}
	if r.MaxConcurrentTasks < 1 {
		return fmt.Errorf("routing.max_concurrent_tasks must be at least 1")
	}
	if r.DigestEntryChars < 1 || r.DigestMaxChars < r.DigestEntryChars {
		return fmt.Errorf("routing.digest_max_chars must be at least routing.digest_entry_chars, both positive")
	}
	if r.MaxDescriptionChars < 1 {
		return fmt.Errorf("routing.max_description_chars must be positive")
	}
	for _, d := range r.Backoff {
		if d < 0 {
			return fmt.Errorf("routing.backoff entries must not be negative")
		}
	}

	h := c.Health
	if h.WindowSize < 1 {
		return fmt.Errorf("health.window_size must be at least 1")
	}
	if h.FailureThreshold <= 0 || h.FailureThreshold >= 1 {
		return fmt.Errorf("health.failure_threshold must be between 0 and 1 (got %v)", h.FailureThreshold)
	}
	if h.MinSamples < 1 || h.MinSamples > h.WindowSize {
		return fmt.Errorf("health.min_samples must be between 1 and health.window_size")
	}
	if h.Decay <= 0 || h.Decay > 1 {
		return fmt.Errorf("health.decay must be in (0, 1] (got %v)", h.Decay)
	}
	if h.BaseCooldown <= 0 || h.MaxCooldown < h.BaseCooldown {
		return fmt.Errorf("health.max_cooldown must be at least health.base_cooldown, both positive")
	}
	if h.ProbeInterval <= 0 {
		return fmt.Errorf("health.probe_interval must be positive")
	}

	if c.Fallback.Confidence <= 0 || c.Fallback.Confidence > 1 {
		return fmt.Errorf("fallback.confidence must be in (0, 1] (got %v)", c.Fallback.Confidence)
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true
		if !slices.Contains(provider.Kinds(), p.Kind) {
			return fmt.Errorf("providers[%d] (%s): unknown kind %q (valid: %s)", i, p.Name, p.Kind, strings.Join(provider.Kinds(), ", "))
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return fmt.Errorf("providers[%d] (%s): confidence must be in [0, 1]", i, p.Name)
		}
		if p.RateLimitRPS < 0 || p.RateLimitBurst < 0 || p.MaxTokens < 0 {
			return fmt.Errorf("providers[%d] (%s): rate limits and max_tokens must not be negative", i, p.Name)
		}
	}

	for role, o := range c.Agents {
		if !agent.Role(role).Valid() {
			return fmt.Errorf("agents: unknown role %q", role)
		}
		if o.PreferredProvider != "" && !seen[o.PreferredProvider] {
			return fmt.Errorf("agents.%s: preferred_provider %q is not a configured provider", role, o.PreferredProvider)
		}
	}

	return nil
}

// AgentDefinitions returns the default agents with configured overrides applied
func (c *Config) AgentDefinitions() []*agent.Agent {
	agents := agent.DefaultAgents()
	for _, a := range agents {
		o, ok := c.Agents[string(a.Role)]
		if !ok {
			continue
		}
		if o.PreferredProvider != "" {
			a.PreferredProvider = o.PreferredProvider
		}
		if o.Model != "" {
			a.Model = o.Model
		}
		if len(o.Capabilities) > 0 {
			a.Capabilities = slices.Clone(o.Capabilities)
		}
	}
	return agents
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.idempotency_ttl", cfg.Server.IdempotencyTTLRaw, &cfg.Server.IdempotencyTTL},
		{"routing.call_timeout", cfg.Routing.CallTimeoutRaw, &cfg.Routing.CallTimeout},
		{"routing.routing_ceiling", cfg.Routing.RoutingCeilingRaw, &cfg.Routing.RoutingCeiling},
		{"health.base_cooldown", cfg.Health.BaseCooldownRaw, &cfg.Health.BaseCooldown},
		{"health.max_cooldown", cfg.Health.MaxCooldownRaw, &cfg.Health.MaxCooldown},
		{"health.probe_interval", cfg.Health.ProbeIntervalRaw, &cfg.Health.ProbeInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	if cfg.Routing.BackoffRaw != nil {
		cfg.Routing.Backoff = make([]time.Duration, 0, len(cfg.Routing.BackoffRaw))
		for _, raw := range cfg.Routing.BackoffRaw {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("parsing routing.backoff %q: %w", raw, err)
			}
			cfg.Routing.Backoff = append(cfg.Routing.Backoff, d)
		}
	}

	return nil
}
