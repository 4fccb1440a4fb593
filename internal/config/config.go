// Package config provides YAML configuration loading with validation and
// environment variable substitution for the routing gateway.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dskow/routing-gateway/internal/destination"
	"github.com/dskow/routing-gateway/internal/routing"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server       ServerConfig        `yaml:"server" json:"server"`
	Metrics      MetricsConfig       `yaml:"metrics" json:"metrics"`
	Logging      LoggingConfig       `yaml:"logging" json:"logging"`
	RateLimit    RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Auth         AuthConfig          `yaml:"auth" json:"auth"`
	Admin        AdminConfig         `yaml:"admin" json:"admin"`
	Routing      RoutingConfig       `yaml:"routing" json:"routing"`
	Defaults     DefaultsConfig      `yaml:"destination_defaults" json:"destination_defaults"`
	Destinations []DestinationConfig `yaml:"destinations" json:"destinations"`
	Mappings     []MappingConfig     `yaml:"mappings" json:"mappings"`

	// Warnings holds non-fatal issues found while loading. Kept on the
	// Config so concurrent loads from the reloader do not share state.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// MetricsConfig holds Prometheus endpoint settings. Enabled defaults to true.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"` // separate listener; default: 9091
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log level, format and output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`             // debug, info, warn, error; default: info
	Format     string `yaml:"format" json:"format"`           // json or text; default: json
	Output     string `yaml:"output" json:"output"`           // stdout, stderr, or file path; default: stdout
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // rotation size for file output; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// RateLimitConfig holds the per-client limiter settings for the proxy surface.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AuthConfig holds JWT settings guarding the admin API.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// RoutingConfig holds routing engine and dispatcher settings.
type RoutingConfig struct {
	DefaultStrategy  string        `yaml:"default_strategy" json:"default_strategy"`
	ExternalIDHeader string        `yaml:"external_id_header" json:"external_id_header"`
	MaxResponseBytes int64         `yaml:"max_response_bytes" json:"max_response_bytes"`
	UserAgent        string        `yaml:"user_agent" json:"user_agent"`
	ProbePath        string        `yaml:"probe_path" json:"probe_path"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
}

// Strategy returns the parsed default strategy. Call after validation.
func (r RoutingConfig) Strategy() routing.Strategy {
	s, err := routing.ParseStrategy(r.DefaultStrategy)
	if err != nil {
		return routing.StrategyPriority
	}
	return s
}

// DefaultsConfig holds values applied to destinations that omit them.
type DefaultsConfig struct {
	TimeoutMs      int                       `yaml:"timeout_ms" json:"timeout_ms"`
	Priority       int                       `yaml:"priority" json:"priority"`
	Retry          destination.RetryPolicy   `yaml:"retry" json:"retry"`
	CircuitBreaker destination.CircuitPolicy `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// DestinationConfig is one configured downstream.
type DestinationConfig struct {
	ID             string                     `yaml:"id" json:"id"`
	Name           string                     `yaml:"name" json:"name"`
	BaseURL        string                     `yaml:"base_url" json:"base_url"`
	APIKey         string                     `yaml:"api_key" json:"api_key"`
	TimeoutMs      int                        `yaml:"timeout_ms" json:"timeout_ms"`
	Priority       int                        `yaml:"priority" json:"priority"`
	Enabled        *bool                      `yaml:"enabled" json:"enabled"`
	Retry          *destination.RetryPolicy   `yaml:"retry" json:"retry,omitempty"`
	CircuitBreaker *destination.CircuitPolicy `yaml:"circuit_breaker" json:"circuit_breaker,omitempty"`
}

// IsEnabled returns whether the destination starts enabled (defaults to true).
func (d DestinationConfig) IsEnabled() bool {
	if d.Enabled == nil {
		return true
	}
	return *d.Enabled
}

// MappingConfig is one external id to destination mapping.
type MappingConfig struct {
	ExternalID  string `yaml:"external_id" json:"external_id"`
	Destination string `yaml:"destination" json:"destination"`
}

// Destination converts d to a registry record using defaults for omitted values.
func (d DestinationConfig) Destination(defaults DefaultsConfig) destination.Destination {
	out := destination.Destination{
		ID:        d.ID,
		Name:      d.Name,
		BaseURL:   strings.TrimRight(d.BaseURL, "/"),
		APIKey:    d.APIKey,
		TimeoutMs: d.TimeoutMs,
		Priority:  d.Priority,
		Enabled:   d.IsEnabled(),
	}
	if out.Name == "" {
		out.Name = d.ID
	}
	if out.TimeoutMs == 0 {
		out.TimeoutMs = defaults.TimeoutMs
	}
	if out.Priority == 0 {
		out.Priority = defaults.Priority
	}
	out.Retry, out.Circuit = d.policies(defaults)
	return out.WithDefaults()
}

// policies overlays the non-zero fields of the destination's retry and
// circuit breaker blocks onto the defaults.
func (d DestinationConfig) policies(defaults DefaultsConfig) (destination.RetryPolicy, destination.CircuitPolicy) {
	retry, circuit := defaults.Retry, defaults.CircuitBreaker
	if d.Retry != nil {
		if d.Retry.MaxAttempts != 0 {
			retry.MaxAttempts = d.Retry.MaxAttempts
		}
		if d.Retry.DelayMs != 0 {
			retry.DelayMs = d.Retry.DelayMs
		}
	}
	if d.CircuitBreaker != nil {
		if d.CircuitBreaker.FailureThreshold != 0 {
			circuit.FailureThreshold = d.CircuitBreaker.FailureThreshold
		}
		if d.CircuitBreaker.OpenDurationMs != 0 {
			circuit.OpenDurationMs = d.CircuitBreaker.OpenDurationMs
		}
	}
	return retry, circuit
}

// DestinationList returns every configured destination as registry records.
func (c *Config) DestinationList() []destination.Destination {
	out := make([]destination.Destination, len(c.Destinations))
	for i, d := range c.Destinations {
		out[i] = d.Destination(c.Defaults)
	}
	return out
}

// Redacted returns a copy with secrets masked, for the admin API.
func (c *Config) Redacted() Config {
	out := *c
	if out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = "[REDACTED]"
	}
	out.Destinations = make([]DestinationConfig, len(c.Destinations))
	for i, d := range c.Destinations {
		if d.APIKey != "" {
			d.APIKey = "[REDACTED]"
		}
		out.Destinations[i] = d
	}
	return out
}

// envVarRe matches ${VAR} and ${VAR:-default}.
var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} patterns with the environment value. Unset
// variables fall back to the :- default when given, otherwise the pattern
// is left in place so validation and warnings can report it.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		m := envVarRe.FindStringSubmatch(match)
		if val, ok := os.LookupEnv(m[1]); ok {
			return val
		}
		if m[2] != "" {
			return m[3]
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9091
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 45 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	r := &cfg.Routing
	if r.DefaultStrategy == "" {
		r.DefaultStrategy = routing.StrategyPriority.String()
	}
	if r.ExternalIDHeader == "" {
		r.ExternalIDHeader = "X-External-ID"
	}
	if r.MaxResponseBytes == 0 {
		r.MaxResponseBytes = 10 << 20
	}
	if r.UserAgent == "" {
		r.UserAgent = "routing-gateway/1.0"
	}
	if r.ProbePath == "" {
		r.ProbePath = "/health"
	}
	if r.ProbeTimeout == 0 {
		r.ProbeTimeout = 5 * time.Second
	}

	d := &cfg.Defaults
	if d.TimeoutMs == 0 {
		d.TimeoutMs = destination.DefaultTimeoutMs
	}
	if d.Priority == 0 {
		d.Priority = destination.DefaultPriority
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry.MaxAttempts = destination.DefaultMaxAttempts
	}
	if d.CircuitBreaker.FailureThreshold == 0 {
		d.CircuitBreaker.FailureThreshold = destination.DefaultFailureThreshold
	}
	if d.CircuitBreaker.OpenDurationMs == 0 {
		d.CircuitBreaker.OpenDurationMs = destination.DefaultOpenDurationMs
	}
}

// ValidLogLevels are the accepted logging.level values.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Metrics.IsEnabled() {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", cfg.Metrics.Port)
		}
		if cfg.Metrics.Port == cfg.Server.Port {
			return fmt.Errorf("metrics.port must differ from server.port")
		}
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	for i, p := range cfg.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			return fmt.Errorf("server.trusted_proxies[%d]: invalid IP or CIDR %q", i, p)
		}
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	if !ValidLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" && cfg.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	if _, err := routing.ParseStrategy(cfg.Routing.DefaultStrategy); err != nil {
		return fmt.Errorf("routing.default_strategy: %w", err)
	}
	if !strings.HasPrefix(cfg.Routing.ProbePath, "/") {
		return fmt.Errorf("routing.probe_path must start with /")
	}
	if cfg.Routing.MaxResponseBytes < 0 {
		return fmt.Errorf("routing.max_response_bytes must be positive")
	}

	if err := validatePolicies("destination_defaults", cfg.Defaults.Retry, cfg.Defaults.CircuitBreaker); err != nil {
		return err
	}
	if cfg.Defaults.TimeoutMs < 100 || cfg.Defaults.TimeoutMs > 60000 {
		return fmt.Errorf("destination_defaults.timeout_ms must be between 100 and 60000")
	}

	seen := make(map[string]bool)
	enabled := make(map[string]bool)
	for i, d := range cfg.Destinations {
		if d.ID == "" {
			return fmt.Errorf("destinations[%d].id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate destination id: %s", d.ID)
		}
		seen[d.ID] = true
		enabled[d.ID] = d.IsEnabled()

		if err := validateBaseURL(d.BaseURL); err != nil {
			return fmt.Errorf("destinations[%d].base_url: %w", i, err)
		}
		if d.TimeoutMs != 0 && (d.TimeoutMs < 100 || d.TimeoutMs > 60000) {
			return fmt.Errorf("destinations[%d].timeout_ms must be between 100 and 60000", i)
		}
		if d.Priority < 0 {
			return fmt.Errorf("destinations[%d].priority must be positive", i)
		}
		retry, circuit := d.policies(cfg.Defaults)
		if err := validatePolicies(fmt.Sprintf("destinations[%d]", i), retry, circuit); err != nil {
			return err
		}
	}

	mapped := make(map[string]bool)
	for i, m := range cfg.Mappings {
		if m.ExternalID == "" {
			return fmt.Errorf("mappings[%d].external_id is required", i)
		}
		if mapped[m.ExternalID] {
			return fmt.Errorf("duplicate mapping for external_id %q", m.ExternalID)
		}
		mapped[m.ExternalID] = true
		if !seen[m.Destination] {
			return fmt.Errorf("mappings[%d]: unknown destination %q", i, m.Destination)
		}
		if !enabled[m.Destination] {
			return fmt.Errorf("mappings[%d]: destination %q is disabled", i, m.Destination)
		}
	}

	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func validatePolicies(prefix string, r destination.RetryPolicy, c destination.CircuitPolicy) error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("%s.retry.max_attempts must be positive", prefix)
	}
	if r.DelayMs < 0 {
		return fmt.Errorf("%s.retry.delay_ms must be non-negative", prefix)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%s.circuit_breaker.failure_threshold must be positive", prefix)
	}
	if c.OpenDurationMs < 1 {
		return fmt.Errorf("%s.circuit_breaker.open_duration_ms must be positive", prefix)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if len(cfg.Destinations) == 0 {
		warnings = append(warnings, "no destinations configured; add them through the admin API")
	}
	for _, d := range cfg.Destinations {
		switch {
		case d.APIKey == "":
			warnings = append(warnings, fmt.Sprintf("destination %s has no api_key", d.ID))
		case strings.Contains(d.APIKey, "${"):
			warnings = append(warnings, fmt.Sprintf("destination %s api_key contains unresolved environment variable", d.ID))
		}
	}
	if cfg.Admin.Enabled && !cfg.Auth.Enabled {
		warnings = append(warnings, "admin API is enabled without JWT auth; relying on ip_allowlist only")
	}
	return warnings
}
