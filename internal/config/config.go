// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/tlu-gateway/config.toml",
	"configs/config.toml",
}

// DefaultUpstreamURL is the student-information-system the gateway fronts.
const DefaultUpstreamURL = "https://sinhvien1.tlu.edu.vn"

// Retry settings where 0 is meaningful are seeded before the file is read, so
// an explicit max_retries = 0 or delay_step_ms = 0 survives.
const (
	defaultMaxRetries  = 5
	defaultDelayStepMs = 1000
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamURL  string `kong:"name='upstream-url',help='Upstream base URL (overrides config).',env='UPSTREAM_BASE_URL'"`
	ClientID     string `kong:"name='client-id',help='OAuth client_id (overrides config).',env='OAUTH_CLIENT_ID'"`
	ClientSecret string `kong:"name='client-secret',help='OAuth client_secret (overrides config).',env='OAUTH_CLIENT_SECRET'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	OAuth    OAuthConfig    `toml:"oauth"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL          string `toml:"base_url"`
	VerifyTLS        bool   `toml:"verify_tls"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	DeadlineSeconds  int    `toml:"deadline_seconds"`
	MaxResponseBytes int64  `toml:"max_response_bytes"`

	Retry RetryConfig `toml:"retry"`
}

// RetryConfig tunes the fetch engine used for idempotent upstream calls.
type RetryConfig struct {
	MaxRetries           int  `toml:"max_retries"`
	InitialDelayMs       int  `toml:"initial_delay_ms"`
	DelayStepMs          int  `toml:"delay_step_ms"`
	DowngradeAtRemaining int  `toml:"downgrade_at_remaining"`
	DisableDowngrade     bool `toml:"disable_downgrade"`
}

// OAuthConfig holds the fixed client credentials of the upstream token endpoint.
type OAuthConfig struct {
	TokenPath    string `toml:"token_path"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	GrantType    string `toml:"grant_type"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/tlu-gateway/config.toml then configs/config.toml. If neither exists the
// built-in defaults are used, so the gateway runs with flags or env alone.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	cfg := Config{Upstream: UpstreamConfig{Retry: RetryConfig{
		MaxRetries:  defaultMaxRetries,
		DelayStepMs: defaultDelayStepMs,
	}}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.ClientID != "" {
		c.OAuth.ClientID = cli.ClientID
	}
	if cli.ClientSecret != "" {
		c.OAuth.ClientSecret = cli.ClientSecret
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Upstream URL: optional (defaulted), but must be absolute http(s) without query.
	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil {
			return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return fmt.Errorf("upstream.base_url must use https or http; got %q", c.Upstream.BaseURL)
		}
		if u.Host == "" {
			return fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL)
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("upstream.base_url must not carry a query or fragment; got %q", c.Upstream.BaseURL)
		}
	}
	if c.OAuth.TokenPath != "" && c.OAuth.TokenPath[0] != '/' {
		return fmt.Errorf("oauth.token_path must start with '/'; got %q", c.OAuth.TokenPath)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.DeadlineSeconds < 0 {
		return fmt.Errorf("upstream.deadline_seconds must be non-negative; got %d", c.Upstream.DeadlineSeconds)
	}
	if c.Upstream.MaxResponseBytes < 0 {
		return fmt.Errorf("upstream.max_response_bytes must be non-negative; got %d", c.Upstream.MaxResponseBytes)
	}
	r := c.Upstream.Retry
	if r.MaxRetries < 0 || r.InitialDelayMs < 0 || r.DelayStepMs < 0 || r.DowngradeAtRemaining < 0 {
		return fmt.Errorf("upstream.retry values must be non-negative; got %+v", r)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Everything outside the local routes is proxied, so the metrics path
	// must not shadow them.
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/login", "/healthz", "/gateway/status", "/education"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key; retry.max_retries and retry.delay_step_ms
// are the exceptions (see Load). Use retry.disable_downgrade rather than
// downgrade_at_remaining = 0 to turn the http probe off.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamURL
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.DeadlineSeconds == 0 {
		c.Upstream.DeadlineSeconds = 90
	}
	if c.Upstream.MaxResponseBytes == 0 {
		c.Upstream.MaxResponseBytes = 32 * 1024 * 1024
	}
	if c.Upstream.Retry.InitialDelayMs == 0 {
		c.Upstream.Retry.InitialDelayMs = 1000
	}
	if c.Upstream.Retry.DowngradeAtRemaining == 0 {
		c.Upstream.Retry.DowngradeAtRemaining = 3
	}
	if c.OAuth.TokenPath == "" {
		c.OAuth.TokenPath = "/education/oauth/token"
	}
	if c.OAuth.ClientID == "" {
		c.OAuth.ClientID = "education_client"
	}
	if c.OAuth.ClientSecret == "" {
		c.OAuth.ClientSecret = "password"
	}
	if c.OAuth.GrantType == "" {
		c.OAuth.GrantType = "password"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout is the per-attempt upstream timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Deadline bounds a whole retry chain, backoff sleeps included.
func (c *UpstreamConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds) * time.Second
}

// InitialDelay is the first backoff sleep.
func (c *RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

// DelayStep is added to the backoff sleep after every retry.
func (c *RetryConfig) DelayStep() time.Duration {
	return time.Duration(c.DelayStepMs) * time.Millisecond
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may carry the OAuth client secret.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
