// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/rewrite-proxy/config.toml",
	"configs/config.toml",
}

// Upstream client kinds.
const (
	ClientDirect  = "direct"
	ClientAntiBot = "antibot"
)

// Out-of-scope request policies.
const (
	OutOfScopePassthrough = "passthrough"
	OutOfScopeDrop        = "drop"
)

// Fingerprints lists the browser TLS fingerprints accepted by upstream.fingerprint.
var Fingerprints = []string{"chrome", "firefox", "safari", "edge", "ios", "randomized"}

// CLI holds command-line arguments parsed by Kong.
// Boolean overrides are strings so that an unset flag can be told apart from false.
type CLI struct {
	Config          string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Listen          string `kong:"short='l',help='Proxy listen address (overrides config).',env='LISTEN_ADDR'"`
	ScopeDomain     string `kong:"help='Domain suffix whose requests are rewritten (overrides config).',env='SCOPE_DOMAIN'"`
	Backend         string `kong:"help='Backend host or IP, optionally with port (overrides config).',env='BACKEND_ADDR'"`
	UpstreamProxy   string `kong:"help='Upstream proxy URL: http, https or socks5 (overrides config).',env='UPSTREAM_PROXY'"`
	UpstreamClient  string `kong:"help='Upstream client: direct|antibot (overrides config).',env='UPSTREAM_CLIENT'"`
	VerifyTLS       string `kong:"name='verify-tls',help='Verify backend TLS certificates: true|false (overrides config).',env='VERIFY_TLS'"`
	FollowRedirects string `kong:"help='Follow backend redirects: true|false (overrides config).',env='FOLLOW_REDIRECTS'"`
	LogLevel        string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Proxy    ProxyConfig    `toml:"proxy"`
	Scope    ScopeConfig    `toml:"scope"`
	Backend  BackendConfig  `toml:"backend"`
	Upstream UpstreamConfig `toml:"upstream"`
	Admin    AdminConfig    `toml:"admin"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ProxyConfig holds settings of the intercepting listener.
type ProxyConfig struct {
	Addr              string `toml:"addr"`
	StreamLargeBodies int64  `toml:"stream_large_bodies"` // bodies above this size bypass the rewrite hook
	SslInsecure       bool   `toml:"ssl_insecure"`        // applies to pass-through traffic only
	CaRootPath        string `toml:"ca_root_path"`
}

// ScopeConfig decides which requests are rewritten.
type ScopeConfig struct {
	Domain      string   `toml:"domain"`
	IgnoreHosts []string `toml:"ignore_hosts"`
	OutOfScope  string   `toml:"out_of_scope"`
}

// BackendConfig holds the fixed destination for in-scope requests.
type BackendConfig struct {
	Address string `toml:"address"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	Client          string          `toml:"client"`
	Fingerprint     string          `toml:"fingerprint"`
	ProxyURL        string          `toml:"proxy_url"`
	TimeoutSeconds  int             `toml:"timeout_seconds"`
	IdleConnections int             `toml:"idle_connections"`
	BodyMaxBytes    int64           `toml:"body_max_bytes"`
	FollowRedirects bool            `toml:"follow_redirects"`
	VerifyTLS       bool            `toml:"verify_tls"`
	RateLimit       RateLimitConfig `toml:"rate_limit"`
}

// AdminConfig holds settings of the health/status/metrics HTTP server.
type AdminConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (8081)
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
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

// Load reads the TOML config file (if any) and applies CLI/env overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/rewrite-proxy/config.toml then configs/config.toml. Running without any
// file is allowed; everything can come from the environment.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
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

	if err := cfg.applyCLI(cli); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.Listen != "" {
		c.Proxy.Addr = cli.Listen
	}
	if cli.ScopeDomain != "" {
		c.Scope.Domain = cli.ScopeDomain
	}
	if cli.Backend != "" {
		c.Backend.Address = cli.Backend
	}
	if cli.UpstreamProxy != "" {
		c.Upstream.ProxyURL = cli.UpstreamProxy
	}
	if cli.UpstreamClient != "" {
		c.Upstream.Client = cli.UpstreamClient
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if err := overrideBool(&c.Upstream.VerifyTLS, cli.VerifyTLS, "verify-tls"); err != nil {
		return err
	}
	return overrideBool(&c.Upstream.FollowRedirects, cli.FollowRedirects, "follow-redirects")
}

func overrideBool(dst *bool, raw, name string) error {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("--%s must be true or false; got %q", name, raw)
	}
	*dst = v
	return nil
}

// normalize lower-cases case-insensitive values and trims the DNS root dot
// from the scope domain.
func (c *Config) normalize() {
	c.Scope.Domain = strings.Trim(strings.ToLower(strings.TrimSpace(c.Scope.Domain)), ".")
	c.Scope.OutOfScope = strings.ToLower(c.Scope.OutOfScope)
	c.Upstream.Client = strings.ToLower(c.Upstream.Client)
	c.Upstream.Fingerprint = strings.ToLower(c.Upstream.Fingerprint)
	c.Backend.Address = strings.TrimSpace(c.Backend.Address)
}

func (c *Config) validate() error {
	// Scope and backend: both required.
	if c.Scope.Domain == "" {
		return fmt.Errorf("scope.domain is required")
	}
	if strings.ContainsAny(c.Scope.Domain, "/:*? ") {
		return fmt.Errorf("scope.domain must be a bare domain name; got %q", c.Scope.Domain)
	}
	if c.Backend.Address == "" {
		return fmt.Errorf("backend.address is required")
	}
	if strings.Contains(c.Backend.Address, "://") || strings.ContainsAny(c.Backend.Address, "/?#@") {
		return fmt.Errorf("backend.address must be host, IP or host:port; got %q", c.Backend.Address)
	}
	switch c.Scope.OutOfScope {
	case OutOfScopePassthrough, OutOfScopeDrop, "":
		// valid
	default:
		return fmt.Errorf("scope.out_of_scope must be one of: passthrough, drop; got %q", c.Scope.OutOfScope)
	}

	// Upstream client.
	switch c.Upstream.Client {
	case ClientDirect, ClientAntiBot, "":
		// valid
	default:
		return fmt.Errorf("upstream.client must be one of: direct, antibot; got %q", c.Upstream.Client)
	}
	if c.Upstream.Fingerprint != "" && !lo.Contains(Fingerprints, c.Upstream.Fingerprint) {
		return fmt.Errorf("upstream.fingerprint must be one of: %s; got %q", strings.Join(Fingerprints, ", "), c.Upstream.Fingerprint)
	}
	if c.Upstream.ProxyURL != "" {
		u, err := url.Parse(c.Upstream.ProxyURL)
		if err != nil {
			return fmt.Errorf("upstream.proxy_url is not a valid URL: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("upstream.proxy_url scheme must be http, https or socks5; got %q", c.Upstream.ProxyURL)
		}
		if u.Host == "" {
			return fmt.Errorf("upstream.proxy_url has no host; got %q", c.Upstream.ProxyURL)
		}
	}

	// Numeric bounds.
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Proxy.StreamLargeBodies < 0 {
		return fmt.Errorf("proxy.stream_large_bodies must be non-negative; got %d", c.Proxy.StreamLargeBodies)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.BodyMaxBytes < 0 {
		return fmt.Errorf("upstream.body_max_bytes must be non-negative; got %d", c.Upstream.BodyMaxBytes)
	}
	if err := c.Upstream.RateLimit.validate("upstream.rate_limit"); err != nil {
		return err
	}
	if err := c.Admin.RateLimit.validate("admin.rate_limit"); err != nil {
		return err
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (r RateLimitConfig) validate(section string) error {
	if r.Enabled && r.RequestsPerSecond <= 0 {
		return fmt.Errorf("%s.requests_per_second must be > 0 when rate limiting is enabled; got %v", section, r.RequestsPerSecond)
	}
	if r.Burst < 0 {
		return fmt.Errorf("%s.burst must be non-negative; got %d", section, r.Burst)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Proxy.Addr == "" {
		c.Proxy.Addr = ":8080"
	}
	if c.Proxy.StreamLargeBodies == 0 {
		c.Proxy.StreamLargeBodies = 5 * 1024 * 1024 // 5 MB
	}
	if c.Scope.OutOfScope == "" {
		c.Scope.OutOfScope = OutOfScopePassthrough
	}
	if c.Upstream.Client == "" {
		c.Upstream.Client = ClientDirect
	}
	if c.Upstream.Fingerprint == "" {
		c.Upstream.Fingerprint = "chrome"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 10
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.BodyMaxBytes == 0 {
		c.Upstream.BodyMaxBytes = 32 * 1024 * 1024 // 32 MB
	}
	if c.Upstream.RateLimit.Enabled && c.Upstream.RateLimit.Burst == 0 {
		c.Upstream.RateLimit.Burst = 1
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8081
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

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the per-request upstream deadline.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
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
