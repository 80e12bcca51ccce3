// Package config handles CLI, environment and TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"opencloud-proxy-go/internal/model"
	"opencloud-proxy-go/internal/policy"
	"opencloud-proxy-go/internal/target"
)

// Configuration errors that prevent startup.
var (
	ErrMissingAccessKey  = errors.New("auth.access_key is required (set ACCESS_KEY)")
	ErrInvalidGzipMethod = errors.New("rewrite.gzip_method is invalid")
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/opencloud-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong. Every flag has an
// environment variable so the gateway can run without a config file.
type CLI struct {
	Config                string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host                  string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port                  int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	AccessKey             string   `kong:"help='Gateway access key (overrides config).',env='ACCESS_KEY'"`
	UseAllowList          string   `kong:"name='use-allowlist',help='Enforce the host allow-list: true or false (overrides config).',env='USE_WHITELIST'"`
	AllowedHosts          []string `kong:"name='allowed-hosts',sep=',',help='Comma separated allowed hosts (overrides config).',env='ALLOWED_HOSTS'"`
	OverrideStatus        string   `kong:"help='Always answer 200: true or false (overrides config).',env='USE_OVERRIDE_STATUS'"`
	RewriteAcceptEncoding string   `kong:"help='Force Accept-Encoding gzip upstream: true or false (overrides config).',env='REWRITE_ACCEPT_ENCODING'"`
	AppendHead            string   `kong:"help='Append upstream head to the body: true or false (overrides config).',env='APPEND_HEAD'"`
	GzipMethod            string   `kong:"help='Trailer handling for gzip bodies: transform, decode or append (overrides config).',env='GZIP_METHOD'"`
	OpenCloudAPIKey       string   `kong:"name='opencloud-api-key',help='Open Cloud API key (overrides config).',env='ROBLOX_API_KEY'"`
	LogLevel              string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	AllowList AllowListConfig `toml:"allowlist"`
	Rewrite   RewriteConfig   `toml:"rewrite"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	OpenCloud OpenCloudConfig `toml:"opencloud"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AuthConfig holds the gateway access credential.
type AuthConfig struct {
	AccessKey string `toml:"access_key"`
}

// AllowListConfig holds the target host allow-list.
type AllowListConfig struct {
	Enabled   bool     `toml:"enabled"`
	Hosts     []string `toml:"hosts"`
	HostsFile string   `toml:"hosts_file"` // optional YAML file; its hosts are added to Hosts
}

// RewriteConfig holds response rewrite flags.
type RewriteConfig struct {
	OverrideStatus        bool   `toml:"override_status"`
	AppendHead            bool   `toml:"append_head"`
	RewriteAcceptEncoding bool   `toml:"rewrite_accept_encoding"`
	GzipMethod            string `toml:"gzip_method"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL            string `toml:"base_url"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	IdleConnections    int    `toml:"idle_connections"`
	UserAgent          string `toml:"user_agent"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// OpenCloudConfig holds the API key injected for the Open Cloud host.
type OpenCloudConfig struct {
	APIKey string `toml:"api_key"`
	Host   string `toml:"host"`
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

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/opencloud-proxy/config.toml then configs/config.toml, and falls back
// to CLI and environment values alone when neither exists.
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

	if cfg.AllowList.HostsFile != "" {
		hosts, err := policy.LoadHostsFile(cfg.AllowList.HostsFile)
		if err != nil {
			return nil, fmt.Errorf("config: allowlist: %w", err)
		}
		cfg.AllowList.Hosts = append(cfg.AllowList.Hosts, hosts...)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.AccessKey != "" {
		c.Auth.AccessKey = cli.AccessKey
	}
	if len(cli.AllowedHosts) > 0 {
		c.AllowList.Hosts = cli.AllowedHosts
	}
	if cli.GzipMethod != "" {
		c.Rewrite.GzipMethod = cli.GzipMethod
	}
	if cli.OpenCloudAPIKey != "" {
		c.OpenCloud.APIKey = cli.OpenCloudAPIKey
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}

	flags := []struct {
		name  string
		value string
		dst   *bool
	}{
		{"use-allowlist", cli.UseAllowList, &c.AllowList.Enabled},
		{"override-status", cli.OverrideStatus, &c.Rewrite.OverrideStatus},
		{"rewrite-accept-encoding", cli.RewriteAcceptEncoding, &c.Rewrite.RewriteAcceptEncoding},
		{"append-head", cli.AppendHead, &c.Rewrite.AppendHead},
	}
	for _, f := range flags {
		if f.value == "" {
			continue
		}
		v, err := strconv.ParseBool(f.value)
		if err != nil {
			return fmt.Errorf("--%s must be true or false; got %q", f.name, f.value)
		}
		*f.dst = v
	}

	return nil
}

func (c *Config) validate() error {
	if c.Auth.AccessKey == "" {
		return ErrMissingAccessKey
	}

	if _, err := model.ParseGzipMethod(c.Rewrite.GzipMethod); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGzipMethod, err)
	}

	// Upstream base: absolute http(s) origin.
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("upstream.base_url must be an absolute http(s) URL; got %q", c.Upstream.BaseURL)
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
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = target.DefaultBaseURL
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "Mozilla"
	}
	if c.OpenCloud.Host == "" {
		c.OpenCloud.Host = "apis.roblox.com"
	}
	c.OpenCloud.Host = strings.ToLower(c.OpenCloud.Host)
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

// RewritePolicy returns the immutable response rewrite policy.
func (c *Config) RewritePolicy() model.RewritePolicy {
	return model.RewritePolicy{
		OverrideStatus:        c.Rewrite.OverrideStatus,
		AppendHead:            c.Rewrite.AppendHead,
		RewriteAcceptEncoding: c.Rewrite.RewriteAcceptEncoding,
		GzipMethod:            model.GzipMethod(c.Rewrite.GzipMethod),
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

// WarnInsecure logs a warning when upstream TLS verification is disabled.
func (c *Config) WarnInsecure(logger *slog.Logger) {
	if c.Upstream.InsecureSkipVerify {
		logger.Warn("upstream TLS certificate verification is disabled")
	}
}
