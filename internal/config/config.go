// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"endpoint-logger.toml",
	"/etc/endpoint-logger/config.toml",
}

// CLI holds command-line arguments parsed by Kong. Every flag can also be set
// through the environment variable named in its env tag.
type CLI struct {
	Config            string        `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Target            string        `kong:"short='t',help='Backend URL or host:port (overrides config).',env='TARGET_URL'"`
	Listen            string        `kong:"help='Proxy listen address host:port (overrides config).',env='LISTEN_ADDRESS'"`
	Port              int           `kong:"short='p',help='Proxy listen port (overrides the port of the listen address).',env='PORT'"`
	DataDir           string        `kong:"short='d',name='data-dir',help='Directory holding the exchange database.',env='DATA_DIRECTORY'"`
	MaxBodyCapture    int64         `kong:"name='max-body-capture',help='Captured bytes per body and direction.',env='MAX_BODY_CAPTURE_BYTES'"`
	MaxConcurrent     int           `kong:"name='max-concurrent',help='Maximum concurrent exchanges.',env='MAX_CONCURRENT_EXCHANGES'"`
	InactivityTimeout time.Duration `kong:"name='inactivity-timeout',help='Abort an exchange after this long without progress.',env='INACTIVITY_TIMEOUT'"`
	LogLevel          string        `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Verbose           bool          `kong:"short='v',help='Shorthand for --log-level=debug.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Proxy   ProxyConfig   `toml:"proxy"`
	Capture CaptureConfig `toml:"capture"`
	Storage StorageConfig `toml:"storage"`
	Admin   AdminConfig   `toml:"admin"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ProxyConfig holds the client-facing listener and backend settings.
type ProxyConfig struct {
	ListenAddress            string `toml:"listen_address"`
	BackendAddress           string `toml:"backend_address"`
	MaxConcurrentExchanges   int    `toml:"max_concurrent_exchanges"`
	Backlog                  int    `toml:"backlog"`
	InactivityTimeoutSeconds int    `toml:"inactivity_timeout_seconds"`
	KeepAliveTimeoutSeconds  int    `toml:"keep_alive_timeout_seconds"`
	ShutdownGraceSeconds     int    `toml:"shutdown_grace_seconds"`
	IdleConnections          int    `toml:"idle_connections"`

	inactivity time.Duration // CLI override with sub-second precision
	backend    *url.URL
}

// CaptureConfig bounds what is kept of each body.
type CaptureConfig struct {
	MaxBodyBytes int64 `toml:"max_body_bytes"`
}

// StorageConfig holds exchange store settings.
type StorageConfig struct {
	DataDirectory        string `toml:"data_directory"`
	CompressBodies       bool   `toml:"compress_bodies"`
	CheckpointSchedule   string `toml:"checkpoint_schedule"`
	AppendRetries        int    `toml:"append_retries"`
	AppendTimeoutSeconds int    `toml:"append_timeout_seconds"`
}

// AdminConfig holds the local admin API settings.
type AdminConfig struct {
	Enabled       bool            `toml:"enabled"`
	ListenAddress string          `toml:"listen_address"`
	RateLimit     RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
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

// defaults returns the values booleans start from before the file is decoded.
// TOML cannot express "unset" for a bool, so these are applied ahead of the file.
func defaults() Config {
	return Config{
		Storage: StorageConfig{CompressBodies: true},
		Admin:   AdminConfig{Enabled: true},
	}
}

// Load reads the TOML config file and applies CLI overrides.
// An explicit path (via --config or CONFIG_PATH) must exist. Otherwise
// endpoint-logger.toml then /etc/endpoint-logger/config.toml are searched and
// running without a file is allowed.
func Load(cli *CLI) (*Config, error) {
	cfg := defaults()

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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.Target != "" {
		c.Proxy.BackendAddress = cli.Target
	}
	if cli.Listen != "" {
		c.Proxy.ListenAddress = cli.Listen
	}
	if cli.Port != 0 {
		if cli.Port < 0 || cli.Port > 65535 {
			return fmt.Errorf("port must be 1-65535; got %d", cli.Port)
		}
		host := "127.0.0.1"
		if c.Proxy.ListenAddress != "" {
			h, _, err := net.SplitHostPort(c.Proxy.ListenAddress)
			if err != nil {
				return fmt.Errorf("proxy.listen_address %q: %w", c.Proxy.ListenAddress, err)
			}
			host = h
		}
		c.Proxy.ListenAddress = net.JoinHostPort(host, strconv.Itoa(cli.Port))
	}
	if cli.DataDir != "" {
		c.Storage.DataDirectory = cli.DataDir
	}
	if cli.MaxBodyCapture != 0 {
		c.Capture.MaxBodyBytes = cli.MaxBodyCapture
	}
	if cli.MaxConcurrent != 0 {
		c.Proxy.MaxConcurrentExchanges = cli.MaxConcurrent
	}
	if cli.InactivityTimeout != 0 {
		if cli.InactivityTimeout < 0 {
			return fmt.Errorf("inactivity timeout must be positive; got %s", cli.InactivityTimeout)
		}
		c.Proxy.inactivity = cli.InactivityTimeout
		c.Proxy.InactivityTimeoutSeconds = int(math.Ceil(cli.InactivityTimeout.Seconds()))
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Verbose {
		c.Log.Level = "debug"
	}
	return nil
}

func (c *Config) validate() error {
	// Backend: required, http or https. A bare host:port means plain HTTP.
	if c.Proxy.BackendAddress == "" {
		return errors.New("proxy.backend_address is required (set it in the config file, --target or TARGET_URL)")
	}
	u, err := ParseBackend(c.Proxy.BackendAddress)
	if err != nil {
		return err
	}
	c.Proxy.backend = u

	if c.Proxy.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(c.Proxy.ListenAddress); err != nil {
			return fmt.Errorf("proxy.listen_address %q is not host:port: %w", c.Proxy.ListenAddress, err)
		}
	}

	// Numeric bounds.
	for name, v := range map[string]int{
		"proxy.max_concurrent_exchanges":   c.Proxy.MaxConcurrentExchanges,
		"proxy.backlog":                    c.Proxy.Backlog,
		"proxy.inactivity_timeout_seconds": c.Proxy.InactivityTimeoutSeconds,
		"proxy.keep_alive_timeout_seconds": c.Proxy.KeepAliveTimeoutSeconds,
		"proxy.shutdown_grace_seconds":     c.Proxy.ShutdownGraceSeconds,
		"proxy.idle_connections":           c.Proxy.IdleConnections,
		"storage.append_retries":           c.Storage.AppendRetries,
		"storage.append_timeout_seconds":   c.Storage.AppendTimeoutSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Capture.MaxBodyBytes < 0 {
		return fmt.Errorf("capture.max_body_bytes must be non-negative; got %d", c.Capture.MaxBodyBytes)
	}
	if c.Admin.RateLimit.Enabled && c.Admin.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("admin.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Admin.RateLimit.RequestsPerSecond)
	}

	if c.Admin.Enabled && c.Admin.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(c.Admin.ListenAddress); err != nil {
			return fmt.Errorf("admin.listen_address %q is not host:port: %w", c.Admin.ListenAddress, err)
		}
		if c.Admin.ListenAddress == c.Proxy.ListenAddress {
			return fmt.Errorf("admin.listen_address %q must differ from proxy.listen_address", c.Admin.ListenAddress)
		}
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

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/exchanges", "/healthz", "/health_check", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Proxy.ListenAddress == "" {
		c.Proxy.ListenAddress = "127.0.0.1:3000"
	}
	if c.Proxy.MaxConcurrentExchanges == 0 {
		c.Proxy.MaxConcurrentExchanges = 256
	}
	if c.Proxy.Backlog == 0 {
		c.Proxy.Backlog = 64
	}
	if c.Proxy.InactivityTimeoutSeconds == 0 {
		c.Proxy.InactivityTimeoutSeconds = 30
	}
	if c.Proxy.KeepAliveTimeoutSeconds == 0 {
		c.Proxy.KeepAliveTimeoutSeconds = 120
	}
	if c.Proxy.ShutdownGraceSeconds == 0 {
		c.Proxy.ShutdownGraceSeconds = 10
	}
	if c.Proxy.IdleConnections == 0 {
		c.Proxy.IdleConnections = 100
	}
	if c.Capture.MaxBodyBytes == 0 {
		c.Capture.MaxBodyBytes = 1 << 20 // 1 MiB
	}
	if c.Storage.DataDirectory == "" {
		c.Storage.DataDirectory = "./data"
	}
	if c.Storage.CheckpointSchedule == "" {
		c.Storage.CheckpointSchedule = "@every 5m"
	}
	if c.Storage.AppendRetries == 0 {
		c.Storage.AppendRetries = 2
	}
	if c.Storage.AppendTimeoutSeconds == 0 {
		c.Storage.AppendTimeoutSeconds = 5
	}
	if c.Admin.ListenAddress == "" {
		c.Admin.ListenAddress = "127.0.0.1:3001"
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

// ParseBackend parses a backend address. A value without a scheme is treated
// as host:port over plain HTTP.
func ParseBackend(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("proxy.backend_address is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("proxy.backend_address must use http or https; got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy.backend_address has no host: %q", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("proxy.backend_address must not carry a query or fragment: %q", raw)
	}
	return u, nil
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

// FilePath returns the config file that was loaded, or empty when none was.
func (c *Config) FilePath() string {
	return c.filePath
}

// Backend returns the parsed backend URL. It is set once Load succeeds.
func (c *ProxyConfig) Backend() *url.URL {
	return c.backend
}

// InactivityTimeout returns the per-exchange inactivity timeout.
func (c *ProxyConfig) InactivityTimeout() time.Duration {
	if c.inactivity > 0 {
		return c.inactivity
	}
	return time.Duration(c.InactivityTimeoutSeconds) * time.Second
}

// KeepAliveTimeout returns how long an idle client connection is kept open.
func (c *ProxyConfig) KeepAliveTimeout() time.Duration {
	return time.Duration(c.KeepAliveTimeoutSeconds) * time.Second
}

// ShutdownGrace returns how long in-flight exchanges may run after a stop signal.
func (c *ProxyConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// AppendTimeout returns the deadline for one storage append attempt.
func (c *StorageConfig) AppendTimeout() time.Duration {
	return time.Duration(c.AppendTimeoutSeconds) * time.Second
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
