package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the LedgerDesk session agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Session  SessionConfig  `yaml:"session"`
	Activity ActivityConfig `yaml:"activity"`
	Storage  StorageConfig  `yaml:"storage"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Menu     MenuConfig     `yaml:"menu"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BackendConfig describes the remote LedgerDesk backend the gateway talks to.
type BackendConfig struct {
	// BaseURL is the backend origin, e.g. "https://api.ledgerdesk.example".
	BaseURL string `yaml:"base_url"`

	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout"`

	// Endpoints are the backend paths for the session operations.
	// They are configurable because deployments mount the auth API
	// under different prefixes.
	Endpoints EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig holds the backend paths for each session operation.
type EndpointConfig struct {
	Login    string `yaml:"login"`
	Verify   string `yaml:"verify"`
	Refresh  string `yaml:"refresh"`
	Logout   string `yaml:"logout"`
	Profile  string `yaml:"profile"`
	Validate string `yaml:"validate"`
}

// SessionConfig contains session state machine settings.
type SessionConfig struct {
	// VerifyPolicy selects how a verification response is judged successful:
	// "flag_then_token" (explicit success flag, falling back to token
	// presence) or "token_only". The backend contract is ambiguous here;
	// both interpretations are supported until it is confirmed.
	VerifyPolicy string `yaml:"verify_policy"`

	// HydrateGrace is how long (in seconds) the guard treats the session
	// as settling after startup before it will redirect to login.
	HydrateGrace int `yaml:"hydrate_grace"`
}

// ActivityConfig contains inactivity monitoring settings.
// All values are in seconds.
type ActivityConfig struct {
	// IdleTimeout is how long with no user interaction before the
	// session is forcibly expired.
	IdleTimeout int `yaml:"idle_timeout"`

	// WarnBefore is how long before expiry the "session expiring"
	// warning is raised. Must be smaller than IdleTimeout.
	WarnBefore int `yaml:"warn_before"`

	// RevalidateAfter is how long the UI window may stay hidden before
	// becoming visible again triggers a forced token re-validation.
	RevalidateAfter int `yaml:"revalidate_after"`
}

// StorageConfig contains local SQLite state store settings.
type StorageConfig struct {
	// Path is the filesystem path to the SQLite database file.
	Path string `yaml:"path"`

	// KeyPath is the path to the 32-byte sealing key file. Empty means
	// "<Path>.key". The file is created on first run with 0600 permissions.
	KeyPath string `yaml:"key_path"`

	// WALMode enables Write-Ahead Logging for better concurrent access.
	WALMode bool `yaml:"wal_mode"`

	// BusyTimeout is the maximum time to wait for a database lock (seconds).
	BusyTimeout int `yaml:"busy_timeout"`
}

// BridgeConfig contains settings for the loopback HTTP/WebSocket surface
// the UI shell connects to.
type BridgeConfig struct {
	Host           string              `yaml:"host"`
	Port           int                 `yaml:"port"`
	Timeouts       BridgeTimeoutConfig `yaml:"timeouts"`
	WebSocket      WebSocketConfig     `yaml:"websocket"`
	AllowedOrigins []string            `yaml:"allowed_origins"`
}

// BridgeTimeoutConfig contains HTTP timeout settings in seconds.
type BridgeTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains event stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// MenuConfig points at the navigation tree definition.
type MenuConfig struct {
	// Path is the YAML file holding the menu/route tree. Empty disables
	// the menu endpoint.
	Path string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable
// overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SESSIOND_SECTION_KEY
// For example: SESSIOND_BACKEND_URL, SESSIOND_STORAGE_PATH
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Timeout: 30,
			Endpoints: EndpointConfig{
				Login:    "/auth/login",
				Verify:   "/auth/verify",
				Refresh:  "/auth/refresh",
				Logout:   "/auth/logout",
				Profile:  "/auth/profile",
				Validate: "/auth/validate",
			},
		},
		Session: SessionConfig{
			VerifyPolicy: "flag_then_token",
			HydrateGrace: 2,
		},
		Activity: ActivityConfig{
			IdleTimeout:     1800, // 30 minutes
			WarnBefore:      120,  // 2 minutes
			RevalidateAfter: 3600, // 1 hour
		},
		Storage: StorageConfig{
			Path:        "./data/sessiond.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Bridge: BridgeConfig{
			Host: "127.0.0.1",
			Port: 7313,
			Timeouts: BridgeTimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SESSIOND_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Backend
	if v := os.Getenv("SESSIOND_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}

	// Storage
	if v := os.Getenv("SESSIOND_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SESSIOND_STORAGE_KEY_PATH"); v != "" {
		cfg.Storage.KeyPath = v
	}

	// Bridge
	if v := os.Getenv("SESSIOND_BRIDGE_HOST"); v != "" {
		cfg.Bridge.Host = v
	}
	if v := os.Getenv("SESSIOND_BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.Port = port
		}
	}

	// Menu
	if v := os.Getenv("SESSIOND_MENU_PATH"); v != "" {
		cfg.Menu.Path = v
	}

	// Logging
	if v := os.Getenv("SESSIOND_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SESSIOND_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	var errs []string

	// Backend validation
	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required (set SESSIOND_BACKEND_URL environment variable)")
	} else if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "backend.base_url must be an absolute URL")
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, "backend.timeout must be positive")
	}

	// Session validation
	switch c.Session.VerifyPolicy {
	case "flag_then_token", "token_only":
	default:
		errs = append(errs, `session.verify_policy must be "flag_then_token" or "token_only"`)
	}

	// Activity validation: the warning must fire before expiry, otherwise
	// the countdown is meaningless.
	if c.Activity.IdleTimeout <= 0 {
		errs = append(errs, "activity.idle_timeout must be positive")
	}
	if c.Activity.WarnBefore <= 0 || c.Activity.WarnBefore >= c.Activity.IdleTimeout {
		errs = append(errs, "activity.warn_before must be positive and smaller than activity.idle_timeout")
	}
	if c.Activity.RevalidateAfter <= 0 {
		errs = append(errs, "activity.revalidate_after must be positive")
	}

	// Storage validation
	if c.Storage.Path == "" {
		errs = append(errs, "storage.path is required")
	}

	// Bridge validation
	if c.Bridge.Port < 1 || c.Bridge.Port > 65535 {
		errs = append(errs, "bridge.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// RequestTimeout returns the backend request timeout as a Duration.
func (c *BackendConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// EndpointURL joins the base URL with an endpoint path.
func (c *BackendConfig) EndpointURL(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// IdleTimeoutDuration returns the idle threshold as a Duration.
func (c *ActivityConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

// WarnBeforeDuration returns the warning lead time as a Duration.
func (c *ActivityConfig) WarnBeforeDuration() time.Duration {
	return time.Duration(c.WarnBefore) * time.Second
}

// RevalidateAfterDuration returns the hidden-window revalidation threshold
// as a Duration.
func (c *ActivityConfig) RevalidateAfterDuration() time.Duration {
	return time.Duration(c.RevalidateAfter) * time.Second
}

// HydrateGraceDuration returns the guard's settle window as a Duration.
func (c *SessionConfig) HydrateGraceDuration() time.Duration {
	return time.Duration(c.HydrateGrace) * time.Second
}

// ReadTimeout returns the bridge read timeout as a Duration.
func (c *BridgeConfig) ReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// WriteTimeout returns the bridge write timeout as a Duration.
func (c *BridgeConfig) WriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// IdleTimeout returns the bridge idle timeout as a Duration.
func (c *BridgeConfig) IdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}

// Addr returns the bridge listen address in host:port form.
func (c *BridgeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
