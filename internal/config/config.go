// Package config loads and validates the watchledger YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by validate when a key is absent.
const (
	DefaultLogLevel      = "info"
	DefaultTable         = "watch_history"
	DefaultPageSize      = 1000
	DefaultTimeout       = 30 * time.Second
	DefaultMaxAttempts   = 3
	DefaultSyncInterval  = 5 * time.Minute
	DefaultCooldown      = 30 * time.Minute
	DefaultListen        = "127.0.0.1:8765"
	DefaultAMQPExchange  = "watchledger"
	DefaultAMQPRouting   = "sync.completed"
	maxPageSize          = 10000
	MinSyncInterval      = time.Second
	localFileName        = "history.db"
	settingsFileName     = "settings.db"
	dotenvFileName       = ".env"
	configDirName        = "watchledger"
	defaultConfigName    = "config.yaml"
	defaultConfigDirPerm = 0o700
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// DataDir holds the local store and the settings database.
	// Defaults to ~/.local/share/watchledger.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	Local   LocalConfig   `yaml:"local"`
	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Observe ObserveConfig `yaml:"observe"`
	Server  ServerConfig  `yaml:"server"`

	// AMQP publishes sync events to a RabbitMQ exchange. Omit to log them only.
	AMQP *AMQPConfig `yaml:"amqp,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// LocalConfig configures the embedded SQLite store.
type LocalConfig struct {
	// Path of the database file. Defaults to <data_dir>/history.db.
	Path string `yaml:"path"`
}

// RemoteConfig tunes the PostgREST client. The endpoint and key are
// credentials and live in the credential store, not here.
type RemoteConfig struct {
	Table       string        `yaml:"table"`
	PageSize    int           `yaml:"page_size"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// SyncConfig controls the auto-sync loop.
type SyncConfig struct {
	// Interval is used when auto-sync is started without an explicit interval.
	Interval time.Duration `yaml:"interval"`

	// AutoStart enables auto-sync on `serve` even if it was never switched on.
	AutoStart bool `yaml:"auto_start"`
}

// ObserveConfig controls how watch events update view counts.
type ObserveConfig struct {
	// Cooldown is the minimum gap between two counted views of the same item.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ServerConfig configures the HTTP command surface.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// AMQPConfig holds the RabbitMQ settings for sync notifications.
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	// Queue, if set, is declared and bound to the exchange.
	Queue string `yaml:"queue,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "watchledger".
	ServiceName string `yaml:"service_name"`

	// Headers are sent as gRPC metadata on every OTLP request, e.g.
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/watchledger/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", configDirName, defaultConfigName), nil
}

// Default returns a validated configuration with every default applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and validates the configuration file at path. A .env file next
// to it is loaded into the environment first (existing variables win) and
// ${VAR} references in the YAML are expanded. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	if err := loadDotenv(filepath.Join(filepath.Dir(path), dotenvFileName)); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default()
	}
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func loadDotenv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %q: %w", path, err)
}

// Write saves cfg as YAML at path, creating the directory if needed.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), defaultConfigDirPerm); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// SettingsPath returns the path of the settings database inside DataDir.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, settingsFileName)
}

// validate fills defaults and checks that every field is well-formed.
func (c *Config) validate() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".local", "share", configDirName)
	}
	if c.Local.Path == "" {
		c.Local.Path = filepath.Join(c.DataDir, localFileName)
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}

	if err := c.Remote.validate(); err != nil {
		return err
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = DefaultSyncInterval
	}
	if c.Sync.Interval < MinSyncInterval {
		return fmt.Errorf("sync.interval %v is too short (minimum %v)", c.Sync.Interval, MinSyncInterval)
	}

	if c.Observe.Cooldown == 0 {
		c.Observe.Cooldown = DefaultCooldown
	}
	if c.Observe.Cooldown < 0 {
		return fmt.Errorf("observe.cooldown %v must not be negative", c.Observe.Cooldown)
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.AMQP != nil {
		if c.AMQP.URL == "" {
			return fmt.Errorf("amqp.url is required when amqp is configured")
		}
		u, err := url.Parse(c.AMQP.URL)
		if err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
			return fmt.Errorf("amqp.url must be an amqp:// or amqps:// URL")
		}
		if c.AMQP.Exchange == "" {
			c.AMQP.Exchange = DefaultAMQPExchange
		}
		if c.AMQP.RoutingKey == "" {
			c.AMQP.RoutingKey = DefaultAMQPRouting
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (r *RemoteConfig) validate() error {
	if r.Table == "" {
		r.Table = DefaultTable
	}
	if strings.ContainsAny(r.Table, "/?&#") {
		return fmt.Errorf("remote.table %q must be a plain table name", r.Table)
	}
	if r.PageSize == 0 {
		r.PageSize = DefaultPageSize
	}
	if r.PageSize < 1 || r.PageSize > maxPageSize {
		return fmt.Errorf("remote.page_size %d must be between 1 and %d", r.PageSize, maxPageSize)
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeout
	}
	if r.Timeout < 0 {
		return fmt.Errorf("remote.timeout %v must not be negative", r.Timeout)
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("remote.max_attempts %d must be at least 1", r.MaxAttempts)
	}
	return nil
}
