package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the lookout server configuration
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	DataDir  string `yaml:"data_dir"`

	Log  LogConfig  `yaml:"log"`
	Hub  HubConfig  `yaml:"hub"`
	Auth AuthConfig `yaml:"auth"`

	WebSocket WebSocketConfig `yaml:"websocket"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// LogConfig controls the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HubConfig tunes the fan-out hub
type HubConfig struct {
	Shards          int           `yaml:"shards"`
	OutboxSize      int           `yaml:"outbox_size"`
	PushTimeout     time.Duration `yaml:"push_timeout"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// AuthConfig controls identity and access checks
type AuthConfig struct {
	UserHeader string   `yaml:"user_header"`
	AllowAll   bool     `yaml:"allow_all"`
	Admins     []string `yaml:"admins"`
}

// WebSocketConfig tunes the websocket transport
type WebSocketConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// RateLimitConfig limits handshakes and ingestion per client IP.
// A zero rate disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Default returns built-in defaults
func Default() Config {
	return Config{
		HTTPAddr: "127.0.0.1:8080",
		GRPCAddr: "127.0.0.1:9090",
		DataDir:  "./lookout-data",
		Log: LogConfig{
			Level: "info",
		},
		Hub: HubConfig{
			Shards:          32,
			OutboxSize:      64,
			PushTimeout:     5 * time.Second,
			MetricsInterval: 15 * time.Second,
		},
		Auth: AuthConfig{
			UserHeader: "X-Lookout-User",
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults and then applies LOOKOUT_*
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := FromEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration can start a server
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Hub.Shards <= 0 {
		errs = append(errs, fmt.Errorf("hub.shards must be positive, got %d", c.Hub.Shards))
	}
	if c.Hub.OutboxSize <= 0 {
		errs = append(errs, fmt.Errorf("hub.outbox_size must be positive, got %d", c.Hub.OutboxSize))
	}
	if c.Hub.PushTimeout <= 0 {
		errs = append(errs, fmt.Errorf("hub.push_timeout must be positive, got %s", c.Hub.PushTimeout))
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests_per_second must not be negative, got %v", c.RateLimit.RequestsPerSecond))
	}
	if c.WebSocket.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("websocket.ping_interval must be positive, got %s", c.WebSocket.PingInterval))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	return errors.Join(errs...)
}
