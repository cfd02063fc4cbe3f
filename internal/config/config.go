package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/expdesk/streamcore/internal/logging"
	"github.com/expdesk/streamcore/internal/stream"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig   `yaml:"server"`
	Stream StreamConfig   `yaml:"stream"`
	Log    logging.Config `yaml:"log"`
	Mock   MockConfig     `yaml:"mock"`
}

type ServerConfig struct {
	Host           string   `yaml:"host" envconfig:"STREAMCORE_HOST"`
	Port           int      `yaml:"port" envconfig:"STREAMCORE_PORT"`
	AuthToken      string   `yaml:"auth_token" envconfig:"STREAMCORE_AUTH_TOKEN"`
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"STREAMCORE_ALLOWED_ORIGINS"`
}

type StreamConfig struct {
	MaxAttempts         int           `yaml:"max_attempts" envconfig:"STREAMCORE_MAX_ATTEMPTS"`
	ReconnectDelay      time.Duration `yaml:"reconnect_delay" envconfig:"STREAMCORE_RECONNECT_DELAY"`
	HealthTimeout       time.Duration `yaml:"health_timeout" envconfig:"STREAMCORE_HEALTH_TIMEOUT"`
	SweepInterval       time.Duration `yaml:"sweep_interval" envconfig:"STREAMCORE_SWEEP_INTERVAL"`
	LivenessInterval    time.Duration `yaml:"liveness_interval" envconfig:"STREAMCORE_LIVENESS_INTERVAL"`
	DiagnosticsInterval time.Duration `yaml:"diagnostics_interval" envconfig:"STREAMCORE_DIAGNOSTICS_INTERVAL"`
	PingInterval        time.Duration `yaml:"ping_interval" envconfig:"STREAMCORE_PING_INTERVAL"`
	PongTimeout         time.Duration `yaml:"pong_timeout" envconfig:"STREAMCORE_PONG_TIMEOUT"`
}

type MockConfig struct {
	Tick     time.Duration `yaml:"tick" envconfig:"STREAMCORE_MOCK_TICK"`
	Sessions []string      `yaml:"sessions" envconfig:"STREAMCORE_MOCK_SESSIONS"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Stream: StreamConfig{
			MaxAttempts:         stream.DefaultMaxAttempts,
			ReconnectDelay:      stream.DefaultReconnectDelay,
			HealthTimeout:       stream.DefaultHealthTimeout,
			SweepInterval:       stream.DefaultSweepInterval,
			LivenessInterval:    5 * time.Second,
			DiagnosticsInterval: 30 * time.Second,
			PingInterval:        30 * time.Second,
			PongTimeout:         60 * time.Second,
		},
		Log: logging.DefaultConfig(),
		Mock: MockConfig{
			Tick:     750 * time.Millisecond,
			Sessions: []string{"demo-1", "demo-2"},
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load layers defaults, the YAML file at path and STREAMCORE_* environment
// variables, then validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional is Load for a default path: a missing file is not an error.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Load("")
	}
	return cfg, err
}

func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Stream.MaxAttempts < 1 {
		errs = append(errs, "stream.max_attempts must be positive")
	}
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"stream.reconnect_delay", c.Stream.ReconnectDelay},
		{"stream.health_timeout", c.Stream.HealthTimeout},
		{"stream.sweep_interval", c.Stream.SweepInterval},
		{"stream.liveness_interval", c.Stream.LivenessInterval},
		{"stream.diagnostics_interval", c.Stream.DiagnosticsInterval},
		{"stream.ping_interval", c.Stream.PingInterval},
		{"stream.pong_timeout", c.Stream.PongTimeout},
		{"mock.tick", c.Mock.Tick},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, d.key+" must be positive")
		}
	}
	if c.Stream.PongTimeout > 0 && c.Stream.PingInterval >= c.Stream.PongTimeout {
		errs = append(errs, "stream.ping_interval must be shorter than stream.pong_timeout")
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// StreamOptions returns the Registry defaults the config describes.
func (c *Config) StreamOptions() stream.Options {
	return stream.Options{
		MaxAttempts:      c.Stream.MaxAttempts,
		Delay:            c.Stream.ReconnectDelay,
		LivenessInterval: c.Stream.LivenessInterval,
	}
}

// Addr is the listen address of the reference server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
