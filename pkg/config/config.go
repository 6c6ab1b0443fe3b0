package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Identity struct {
		Name string `yaml:"name"`
	} `yaml:"identity"`

	Network struct {
		BindAddress      string        `yaml:"bind_address"`
		Peers            []string      `yaml:"peers"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		MaxIdleTimeout   time.Duration `yaml:"max_idle_timeout"`
	} `yaml:"network"`

	Heartbeat struct {
		Interval  time.Duration `yaml:"interval"`
		MissLimit int           `yaml:"miss_limit"`
	} `yaml:"heartbeat"`

	Streaming struct {
		TargetFPS                  int           `yaml:"target_fps"`
		Codec                      string        `yaml:"codec"`
		KeyframeRetryBudget        int           `yaml:"keyframe_retry_budget"`
		KeyframeSendTimeout        time.Duration `yaml:"keyframe_send_timeout"`
		DeltaDeadline              time.Duration `yaml:"delta_deadline"`
		KeyframeRequestMinInterval time.Duration `yaml:"keyframe_request_min_interval"`
	} `yaml:"streaming"`

	API struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"api"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Identity
	if c.Identity.Name == "" {
		return fmt.Errorf("identity.name must not be empty")
	}

	// Network
	if c.Network.BindAddress == "" {
		return fmt.Errorf("network.bind_address must not be empty")
	}
	if c.Network.DialTimeout <= 0 {
		return fmt.Errorf("network.dial_timeout must be > 0")
	}
	if c.Network.HandshakeTimeout <= 0 {
		return fmt.Errorf("network.handshake_timeout must be > 0")
	}
	if c.Network.MaxIdleTimeout <= 0 {
		return fmt.Errorf("network.max_idle_timeout must be > 0")
	}

	// Heartbeat
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be > 0")
	}
	if c.Heartbeat.MissLimit <= 0 {
		return fmt.Errorf("heartbeat.miss_limit must be > 0")
	}

	// Streaming
	if c.Streaming.TargetFPS <= 0 || c.Streaming.TargetFPS > 240 {
		return fmt.Errorf("streaming.target_fps must be in (0, 240]")
	}
	if c.Streaming.Codec == "" {
		return fmt.Errorf("streaming.codec must not be empty")
	}
	if c.Streaming.KeyframeRetryBudget <= 0 {
		return fmt.Errorf("streaming.keyframe_retry_budget must be > 0")
	}
	if c.Streaming.KeyframeSendTimeout <= 0 {
		return fmt.Errorf("streaming.keyframe_send_timeout must be > 0")
	}
	if c.Streaming.DeltaDeadline < 0 {
		return fmt.Errorf("streaming.delta_deadline must be >= 0")
	}
	if c.Streaming.KeyframeRequestMinInterval <= 0 {
		return fmt.Errorf("streaming.keyframe_request_min_interval must be > 0")
	}

	// API
	if c.API.Enabled {
		if c.API.Address == "" {
			return fmt.Errorf("api.address must not be empty when api.enabled=true")
		}
		if c.API.ShutdownTimeout <= 0 {
			return fmt.Errorf("api.shutdown_timeout must be > 0 when api.enabled=true")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "screenmesh-peer"
	}
	cfg.Identity.Name = hostname

	cfg.Network.BindAddress = "0.0.0.0:4433"
	cfg.Network.DialTimeout = 10 * time.Second
	cfg.Network.HandshakeTimeout = 5 * time.Second
	cfg.Network.MaxIdleTimeout = 30 * time.Second

	cfg.Heartbeat.Interval = 1 * time.Second
	cfg.Heartbeat.MissLimit = 3

	cfg.Streaming.TargetFPS = 30
	cfg.Streaming.Codec = "xor-diff"
	cfg.Streaming.KeyframeRetryBudget = 3
	cfg.Streaming.KeyframeSendTimeout = 500 * time.Millisecond
	cfg.Streaming.DeltaDeadline = 16 * time.Millisecond
	cfg.Streaming.KeyframeRequestMinInterval = 500 * time.Millisecond

	cfg.API.Enabled = true
	cfg.API.Address = ":8090"
	cfg.API.ShutdownTimeout = 10 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	// Apply environment variable overrides
	if name := os.Getenv("SCREENMESH_PEER_NAME"); name != "" {
		c.Identity.Name = name
	}
	if addr := os.Getenv("SCREENMESH_BIND_ADDRESS"); addr != "" {
		c.Network.BindAddress = addr
	}
	if addr := os.Getenv("SCREENMESH_API_ADDRESS"); addr != "" {
		c.API.Address = addr
	}
	if level := os.Getenv("SCREENMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
