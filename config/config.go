package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Channel ChannelConfig `mapstructure:"channel"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the caller-facing server configuration
type ServerConfig struct {
	Transport  string `mapstructure:"transport"`
	MCPPort    int    `mapstructure:"mcp_port"`
	StatusPort int    `mapstructure:"status_port"`
}

// SandboxConfig holds sandbox lifecycle and resource-limit configuration.
// Every value here becomes an explicit field of the sandbox spec at
// construction time; nothing is read from ambient process state.
type SandboxConfig struct {
	Engine          string `mapstructure:"engine"`
	Image           string `mapstructure:"image"`
	Dockerfile      string `mapstructure:"dockerfile"`
	Rebuild         bool   `mapstructure:"rebuild"`
	CPULimit        string `mapstructure:"cpu_limit"`
	MemoryMB        int    `mapstructure:"memory_mb"`
	MaxProcesses    int    `mapstructure:"max_processes"`
	NetworkMode     string `mapstructure:"network_mode"`
	ReadOnlyRootfs  bool   `mapstructure:"read_only_rootfs"`
	HostPort        int    `mapstructure:"host_port"`
	ContainerPort   int    `mapstructure:"container_port"`
	TimeoutSec      int    `mapstructure:"timeout_sec"`
	ProbeMaxRetries int    `mapstructure:"probe_max_retries"`
	ProbeDelaySec   int    `mapstructure:"probe_delay_sec"`
	StopGraceSec    int    `mapstructure:"stop_grace_sec"`
	Debug           bool   `mapstructure:"debug"`
}

// ChannelConfig holds control-channel retry, heartbeat and timeout settings
type ChannelConfig struct {
	MaxRetries           int `mapstructure:"max_retries"`
	RetryDelaySec        int `mapstructure:"retry_delay_sec"`
	HeartbeatIntervalSec int `mapstructure:"heartbeat_interval_sec"`
	HeartbeatTimeoutSec  int `mapstructure:"heartbeat_timeout_sec"`
	GracePeriodSec       int `mapstructure:"grace_period_sec"`
	RequestTimeoutSec    int `mapstructure:"request_timeout_sec"`
}

// MonitorConfig holds status-reporter configuration
type MonitorConfig struct {
	PollIntervalSec int `mapstructure:"poll_interval_sec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.mcp_port", 8080)
	viper.SetDefault("server.status_port", 5000)

	viper.SetDefault("sandbox.engine", "docker")
	viper.SetDefault("sandbox.image", "sandbox-image")
	viper.SetDefault("sandbox.dockerfile", "Dockerfile")
	viper.SetDefault("sandbox.rebuild", false)
	viper.SetDefault("sandbox.cpu_limit", "0.5")
	viper.SetDefault("sandbox.memory_mb", 512)
	viper.SetDefault("sandbox.max_processes", 100)
	viper.SetDefault("sandbox.network_mode", "bridge")
	viper.SetDefault("sandbox.read_only_rootfs", true)
	viper.SetDefault("sandbox.host_port", 8000)
	viper.SetDefault("sandbox.container_port", 8000)
	viper.SetDefault("sandbox.timeout_sec", 120)
	viper.SetDefault("sandbox.probe_max_retries", 10)
	viper.SetDefault("sandbox.probe_delay_sec", 2)
	viper.SetDefault("sandbox.stop_grace_sec", 10)
	viper.SetDefault("sandbox.debug", false)

	viper.SetDefault("channel.max_retries", 10)
	viper.SetDefault("channel.retry_delay_sec", 2)
	viper.SetDefault("channel.heartbeat_interval_sec", 10)
	viper.SetDefault("channel.heartbeat_timeout_sec", 15)
	viper.SetDefault("channel.grace_period_sec", 10)
	viper.SetDefault("channel.request_timeout_sec", 120)

	viper.SetDefault("monitor.poll_interval_sec", 5)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.StatusPort <= 0 || c.Server.StatusPort > 65535 {
		return fmt.Errorf("invalid server.status_port: %d", c.Server.StatusPort)
	}

	if c.Sandbox.Engine != "docker" && c.Sandbox.Engine != "podman" {
		return fmt.Errorf("unsupported sandbox.engine: %s", c.Sandbox.Engine)
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must not be empty")
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxProcesses <= 0 {
		return fmt.Errorf("sandbox.max_processes must be positive, got: %d", c.Sandbox.MaxProcesses)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.HostPort <= 0 || c.Sandbox.HostPort > 65535 {
		return fmt.Errorf("invalid sandbox.host_port: %d", c.Sandbox.HostPort)
	}

	switch c.Sandbox.NetworkMode {
	case "bridge", "host", "none":
	default:
		return fmt.Errorf("invalid sandbox.network_mode: %s, must be 'bridge', 'host' or 'none'", c.Sandbox.NetworkMode)
	}

	if c.Sandbox.ProbeMaxRetries <= 0 {
		return fmt.Errorf("sandbox.probe_max_retries must be positive, got: %d", c.Sandbox.ProbeMaxRetries)
	}

	if c.Channel.MaxRetries <= 0 {
		return fmt.Errorf("channel.max_retries must be positive, got: %d", c.Channel.MaxRetries)
	}

	if c.Channel.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("channel.heartbeat_interval_sec must be positive, got: %d", c.Channel.HeartbeatIntervalSec)
	}

	if c.Channel.RequestTimeoutSec <= 0 {
		return fmt.Errorf("channel.request_timeout_sec must be positive, got: %d", c.Channel.RequestTimeoutSec)
	}

	if c.Monitor.PollIntervalSec <= 0 {
		return fmt.Errorf("monitor.poll_interval_sec must be positive, got: %d", c.Monitor.PollIntervalSec)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// ExecTimeout returns the sandbox execution timeout as a duration
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// PollInterval returns the monitor poll interval as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Monitor.PollIntervalSec) * time.Second
}
