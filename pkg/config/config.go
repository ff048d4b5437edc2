package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"simulcastctl/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Session struct {
		RelayMode                  string `yaml:"relay_mode"`
		InitialActiveSSRC          int    `yaml:"initial_active_ssrc"` // 0 = highest active layer
		SimulcastOnStart           bool   `yaml:"simulcast_on_start"`
		StartBitrateKbps           int    `yaml:"start_bitrate_kbps"`
		QPMax                      int    `yaml:"qp_max"`
		CaptureDevice              int    `yaml:"capture_device"` // 1-based, as listed to the operator
		StrictIdentifierValidation bool   `yaml:"strict_identifier_validation"`
		CommandHistory             int    `yaml:"command_history"`
	} `yaml:"session"`

	Engine struct {
		FrameRate         int           `yaml:"frame_rate"`
		NetworkDelay      time.Duration `yaml:"network_delay"`
		PacketLossPercent int           `yaml:"packet_loss_percent"`
		QueueSize         int           `yaml:"queue_size"`
		TraceFile         string        `yaml:"trace_file"`
		CaptureDevices    []string      `yaml:"capture_devices"`
	} `yaml:"engine"`

	Server struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
	} `yaml:"server"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`

		ConnectAttempts  int           `yaml:"connect_attempts"`
		BreakerThreshold int           `yaml:"breaker_threshold"`
		BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Session
	if err := validation.ValidateRelayMode(c.Session.RelayMode); err != nil {
		return fmt.Errorf("session.relay_mode: %w", err)
	}
	if c.Session.InitialActiveSSRC != 0 {
		if err := validation.ValidateIdentifier(c.Session.InitialActiveSSRC, 3); err != nil {
			return fmt.Errorf("session.initial_active_ssrc: %w", err)
		}
	}
	if c.Session.StartBitrateKbps < 0 {
		return fmt.Errorf("session.start_bitrate_kbps must be >= 0")
	}
	if err := validation.ValidateBitrate(c.Session.StartBitrateKbps); err != nil {
		return fmt.Errorf("session.start_bitrate_kbps: %w", err)
	}
	if err := validation.ValidateQPMax(c.Session.QPMax); err != nil {
		return fmt.Errorf("session.qp_max: %w", err)
	}
	if c.Session.CaptureDevice < 1 {
		return fmt.Errorf("session.capture_device must be >= 1")
	}
	if c.Session.CommandHistory < 0 {
		return fmt.Errorf("session.command_history must be >= 0")
	}

	// Engine
	if c.Engine.FrameRate <= 0 {
		return fmt.Errorf("engine.frame_rate must be > 0")
	}
	if c.Engine.NetworkDelay < 0 {
		return fmt.Errorf("engine.network_delay must be >= 0")
	}
	if c.Engine.PacketLossPercent < 0 || c.Engine.PacketLossPercent > 100 {
		return fmt.Errorf("engine.packet_loss_percent must be within 0..100")
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be > 0")
	}
	if len(c.Engine.CaptureDevices) == 0 {
		return fmt.Errorf("engine.capture_devices must not be empty")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Address == "" {
			return fmt.Errorf("server.address must not be empty when server.enabled=true")
		}
		if c.Server.ReadTimeout <= 0 {
			return fmt.Errorf("server.read_timeout must be > 0")
		}
		if c.Server.WriteTimeout <= 0 {
			return fmt.Errorf("server.write_timeout must be > 0")
		}
		if c.Server.ShutdownTimeout <= 0 {
			return fmt.Errorf("server.shutdown_timeout must be > 0")
		}
		if c.Server.PingInterval <= 0 {
			return fmt.Errorf("server.ping_interval must be > 0")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
		if c.Redis.ConnectAttempts < 0 || c.Redis.BreakerThreshold < 0 || c.Redis.BreakerCooldown < 0 {
			return fmt.Errorf("redis retry and breaker settings must not be negative")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within 0..1")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
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

	cfg.Session.RelayMode = "one"
	cfg.Session.InitialActiveSSRC = 0
	cfg.Session.SimulcastOnStart = true
	cfg.Session.StartBitrateKbps = 0
	cfg.Session.QPMax = 56
	cfg.Session.CaptureDevice = 1
	cfg.Session.StrictIdentifierValidation = false
	cfg.Session.CommandHistory = 50

	cfg.Engine.FrameRate = 30
	cfg.Engine.NetworkDelay = 10 * time.Millisecond
	cfg.Engine.PacketLossPercent = 0
	cfg.Engine.QueueSize = 1024
	cfg.Engine.TraceFile = ""
	cfg.Engine.CaptureDevices = []string{"loopback-test-pattern"}

	cfg.Server.Enabled = false
	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.PingInterval = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 4
	cfg.Redis.Channel = "simulcastctl:events"
	cfg.Redis.ConnectAttempts = 3
	cfg.Redis.BreakerThreshold = 3
	cfg.Redis.BreakerCooldown = 10 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 5
	cfg.RateLimiting.Burst = 10

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if mode := os.Getenv("SIMULCASTCTL_RELAY_MODE"); mode != "" {
		c.Session.RelayMode = mode
	}
	if addr := os.Getenv("SIMULCASTCTL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
		c.Server.Enabled = true
	}
	if level := os.Getenv("SIMULCASTCTL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if rate := os.Getenv("SIMULCASTCTL_START_BITRATE_KBPS"); rate != "" {
		// atoi semantics of the interactive prompt: garbage means default
		if v, err := strconv.Atoi(rate); err == nil && v > 0 {
			c.Session.StartBitrateKbps = v
		}
	}
	if addr := os.Getenv("SIMULCASTCTL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
