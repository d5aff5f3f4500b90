package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultControlTimeoutSec   = 12
	DefaultDialTimeoutSec      = 10
	DefaultHandshakeTimeoutSec = 10
	DefaultShutdownTimeoutSec  = 5
	DefaultReadBufferBytes     = 4096
	DefaultReconnectAttempts   = 3
	DefaultReconnectDelaySec   = 5
	DefaultFlushIntervalSec    = 30
	DefaultFlushBytes          = 1 << 20
	DefaultMaxRetries          = 3
	DefaultQueueSize           = 1024
	DefaultApplication         = "tunnel-client"
	DefaultHostMetricsSec      = 30
	DefaultSessionBackend      = "sqlite"
	DefaultSessionPath         = "/var/lib/tunnel-client/session.db"
)

type Config struct {
	Control struct {
		BaseURL     string `yaml:"base_url"`
		AppID       string `yaml:"app_id"`
		APIKey      string `yaml:"api_key"`
		TLSInsecure bool   `yaml:"tls_insecure"`
		TimeoutSec  int    `yaml:"timeout_sec"`
	} `yaml:"control"`

	Tunnel struct {
		ConfigID            string `yaml:"config_id"`
		Transport           string `yaml:"transport"`
		DialTimeoutSec      int    `yaml:"dial_timeout_sec"`
		HandshakeTimeoutSec int    `yaml:"handshake_timeout_sec"`
		ShutdownTimeoutSec  int    `yaml:"shutdown_timeout_sec"`
		ReadBufferBytes     int    `yaml:"read_buffer_bytes"`
		Reconnect           bool   `yaml:"reconnect"`
		ReconnectAttempts   int    `yaml:"reconnect_attempts"`
		ReconnectDelaySec   int    `yaml:"reconnect_delay_sec"`
	} `yaml:"tunnel"`

	Report struct {
		FlushIntervalSec int    `yaml:"flush_interval_sec"`
		FlushBytes       int64  `yaml:"flush_bytes"`
		MaxRetries       int    `yaml:"max_retries"`
		QueueSize        int    `yaml:"queue_size"`
		Application      string `yaml:"application"`
	} `yaml:"report"`

	Session struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"session"`

	Observe struct {
		MetricsAddr    string `yaml:"metrics_addr"`
		HealthAddr     string `yaml:"health_addr"`
		HostMetricsSec int    `yaml:"host_metrics_sec"`
	} `yaml:"observe"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Control.BaseURL == "" {
		return nil, errors.New("control.base_url required")
	}
	cfg.ApplyDefaults()

	switch cfg.Session.Backend {
	case "sqlite", "keyring", "memory":
	default:
		return nil, fmt.Errorf("session.backend %q: want sqlite, keyring or memory", cfg.Session.Backend)
	}
	if cfg.Report.FlushBytes < 0 {
		return nil, fmt.Errorf("report.flush_bytes must not be negative")
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values. Load calls it; tests building a Config by
// hand call it directly.
func (c *Config) ApplyDefaults() {
	if c.Control.TimeoutSec <= 0 {
		c.Control.TimeoutSec = DefaultControlTimeoutSec
	}
	if c.Tunnel.DialTimeoutSec <= 0 {
		c.Tunnel.DialTimeoutSec = DefaultDialTimeoutSec
	}
	if c.Tunnel.HandshakeTimeoutSec <= 0 {
		c.Tunnel.HandshakeTimeoutSec = DefaultHandshakeTimeoutSec
	}
	if c.Tunnel.ShutdownTimeoutSec <= 0 {
		c.Tunnel.ShutdownTimeoutSec = DefaultShutdownTimeoutSec
	}
	if c.Tunnel.ReadBufferBytes <= 0 {
		c.Tunnel.ReadBufferBytes = DefaultReadBufferBytes
	}
	if c.Tunnel.ReconnectAttempts <= 0 {
		c.Tunnel.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.Tunnel.ReconnectDelaySec <= 0 {
		c.Tunnel.ReconnectDelaySec = DefaultReconnectDelaySec
	}
	if c.Report.FlushIntervalSec <= 0 {
		c.Report.FlushIntervalSec = DefaultFlushIntervalSec
	}
	if c.Report.FlushBytes == 0 {
		c.Report.FlushBytes = DefaultFlushBytes
	}
	if c.Report.MaxRetries <= 0 {
		c.Report.MaxRetries = DefaultMaxRetries
	}
	if c.Report.QueueSize <= 0 {
		c.Report.QueueSize = DefaultQueueSize
	}
	if c.Report.Application == "" {
		c.Report.Application = DefaultApplication
	}
	if c.Observe.HostMetricsSec <= 0 {
		c.Observe.HostMetricsSec = DefaultHostMetricsSec
	}
	if c.Session.Backend == "" {
		c.Session.Backend = DefaultSessionBackend
	}
	if c.Session.Path == "" {
		c.Session.Path = DefaultSessionPath
	}
}

func (c *Config) ControlTimeout() time.Duration {
	return time.Duration(c.Control.TimeoutSec) * time.Second
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Tunnel.DialTimeoutSec) * time.Second
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Tunnel.HandshakeTimeoutSec) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Tunnel.ShutdownTimeoutSec) * time.Second
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Tunnel.ReconnectDelaySec) * time.Second
}

func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Report.FlushIntervalSec) * time.Second
}

func (c *Config) HostMetricsInterval() time.Duration {
	return time.Duration(c.Observe.HostMetricsSec) * time.Second
}
