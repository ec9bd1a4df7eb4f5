package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Proxy holds all configuration for the proxy.
type Proxy struct {
	// Client-facing listener
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	// Backend server
	TargetHost             string        `yaml:"target_host"`
	TargetPort             int           `yaml:"target_port"`
	BackendConnectAttempts int           `yaml:"backend_connect_attempts"`
	BackendConnectTimeout  time.Duration `yaml:"backend_connect_timeout"`
	BackendRetryInterval   time.Duration `yaml:"backend_retry_interval"`

	// Protocol
	ProtocolVersion       int32 `yaml:"protocol_version"`
	RequireAuthentication bool  `yaml:"require_authentication"`
	CompressionLevel      int   `yaml:"compression_level"`
	MaxBatchSize          int64 `yaml:"max_batch_size"`

	// Relay loop
	TickInterval  time.Duration `yaml:"tick_interval"`
	LinkQueueSize int           `yaml:"link_queue_size"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`

	// Diagnostics
	DumpDir        string `yaml:"dump_dir"`
	MetricsAddress string `yaml:"metrics_address"`
	LogLevel       string `yaml:"log_level"`

	// Database (login audit, optional)
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// DefaultProxy returns Proxy config with sensible defaults.
func DefaultProxy() Proxy {
	return Proxy{
		BindAddress:            "0.0.0.0",
		Port:                   19132,
		TargetHost:             "127.0.0.1",
		TargetPort:             19133,
		BackendConnectAttempts: 3,
		BackendConnectTimeout:  5 * time.Second,
		BackendRetryInterval:   250 * time.Millisecond,
		ProtocolVersion:        407,
		RequireAuthentication:  false,
		CompressionLevel:       -1,
		MaxBatchSize:           16 << 20,
		TickInterval:           10 * time.Millisecond,
		LinkQueueSize:          256,
		WriteTimeout:           5 * time.Second,
		LogLevel:               "debug",
		Database: DatabaseConfig{
			Enabled:  false,
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "bedrockproxy",
			Password: "bedrockproxy",
			DBName:   "bedrockproxy",
			SSLMode:  "disable",
		},
	}
}

// LoadProxy loads proxy config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadProxy(path string) (Proxy, error) {
	cfg := DefaultProxy()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that would make the proxy unusable.
func (c Proxy) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.TargetPort < 1 || c.TargetPort > 65535 {
		errs = append(errs, fmt.Errorf("target_port %d out of range", c.TargetPort))
	}
	if strings.TrimSpace(c.TargetHost) == "" {
		errs = append(errs, errors.New("target_host is empty"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval %s must be positive", c.TickInterval))
	}
	if c.BackendConnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("backend_connect_attempts %d must be at least 1", c.BackendConnectAttempts))
	}
	if c.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("max_batch_size %d must be positive", c.MaxBatchSize))
	}
	if c.CompressionLevel < -2 || c.CompressionLevel > 9 {
		errs = append(errs, fmt.Errorf("compression_level %d out of range", c.CompressionLevel))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ListenAddr returns the client-facing listen address.
func (c Proxy) ListenAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// TargetAddr returns the backend address.
func (c Proxy) TargetAddr() string {
	return net.JoinHostPort(c.TargetHost, strconv.Itoa(c.TargetPort))
}

// ParseLogLevel maps a config level name to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", s, err)
	}
	return lvl, nil
}
