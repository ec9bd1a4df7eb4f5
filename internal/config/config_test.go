package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProxy_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadProxy(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultProxy(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadProxy_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	data := `
port: 19200
target_host: backend.local
target_port: 19300
tick_interval: 25ms
require_authentication: true
dump_dir: /tmp/dumps
database:
  enabled: true
  host: db
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadProxy(path)
	require.NoError(t, err)

	assert.Equal(t, 19200, cfg.Port)
	assert.Equal(t, "backend.local:19300", cfg.TargetAddr())
	assert.Equal(t, 25*time.Millisecond, cfg.TickInterval)
	assert.True(t, cfg.RequireAuthentication)
	assert.Equal(t, "/tmp/dumps", cfg.DumpDir)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "postgres://bedrockproxy:bedrockproxy@db:5432/bedrockproxy?sslmode=disable", cfg.Database.DSN())

	// untouched fields keep their defaults
	assert.Equal(t, int32(407), cfg.ProtocolVersion)
	assert.Equal(t, "0.0.0.0:19200", cfg.ListenAddr())
}

func TestLoadProxy_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [1"), 0o600))

	_, err := LoadProxy(path)
	assert.Error(t, err)
}

func TestProxy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Proxy)
	}{
		{"port zero", func(c *Proxy) { c.Port = 0 }},
		{"port too large", func(c *Proxy) { c.Port = 70000 }},
		{"target port", func(c *Proxy) { c.TargetPort = -1 }},
		{"empty target", func(c *Proxy) { c.TargetHost = " " }},
		{"tick", func(c *Proxy) { c.TickInterval = 0 }},
		{"attempts", func(c *Proxy) { c.BackendConnectAttempts = 0 }},
		{"batch size", func(c *Proxy) { c.MaxBatchSize = 0 }},
		{"compression", func(c *Proxy) { c.CompressionLevel = 11 }},
		{"log level", func(c *Proxy) { c.LogLevel = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultProxy()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)
}
