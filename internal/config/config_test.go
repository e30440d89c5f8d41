package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Worker.Command != "quorum-worker" {
		t.Errorf("worker command = %q", cfg.Worker.Command)
	}
	if cfg.Gateway.Listen != "127.0.0.1:7317" {
		t.Errorf("listen = %q", cfg.Gateway.Listen)
	}
	if cfg.Gateway.ClientBuffer <= 0 {
		t.Errorf("client buffer = %d", cfg.Gateway.ClientBuffer)
	}
	if cfg.Stream.FlushInterval != 100*time.Millisecond {
		t.Errorf("flush interval = %s", cfg.Stream.FlushInterval)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
daemon:
  log_level: debug
gateway:
  auth_secret: ${QUORUM_TEST_SECRET}
  client_buffer: 64
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("QUORUM_CONFIG", path)
	t.Setenv("QUORUM_TEST_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Daemon.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.Daemon.LogLevel)
	}
	if cfg.Gateway.AuthSecret != "s3cret" {
		t.Errorf("secret not expanded: %q", cfg.Gateway.AuthSecret)
	}
	if cfg.Gateway.ClientBuffer != 64 {
		t.Errorf("client buffer = %d", cfg.Gateway.ClientBuffer)
	}
	// Untouched fields keep their defaults.
	if cfg.Worker.Command != "quorum-worker" {
		t.Errorf("worker command = %q", cfg.Worker.Command)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("QUORUM_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Listen != "127.0.0.1:7317" {
		t.Errorf("listen = %q", cfg.Gateway.Listen)
	}
}
