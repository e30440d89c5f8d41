// Package config handles quorum configuration loading and validation.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for quorum.
type Config struct {
	Daemon  DaemonConfig  `yaml:"daemon"`
	Worker  WorkerConfig  `yaml:"worker"`
	Gateway GatewayConfig `yaml:"gateway"`
	Stream  StreamConfig  `yaml:"stream"`
}

// DaemonConfig defines quorumd settings.
type DaemonConfig struct {
	Database  string `yaml:"database"`
	LogFile   string `yaml:"log_file"`
	LogLevel  string `yaml:"log_level"`
	SentryDSN string `yaml:"sentry_dsn"`
}

// WorkerConfig defines how agent worker subprocesses are launched.
type WorkerConfig struct {
	Command      string        `yaml:"command"`       // worker binary, resolved via PATH
	WorkDir      string        `yaml:"work_dir"`      // default cwd for queries
	Model        string        `yaml:"model"`         // default model passed to workers
	AllowedTools []string      `yaml:"allowed_tools"` // default tool allowlist (empty = all)
	DrainTimeout time.Duration `yaml:"drain_timeout"` // wait for workers on shutdown
}

// GatewayConfig defines the WebSocket gateway.
type GatewayConfig struct {
	Listen        string        `yaml:"listen"`
	AuthSecret    string        `yaml:"auth_secret"`    // HS256 secret for client tokens
	TokenTTL      time.Duration `yaml:"token_ttl"`      // lifetime of minted tokens
	ClientBuffer  int           `yaml:"client_buffer"`  // per-client outbound queue
	WriteTimeout  time.Duration `yaml:"write_timeout"`  // per-frame write deadline
	AllowInsecure bool          `yaml:"allow_insecure"` // skip auth (local dev only)
}

// StreamConfig tunes the delta assembler.
type StreamConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"` // observer notification cadence
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Daemon: DaemonConfig{
			Database: filepath.Join(homeDir, ".local/share/quorum/quorum.db"),
			LogFile:  filepath.Join(homeDir, ".local/share/quorum/quorum.log"),
			LogLevel: "info",
		},
		Worker: WorkerConfig{
			Command:      "quorum-worker",
			Model:        "sonnet",
			DrainTimeout: 30 * time.Second,
		},
		Gateway: GatewayConfig{
			Listen:       "127.0.0.1:7317",
			TokenTTL:     12 * time.Hour,
			ClientBuffer: 256,
			WriteTimeout: 10 * time.Second,
		},
		Stream: StreamConfig{
			FlushInterval: 100 * time.Millisecond,
		},
	}
}

// Load reads configuration from the default path or returns defaults.
func Load() (*Config, error) {
	configPath := DefaultConfigPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.expandEnvVars()
	return cfg, nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if p := os.Getenv("QUORUM_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/quorum/config.yaml")
}

func (c *Config) expandEnvVars() {
	c.Daemon.SentryDSN = os.ExpandEnv(c.Daemon.SentryDSN)
	c.Gateway.AuthSecret = os.ExpandEnv(c.Gateway.AuthSecret)
}
