package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Adapter    AdapterConfig    `yaml:"adapter"`
	Peripheral PeripheralConfig `yaml:"peripheral"`
	Scan       ScanConfig       `yaml:"scan"`
	Connect    ConnectConfig    `yaml:"connect"`
	LogLevel   string           `yaml:"log_level"`
}

// AdapterConfig selects the host radio.
type AdapterConfig struct {
	ID       string `yaml:"id"`        // adapter name, e.g. "hci0"; Linux only
	UseBlueZ bool   `yaml:"use_bluez"` // read paired devices and power state over D-Bus
	PowerOn  bool   `yaml:"power_on"`  // power the adapter on when it is off
}

// PeripheralConfig holds the discovery filter.
type PeripheralConfig struct {
	NameMarker string `yaml:"name_marker"`
}

// ScanConfig holds scan timing.
type ScanConfig struct {
	Duration    time.Duration `yaml:"duration"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// ConnectConfig holds connection settings.
type ConnectConfig struct {
	Address       string        `yaml:"address"` // empty: pick from scan results
	Auto          bool          `yaml:"auto"`    // connect when exactly one peripheral matches
	Timeout       time.Duration `yaml:"timeout"`
	VerifyTimeout time.Duration `yaml:"verify_timeout"`
}

const appName = "kiosk-peripheral"

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName)
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Adapter: AdapterConfig{
			ID:       "hci0",
			UseBlueZ: true,
		},
		Peripheral: PeripheralConfig{
			NameMarker: "Clover",
		},
		Scan: ScanConfig{
			Duration:    10 * time.Second,
			StopTimeout: 2 * time.Second,
		},
		Connect: ConnectConfig{
			Timeout:       15 * time.Second,
			VerifyTimeout: 5 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Connect.Address = strings.ToUpper(strings.TrimSpace(cfg.Connect.Address))

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Adapter.ID == "" {
		return fmt.Errorf("adapter.id must not be empty")
	}

	if c.Peripheral.NameMarker == "" {
		return fmt.Errorf("peripheral.name_marker must not be empty")
	}

	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}

	if c.Scan.StopTimeout <= 0 {
		return fmt.Errorf("scan.stop_timeout must be > 0")
	}

	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be > 0")
	}

	if c.Connect.VerifyTimeout <= 0 {
		return fmt.Errorf("connect.verify_timeout must be > 0")
	}

	if c.Connect.Address != "" && c.Connect.Auto {
		return fmt.Errorf("connect.address and connect.auto are mutually exclusive")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to slog. Unknown values map to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultConfigYAML = `# kiosk-peripheral configuration
# Durations use Go syntax: 500ms, 10s, 1m.

adapter:
  # adapter name (Linux); other platforms use their only adapter
  id: hci0
  # read paired devices and power state from BlueZ over D-Bus (Linux)
  use_bluez: true
  # switch the adapter on at startup if it is off
  power_on: false

peripheral:
  # advertised-name substring that identifies a payment terminal
  name_marker: Clover

scan:
  duration: 10s
  stop_timeout: 2s

connect:
  # address of the terminal to connect to; leave empty to only scan
  address: ""
  # connect when exactly one terminal is found
  auto: false
  timeout: 15s
  verify_timeout: 5s

log_level: info
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" when a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
