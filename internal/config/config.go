package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file inside the host directory.
const FileName = "host.yaml"

// Config holds all cpterm host configuration.
type Config struct {
	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Framed stdin/stdout stream
	Transport TransportConfig `yaml:"transport"`

	// Correlation core and file watching
	Host HostConfig `yaml:"host"`

	// Local TCP control channel
	CommandServer CommandServerConfig `yaml:"command_server"`

	// Preference overrides layered over DefaultPrefs before the extension
	// sends its own.
	Prefs map[string]string `yaml:"prefs,omitempty"`
}

// TransportConfig configures the native messaging stream.
type TransportConfig struct {
	MaxMessageBytes uint32 `yaml:"max_message_bytes"` // 0 = unlimited
}

// HostConfig configures the correlation core.
type HostConfig struct {
	CommandTimeout   string `yaml:"command_timeout"`
	WatchStopTimeout string `yaml:"watch_stop_timeout"`
}

// CommandServerConfig configures the control channel. The port and whether it
// runs at all are preferences sent by the extension.
type CommandServerConfig struct {
	Bind        string `yaml:"bind"`
	ReadTimeout string `yaml:"read_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			File:   "cpterm-host.log",
		},

		Transport: TransportConfig{
			MaxMessageBytes: 64 << 20,
		},

		Host: HostConfig{
			CommandTimeout:   "1m",
			WatchStopTimeout: "2s",
		},

		CommandServer: CommandServerConfig{
			Bind:        "127.0.0.1",
			ReadTimeout: "10s",
		},
	}
}

// HostDir returns the directory holding the configuration file and logs:
// $CPTERM_HOME, or .cpterm in the user's home directory.
func HostDir() string {
	if dir := os.Getenv("CPTERM_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cpterm"
	}
	return filepath.Join(home, ".cpterm")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(HostDir(), FileName)
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("CPTERM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("CPTERM_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if bind := os.Getenv("CPTERM_COMMAND_BIND"); bind != "" {
		c.CommandServer.Bind = bind
	}
}

// GetCommandTimeout returns how long a correlated command waits for its reply.
func (c *Config) GetCommandTimeout() time.Duration {
	return parseDuration(c.Host.CommandTimeout, time.Minute)
}

// GetWatchStopTimeout returns the bounded wait for a watch loop to exit.
func (c *Config) GetWatchStopTimeout() time.Duration {
	return parseDuration(c.Host.WatchStopTimeout, 2*time.Second)
}

// GetReadTimeout returns the control channel request read deadline.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDuration(c.CommandServer.ReadTimeout, 10*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NewPrefs returns the built-in preference defaults overlaid with the
// configuration file's prefs section.
func (c *Config) NewPrefs() *Prefs {
	p := NewPrefs()
	p.Merge(c.Prefs)
	return p
}
