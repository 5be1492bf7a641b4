package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the YAML file read from the home directory.
	ConfigFileName = "config.yaml"
	// ConnectionsFileName is the default connection registry file.
	ConnectionsFileName = "connections.json"
	// StateFileName is the default durable key/value state database.
	StateFileName = "state.db"

	defaultWorkerCommand   = "sqlcat-worker"
	defaultShutdownTimeout = 5
)

// WorkerConfig describes how to launch the SQL worker process.
type WorkerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	// ShutdownTimeoutSeconds bounds how long Stop waits for the process to exit
	// after the shutdown handshake before killing it.
	ShutdownTimeoutSeconds int  `yaml:"shutdown_timeout_seconds"`
	Autostart              bool `yaml:"autostart"`
}

// ShutdownTimeout returns the grace period as a duration.
func (w WorkerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(w.ShutdownTimeoutSeconds) * time.Second
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// ConnectionsFile overrides <home>/connections.json. Relative paths resolve
	// against the home directory.
	ConnectionsFile string `yaml:"connections_file"`
	// StateDB overrides <home>/state.db.
	StateDB string `yaml:"state_db"`

	Worker WorkerConfig `yaml:"worker"`
	OTel   OTelConfig   `yaml:"otel"`

	// NeedsInit is set when no config.yaml existed at load time.
	NeedsInit bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Worker: WorkerConfig{
			Command:                defaultWorkerCommand,
			ShutdownTimeoutSeconds: defaultShutdownTimeout,
			Autostart:              true,
		},
		OTel: OTelConfig{
			Exporter:    "none",
			ServiceName: "sqlcat",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns $SQLCAT_HOME, falling back to $XDG_CONFIG_HOME/sqlcat.
func HomeDir() string {
	if override := os.Getenv("SQLCAT_HOME"); override != "" {
		return override
	}
	if xdg.ConfigHome != "" {
		return filepath.Join(xdg.ConfigHome, "sqlcat")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sqlcat")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, ConfigFileName)
}

// ConnectionsPath returns the effective connection registry file path.
func (c Config) ConnectionsPath() string {
	return c.resolve(c.ConnectionsFile, ConnectionsFileName)
}

// StatePath returns the effective state database path.
func (c Config) StatePath() string {
	return c.resolve(c.StateDB, StateFileName)
}

func (c Config) resolve(path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return filepath.Join(c.HomeDir, fallback)
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.HomeDir, path)
}

// Load reads config.yaml from HomeDir, applies SQLCAT_* env overrides and
// fills defaults. A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create sqlcat home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsInit = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SQLCAT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SQLCAT_CONNECTIONS_FILE"); raw != "" {
		cfg.ConnectionsFile = raw
	}
	if raw := os.Getenv("SQLCAT_WORKER_COMMAND"); raw != "" {
		cfg.Worker.Command = raw
	}
	if raw := os.Getenv("SQLCAT_WORKER_SHUTDOWN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.ShutdownTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SQLCAT_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Enabled = raw != "none"
		cfg.OTel.Exporter = raw
	}
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Worker.Command) == "" {
		cfg.Worker.Command = defaultWorkerCommand
	}
	if cfg.Worker.ShutdownTimeoutSeconds <= 0 {
		cfg.Worker.ShutdownTimeoutSeconds = defaultShutdownTimeout
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "sqlcat"
	}
	if cfg.OTel.SampleRate <= 0 {
		cfg.OTel.SampleRate = 1.0
	}
}

const defaultConfigYAML = `# sqlcat configuration
log_level: info

# connections_file: connections.json
# state_db: state.db

worker:
  command: sqlcat-worker
  args: []
  shutdown_timeout_seconds: 5
  autostart: true

otel:
  enabled: false
  exporter: none
`

// WriteDefault writes a starter config.yaml unless one already exists.
func WriteDefault(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create sqlcat home: %w", err)
	}
	path := ConfigPath(homeDir)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("create config.yaml: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(defaultConfigYAML); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}
