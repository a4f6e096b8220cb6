package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cirlog/modulo/pkg/types"
)

// Config is the unit configuration loaded from YAML. CLI flags override
// individual values after loading.
type Config struct {
	Unit      UnitConfig      `yaml:"unit"`
	Broker    BrokerConfig    `yaml:"broker"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// UnitConfig identifies the unit
type UnitConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

// BrokerConfig points at the pub/sub broker
type BrokerConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// StorageConfig configures the storage engine
type StorageConfig struct {
	Root string `yaml:"root"`
	// Mode is "persistent" or "in-memory"
	Mode        string `yaml:"mode"`
	MaxResident int    `yaml:"max_resident"`
}

// TransportConfig configures the frame-protocol workers
type TransportConfig struct {
	// Listen is the server bind address; empty means no server worker
	Listen string `yaml:"listen"`
	// Peer is the outbound client target; empty means no client worker
	Peer          string        `yaml:"peer"`
	AutoReconnect bool          `yaml:"auto_reconnect"`
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	QueueSize     int           `yaml:"queue_size"`
}

// LogConfig configures the ambient logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig configures the metrics/health listener
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the baseline configuration
func Default() *Config {
	return &Config{
		Unit: UnitConfig{Kind: string(types.UnitService)},
		Broker: BrokerConfig{
			Addr: "localhost:6379",
		},
		Storage: StorageConfig{
			Root: "/var/lib/modulo",
			Mode: "persistent",
		},
		Transport: TransportConfig{
			AutoReconnect: true,
			AckTimeout:    2 * time.Second,
			QueueSize:     32,
		},
		Log: LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field consistency
func (c *Config) Validate() error {
	switch c.Storage.Mode {
	case "persistent", "in-memory":
	default:
		return fmt.Errorf("invalid storage mode %q, want persistent or in-memory", c.Storage.Mode)
	}
	if c.Unit.Kind != "" {
		if _, err := types.ParseUnitKind(c.Unit.Kind); err != nil {
			return err
		}
	}
	if c.Storage.Mode == "persistent" && c.Storage.Root == "" {
		return fmt.Errorf("persistent storage requires a root directory")
	}
	if c.Storage.MaxResident < 0 {
		return fmt.Errorf("max_resident must not be negative")
	}
	return nil
}

// InMemory reports whether the engine runs without persistence
func (c *Config) InMemory() bool {
	return c.Storage.Mode == "in-memory"
}
