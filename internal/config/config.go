// Package config loads and saves agentmon configuration from a TOML file
// under the XDG config directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all agentmon configuration.
type Config struct {
	General    GeneralConfig    `toml:"general"`
	Tracker    TrackerConfig    `toml:"tracker"`
	Bus        BusConfig        `toml:"bus"`
	Store      StoreConfig      `toml:"store"`
	Aggregator AggregatorConfig `toml:"aggregator"`
	Adapters   AdaptersConfig   `toml:"adapters"`
}

// GeneralConfig holds daemon-wide paths and settings.
type GeneralConfig struct {
	DataDir    string `toml:"data_dir,omitempty"`
	SocketPath string `toml:"socket_path,omitempty"`
	LogLevel   string `toml:"log_level,omitempty"`
}

// TrackerConfig holds the session state machine policy parameters.
type TrackerConfig struct {
	StartingGrace  duration `toml:"starting_grace"`
	IdleThreshold  duration `toml:"idle_threshold"`
	CrashThreshold duration `toml:"crash_threshold"`
	SweepInterval  duration `toml:"sweep_interval"`
}

// BusConfig holds event bus queue policy.
type BusConfig struct {
	QueueSize int `toml:"queue_size"`
}

// StoreConfig holds write batching policy.
type StoreConfig struct {
	FlushInterval duration `toml:"flush_interval"`
	BatchSize     int      `toml:"batch_size"`
	// MaxBufferedEvents bounds in-memory buffering while the store is
	// failing; beyond it events are shed with loss accounting.
	MaxBufferedEvents int `toml:"max_buffered_events"`
}

// AggregatorConfig holds the rollup job period.
type AggregatorConfig struct {
	Period duration `toml:"period"`
}

// AdaptersConfig holds adapter discovery settings.
type AdaptersConfig struct {
	ManifestDir string   `toml:"manifest_dir,omitempty"`
	Enabled     []string `toml:"enabled,omitempty"`
	PollTimeout duration `toml:"poll_timeout"`
}

// duration wraps time.Duration for TOML round-tripping as "30s"-style strings.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Dur is a convenience accessor returning the wrapped duration.
func (d duration) Dur() time.Duration { return d.Duration }

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		General: GeneralConfig{
			DataDir:    DataDir(),
			SocketPath: DefaultSocketPath(),
			LogLevel:   "info",
		},
		Tracker: TrackerConfig{
			StartingGrace:  duration{30 * time.Second},
			IdleThreshold:  duration{2 * time.Minute},
			CrashThreshold: duration{30 * time.Minute},
			SweepInterval:  duration{15 * time.Second},
		},
		Bus: BusConfig{
			QueueSize: 1024,
		},
		Store: StoreConfig{
			FlushInterval:     duration{2 * time.Second},
			BatchSize:         256,
			MaxBufferedEvents: 10000,
		},
		Aggregator: AggregatorConfig{
			Period: duration{time.Minute},
		},
		Adapters: AdaptersConfig{
			ManifestDir: filepath.Join(ConfigDir(), "adapters"),
			PollTimeout: duration{10 * time.Second},
		},
	}
}

// ConfigDir returns the XDG-compliant config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentmon")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agentmon")
}

// DataDir returns the XDG-compliant data directory (database, logs).
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentmon")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "agentmon")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// DefaultSocketPath returns the default control socket path.
func DefaultSocketPath() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "agentmon.sock")
	}
	return filepath.Join(DataDir(), "agentmon.sock")
}

// DefaultManifestDir returns the adapter manifest directory.
func DefaultManifestDir() string {
	return filepath.Join(ConfigDir(), "adapters")
}

// DBPath returns the sqlite database path under the configured data dir.
func (c Config) DBPath() string {
	return filepath.Join(c.General.DataDir, "agentmon.db")
}

// SocketPath returns the configured control socket path.
func (c Config) SocketPath() string {
	if c.General.SocketPath != "" {
		return c.General.SocketPath
	}
	return DefaultSocketPath()
}

// AdapterEnabled reports whether an adapter should run. An empty enabled list
// means every discovered adapter runs.
func (c Config) AdapterEnabled(name string) bool {
	if len(c.Adapters.Enabled) == 0 {
		return true
	}
	for _, n := range c.Adapters.Enabled {
		if n == name {
			return true
		}
	}
	return false
}

// Load reads the config file, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads configuration from an explicit path.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // config path is user-controlled by design
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Save writes the config to disk.
func Save(cfg Config) error {
	return SaveTo(cfg, ConfigPath())
}

// SaveTo writes configuration to an explicit path.
func SaveTo(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // path is user-controlled by design
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}

// Exists returns true if a config file exists on disk.
func Exists() bool {
	_, err := os.Stat(ConfigPath())
	return err == nil
}
