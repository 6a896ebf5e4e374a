// Package config loads and validates the rookery daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration.
type Config struct {
	// ListenAddr is the control plane bind address.
	ListenAddr string `yaml:"listen_addr"`
	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`
	// LogLevel is one of: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// WorldFile points at a simulator world definition. Empty uses the
	// built-in default world.
	WorldFile string `yaml:"world_file"`
	// Tools lists the port tools available to the access controller.
	Tools []string `yaml:"tools"`
	// Scheduler configures the dispatch and reaper loops.
	Scheduler SchedulerConfig `yaml:"scheduler"`
	// Recon configures the topology sweep loop.
	Recon ReconConfig `yaml:"recon"`
	// Fleet configures node purchasing and upgrades.
	Fleet FleetConfig `yaml:"fleet"`
	// Chain configures sequenced script runs.
	Chain ChainConfig `yaml:"chain"`
}

// SchedulerConfig configures workload dispatch and liveness reaping.
type SchedulerConfig struct {
	// DispatchIntervalSec is how often the queue is drained.
	DispatchIntervalSec int `yaml:"dispatch_interval_sec"`
	// ReapIntervalSec is how often placement liveness is polled.
	ReapIntervalSec int `yaml:"reap_interval_sec"`
	// MaxAttempts is the per-workload retry budget before starving.
	MaxAttempts int `yaml:"max_attempts"`
}

// DispatchInterval returns the dispatch interval as a duration.
func (c SchedulerConfig) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSec) * time.Second
}

// ReapInterval returns the reap interval as a duration.
func (c SchedulerConfig) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSec) * time.Second
}

// ReconConfig configures the discover-authorize-register sweep.
type ReconConfig struct {
	// SweepIntervalSec is how often the topology is rescanned.
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// SweepInterval returns the sweep interval as a duration.
func (c ReconConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// FleetConfig configures owned-node purchasing and upgrades.
type FleetConfig struct {
	// Enabled toggles the fleet manager loop.
	Enabled bool `yaml:"enabled"`
	// TickIntervalSec is how often the fleet policy runs.
	TickIntervalSec int `yaml:"tick_interval_sec"`
	// BaseName prefixes purchased node names.
	BaseName string `yaml:"base_name"`
	// SeedCount is how many nodes to buy before upgrading any.
	SeedCount int `yaml:"seed_count"`
	// SeedCapacity is the capacity tier for seed purchases.
	SeedCapacity int `yaml:"seed_capacity"`
	// MaxNodes caps fleet size.
	MaxNodes int `yaml:"max_nodes"`
	// MaxCapacity caps the upgrade tier.
	MaxCapacity int `yaml:"max_capacity"`
	// ReserveFraction is the share of current funds never spent.
	ReserveFraction float64 `yaml:"reserve_fraction"`
}

// TickInterval returns the fleet tick interval as a duration.
func (c FleetConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSec) * time.Second
}

// ChainConfig configures sequenced script runs.
type ChainConfig struct {
	// PollIntervalSec is how often stage liveness is polled.
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// RetryDelaySec is the wait before retrying a declined stage.
	RetryDelaySec int `yaml:"retry_delay_sec"`
	// Definitions maps chain names to their ordered stages.
	Definitions map[string][]ChainStage `yaml:"definitions"`
}

// PollInterval returns the liveness poll interval as a duration.
func (c ChainConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// RetryDelay returns the declined-stage retry delay as a duration.
func (c ChainConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySec) * time.Second
}

// ChainStage is one step of a chain definition.
type ChainStage struct {
	// Script is the script to launch.
	Script string `yaml:"script"`
	// Target is the node the script acts on.
	Target string `yaml:"target"`
	// Threads is the requested thread count.
	Threads int `yaml:"threads"`
}

// Default returns the default daemon configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		ListenAddr: "127.0.0.1:7583",
		DBPath:     filepath.Join(homeDir, ".rookery", "rookery.db"),
		LogLevel:   "info",
		Tools:      []string{"ssh-bruteforce", "ftp-crack"},
		Scheduler: SchedulerConfig{
			DispatchIntervalSec: 2,
			ReapIntervalSec:     5,
			MaxAttempts:         10,
		},
		Recon: ReconConfig{
			SweepIntervalSec: 30,
		},
		Fleet: FleetConfig{
			Enabled:         true,
			TickIntervalSec: 20,
			BaseName:        "drone",
			SeedCount:       4,
			SeedCapacity:    8,
			MaxNodes:        12,
			MaxCapacity:     1024,
			ReserveFraction: 0.1,
		},
		Chain: ChainConfig{
			PollIntervalSec: 2,
			RetryDelaySec:   4,
			Definitions: map[string][]ChainStage{
				"standard": {
					{Script: "soften", Target: "copperline", Threads: 8},
					{Script: "swell", Target: "copperline", Threads: 8},
					{Script: "harvest", Target: "copperline", Threads: 16},
				},
			},
		},
	}
}

// Load loads configuration from a YAML file. A missing file returns
// the defaults; present keys override them.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadFromHome loads configuration from ~/.rookery/rookery.yaml.
func LoadFromHome() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Default(), nil
	}
	return Load(filepath.Join(home, ".rookery", "rookery.yaml"))
}

// Ensure loads configuration from path, writing the defaults there
// first if no file exists yet.
func Ensure(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Save(path, Default()); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}
	}
	return Load(path)
}

// EnsureFromHome is Ensure against ~/.rookery/rookery.yaml. If the home
// directory cannot be resolved it falls back to in-memory defaults.
func EnsureFromHome() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Default(), nil
	}
	return Ensure(filepath.Join(home, ".rookery", "rookery.yaml"))
}

// Save writes configuration to a YAML file, creating parent
// directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be: debug, info, warn, or error", c.LogLevel)
	}

	if c.Scheduler.DispatchIntervalSec < 1 {
		return fmt.Errorf("scheduler.dispatch_interval_sec must be at least 1")
	}
	if c.Scheduler.ReapIntervalSec < 1 {
		return fmt.Errorf("scheduler.reap_interval_sec must be at least 1")
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be at least 1")
	}
	if c.Recon.SweepIntervalSec < 1 {
		return fmt.Errorf("recon.sweep_interval_sec must be at least 1")
	}

	if c.Fleet.Enabled {
		if c.Fleet.BaseName == "" {
			return fmt.Errorf("fleet.base_name must not be empty")
		}
		if c.Fleet.TickIntervalSec < 1 {
			return fmt.Errorf("fleet.tick_interval_sec must be at least 1")
		}
		if c.Fleet.SeedCount < 0 {
			return fmt.Errorf("fleet.seed_count must not be negative")
		}
		if c.Fleet.SeedCapacity < 1 || !isPowerOfTwo(c.Fleet.SeedCapacity) {
			return fmt.Errorf("fleet.seed_capacity must be a power of two, got %d", c.Fleet.SeedCapacity)
		}
		if c.Fleet.MaxCapacity < c.Fleet.SeedCapacity || !isPowerOfTwo(c.Fleet.MaxCapacity) {
			return fmt.Errorf("fleet.max_capacity must be a power of two >= seed_capacity, got %d", c.Fleet.MaxCapacity)
		}
		if c.Fleet.MaxNodes < c.Fleet.SeedCount {
			return fmt.Errorf("fleet.max_nodes must be at least seed_count")
		}
		if c.Fleet.ReserveFraction < 0 || c.Fleet.ReserveFraction >= 1 {
			return fmt.Errorf("fleet.reserve_fraction must be in [0, 1), got %g", c.Fleet.ReserveFraction)
		}
	}

	if c.Chain.PollIntervalSec < 1 {
		return fmt.Errorf("chain.poll_interval_sec must be at least 1")
	}
	if c.Chain.RetryDelaySec < 1 {
		return fmt.Errorf("chain.retry_delay_sec must be at least 1")
	}
	for name, stages := range c.Chain.Definitions {
		if len(stages) == 0 {
			return fmt.Errorf("chain %q has no stages", name)
		}
		for i, st := range stages {
			if st.Script == "" {
				return fmt.Errorf("chain %q stage %d has no script", name, i)
			}
			if st.Target == "" {
				return fmt.Errorf("chain %q stage %d has no target", name, i)
			}
			if st.Threads < 1 {
				return fmt.Errorf("chain %q stage %d needs at least 1 thread", name, i)
			}
		}
	}

	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
