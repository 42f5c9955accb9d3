// Package config provides configuration loading for the runtime. Options
// come from defaults, an optional YAML file, EDAT_-prefixed environment
// variables and programmatic overrides, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root runtime configuration.
type Config struct {
	// BatchEvents enables batching of incoming remote events.
	BatchEvents bool `mapstructure:"batch_events"`

	// MaxBatchedEvents is the flush threshold of the batch store.
	MaxBatchedEvents int `mapstructure:"max_batched_events"`

	// BatchingEventsTimeout is the idle flush threshold in seconds.
	BatchingEventsTimeout float64 `mapstructure:"batching_events_timeout"`

	// EnableBridge also probes the global communicator when polling.
	EnableBridge bool `mapstructure:"enable_bridge"`

	// Resilience level: 0 off, 1 worker-failure rescue, 2 worker and
	// process (persists the ledger).
	Resilience int `mapstructure:"resilience"`

	// MainThreadWorker uses the main thread as the last worker.
	MainThreadWorker bool `mapstructure:"main_thread_worker"`

	// NumThreads is the worker count.
	NumThreads int `mapstructure:"num_threads"`

	// ProgressThread runs polling on a dedicated thread; when false,
	// idle workers steal the polling loop.
	ProgressThread bool `mapstructure:"progress_thread"`

	// LedgerDir is where resilience level 2 persists its ledger files.
	LedgerDir string `mapstructure:"ledger_dir"`

	// Log holds logging configuration.
	Log LogConfig `mapstructure:"log"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		BatchEvents:           false,
		MaxBatchedEvents:      1000,
		BatchingEventsTimeout: 0.1,
		EnableBridge:          false,
		Resilience:            0,
		MainThreadWorker:      true,
		NumThreads:            runtime.NumCPU(),
		ProgressThread:        true,
		LedgerDir:             "./edat-ledger",
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/edat.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty) plus
// environment overrides with prefix EDAT (EDAT_BATCH_EVENTS,
// EDAT_NUM_THREADS, ...). Entries in overrides win over everything and
// use the same keys as the env variables, with or without the prefix.
func Load(path string, overrides map[string]string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("EDAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("batch_events", cfg.BatchEvents)
	v.SetDefault("max_batched_events", cfg.MaxBatchedEvents)
	v.SetDefault("batching_events_timeout", cfg.BatchingEventsTimeout)
	v.SetDefault("enable_bridge", cfg.EnableBridge)
	v.SetDefault("resilience", cfg.Resilience)
	v.SetDefault("main_thread_worker", cfg.MainThreadWorker)
	v.SetDefault("num_threads", cfg.NumThreads)
	v.SetDefault("progress_thread", cfg.ProgressThread)
	v.SetDefault("ledger_dir", cfg.LedgerDir)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		if envPath := os.Getenv("EDAT_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	for key, val := range overrides {
		v.Set(normalizeKey(key), val)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalizeKey maps override keys of the C-style form (EDAT_BATCH_EVENTS)
// onto viper keys (batch_events). Keys already in viper form pass through.
func normalizeKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.TrimPrefix(k, "edat_")
	switch k {
	case "log_level":
		return "log.level"
	case "log_format":
		return "log.format"
	case "log_outputs":
		return "log.outputs"
	}
	return k
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if c.NumThreads < 1 {
		return fmt.Errorf("num_threads must be positive, got %d", c.NumThreads)
	}
	if c.MaxBatchedEvents < 1 {
		return fmt.Errorf("max_batched_events must be positive, got %d", c.MaxBatchedEvents)
	}
	if c.Resilience < 0 || c.Resilience > 2 {
		return fmt.Errorf("resilience must be 0, 1 or 2, got %d", c.Resilience)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string, overrides map[string]string) *Config {
	cfg, err := Load(path, overrides)
	if err != nil {
		panic(err)
	}
	return cfg
}
