// Package engineconfig holds the engine's local process configuration:
// how long to wait on the wire, how aggressively to retry, how writes are
// batched, and where on-disk state lives. It does not configure the
// remote schema — that's an immutable wire contract (spec §4.3) — only
// this process's behavior.
package engineconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config is the engine's local process configuration.
type Config struct {
	Transport  TransportConfig  `mapstructure:"transport"`
	Write      WriteConfig      `mapstructure:"write"`
	Boot       BootConfig       `mapstructure:"boot"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// TransportConfig holds settings for the HTTP client to the remote
// SQL-over-HTTP backend (spec §4.1). pkg/muninn.New passes only
// MaxRetries to the client; RequestTimeout, InitialBackoff and
// BackoffMultiplier are loaded and validated but not applied, and the
// client keeps its own 30s timeout and 1s-doubling backoff.
type TransportConfig struct {
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	InitialBackoff      time.Duration `mapstructure:"initial_backoff"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier"`
}

// WriteConfig governs the background write pipeline (spec §4.7).
type WriteConfig struct {
	QueueDepth          int           `mapstructure:"queue_depth"`
	BatchSize           int           `mapstructure:"batch_size"`
	DefaultFlushTimeout time.Duration `mapstructure:"default_flush_timeout"`
}

// BootConfig governs the boot composer (spec §4.8).
type BootConfig struct {
	RecentJournalCount int    `mapstructure:"recent_journal_count"`
	MaterializeDir     string `mapstructure:"materialize_dir"`
}

// CredentialsConfig mirrors the well-known credential file search order
// (spec §4.2); internal/credentials.Resolver is constructed from these.
type CredentialsConfig struct {
	WellKnownFiles  []string `mapstructure:"well_known_files"`
	LegacyTokenFile string   `mapstructure:"legacy_token_file"`
}

// LoggingConfig matches internal/logging.Config, kept separate so this
// package has no import-time dependency on internal/logging.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// DefaultConfig returns the engine's built-in defaults (spec §4.1, §4.7,
// §4.8 default values; §4.2 well-known file paths).
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			RequestTimeout:    30 * time.Second,
			MaxRetries:        2,
			InitialBackoff:    1 * time.Second,
			BackoffMultiplier: 2,
		},
		Write: WriteConfig{
			QueueDepth:          256,
			BatchSize:           10,
			DefaultFlushTimeout: 5 * time.Second,
		},
		Boot: BootConfig{
			RecentJournalCount: 10,
			MaterializeDir:     "/home/claude/muninn_utils/",
		},
		Credentials: CredentialsConfig{
			WellKnownFiles:  []string{"/mnt/project/turso.env", "/mnt/project/muninn.env"},
			LegacyTokenFile: "/mnt/project/turso-token.txt",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Load reads configuration the way the teacher's pkg/config does: Viper
// defaults, overridden by a YAML file found on a fixed search path,
// overridden by environment variables. A missing config file is not an
// error — DefaultConfig() stands. After Viper assembles the base config,
// an optional .muninn.toml in the current directory is layered on top
// via BurntSushi/toml for callers who prefer a minimal hand-edited
// override file over the full Viper search path.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("muninn")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".muninn"))
	}
	v.AddConfigPath("/etc/muninn")

	v.SetEnvPrefix("MUNINN")
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	cfg := DefaultConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("engineconfig: reading config file: %w", err)
		}
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("engineconfig: unmarshaling config: %w", err)
	}

	if err := layerTOMLOverride(cfg, ".muninn.toml"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engineconfig: invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("transport.request_timeout", d.Transport.RequestTimeout)
	v.SetDefault("transport.max_retries", d.Transport.MaxRetries)
	v.SetDefault("transport.initial_backoff", d.Transport.InitialBackoff)
	v.SetDefault("transport.backoff_multiplier", d.Transport.BackoffMultiplier)

	v.SetDefault("write.queue_depth", d.Write.QueueDepth)
	v.SetDefault("write.batch_size", d.Write.BatchSize)
	v.SetDefault("write.default_flush_timeout", d.Write.DefaultFlushTimeout)

	v.SetDefault("boot.recent_journal_count", d.Boot.RecentJournalCount)
	v.SetDefault("boot.materialize_dir", d.Boot.MaterializeDir)

	v.SetDefault("credentials.well_known_files", d.Credentials.WellKnownFiles)
	v.SetDefault("credentials.legacy_token_file", d.Credentials.LegacyTokenFile)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
}

// tomlOverride mirrors Config but with every field optional, so a
// .muninn.toml only needs to name what it wants to change.
type tomlOverride struct {
	Transport *struct {
		RequestTimeout    *string  `toml:"request_timeout"`
		MaxRetries        *int     `toml:"max_retries"`
		InitialBackoff    *string  `toml:"initial_backoff"`
		BackoffMultiplier *float64 `toml:"backoff_multiplier"`
	} `toml:"transport"`
	Write *struct {
		QueueDepth          *int    `toml:"queue_depth"`
		BatchSize           *int    `toml:"batch_size"`
		DefaultFlushTimeout *string `toml:"default_flush_timeout"`
	} `toml:"write"`
	Boot *struct {
		RecentJournalCount *int    `toml:"recent_journal_count"`
		MaterializeDir     *string `toml:"materialize_dir"`
	} `toml:"boot"`
}

func layerTOMLOverride(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil // no override file: not an error
	}

	var override tomlOverride
	if _, err := toml.DecodeFile(path, &override); err != nil {
		return fmt.Errorf("engineconfig: decoding %s: %w", path, err)
	}

	if t := override.Transport; t != nil {
		if t.RequestTimeout != nil {
			if d, err := time.ParseDuration(*t.RequestTimeout); err == nil {
				cfg.Transport.RequestTimeout = d
			}
		}
		if t.MaxRetries != nil {
			cfg.Transport.MaxRetries = *t.MaxRetries
		}
		if t.InitialBackoff != nil {
			if d, err := time.ParseDuration(*t.InitialBackoff); err == nil {
				cfg.Transport.InitialBackoff = d
			}
		}
		if t.BackoffMultiplier != nil {
			cfg.Transport.BackoffMultiplier = *t.BackoffMultiplier
		}
	}
	if w := override.Write; w != nil {
		if w.QueueDepth != nil {
			cfg.Write.QueueDepth = *w.QueueDepth
		}
		if w.BatchSize != nil {
			cfg.Write.BatchSize = *w.BatchSize
		}
		if w.DefaultFlushTimeout != nil {
			if d, err := time.ParseDuration(*w.DefaultFlushTimeout); err == nil {
				cfg.Write.DefaultFlushTimeout = d
			}
		}
	}
	if b := override.Boot; b != nil {
		if b.RecentJournalCount != nil {
			cfg.Boot.RecentJournalCount = *b.RecentJournalCount
		}
		if b.MaterializeDir != nil {
			cfg.Boot.MaterializeDir = *b.MaterializeDir
		}
	}
	return nil
}

// Validate checks the configuration for internally-consistent values
// (spec §9 design constraints: batch size and queue depth must be
// positive, retry counts non-negative).
func (c *Config) Validate() error {
	if c.Transport.RequestTimeout <= 0 {
		return fmt.Errorf("transport.request_timeout must be positive")
	}
	if c.Transport.MaxRetries < 0 {
		return fmt.Errorf("transport.max_retries must be >= 0")
	}
	if c.Write.QueueDepth <= 0 {
		return fmt.Errorf("write.queue_depth must be positive")
	}
	if c.Write.BatchSize <= 0 {
		return fmt.Errorf("write.batch_size must be positive")
	}
	if c.Boot.RecentJournalCount < 0 {
		return fmt.Errorf("boot.recent_journal_count must be >= 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: console, json")
	}
	return nil
}
