// Package config loads the application configuration from config.yaml
// and FINCH_* environment variables, with environment taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/finchley/finch/internal/provider"
)

// Config is the resolved application configuration.
type Config struct {
	// DataDir holds the local database, the settings journal, and logs.
	DataDir string `mapstructure:"data-dir"`

	// SaveDebounce is the quiet period after a local edit before the
	// full-file save runs.
	SaveDebounce time.Duration `mapstructure:"save-debounce"`

	// PollInterval is how often the remote file is probed for external
	// changes.
	PollInterval time.Duration `mapstructure:"poll-interval"`

	// JournalStaleness is how old a settings journal entry may be before
	// it is discarded instead of replayed.
	JournalStaleness time.Duration `mapstructure:"journal-staleness"`

	// HighlightTTL is how long imported changes stay marked for
	// attention.
	HighlightTTL time.Duration `mapstructure:"highlight-ttl"`

	FamilyID   string `mapstructure:"family-id"`
	FamilyName string `mapstructure:"family-name"`

	// Provider selects and configures the sync file backend.
	Provider provider.Config `mapstructure:"provider"`

	// Dashboard is the local status dashboard listen address; empty
	// disables it.
	Dashboard string `mapstructure:"dashboard"`

	// LogFile receives daemon logs, rotated in place. Empty logs to
	// stderr.
	LogFile string `mapstructure:"log-file"`
}

// Load reads configuration. Precedence: FINCH_* environment variables,
// then the config file, then defaults. An explicit path wins over the
// search; with no path, the first of $XDG_CONFIG_HOME/finch/config.yaml
// and ~/.finch/config.yaml that exists is used. A missing config file is
// not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	}

	v.SetEnvPrefix("FINCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func findConfigFile() string {
	if dir, err := os.UserConfigDir(); err == nil {
		path := filepath.Join(dir, "finch", "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".finch", "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data-dir", defaultDataDir())
	v.SetDefault("save-debounce", "2s")
	v.SetDefault("poll-interval", "30s")
	v.SetDefault("journal-staleness", "24h")
	v.SetDefault("highlight-ttl", "10s")
	v.SetDefault("family-id", "")
	v.SetDefault("family-name", "")
	v.SetDefault("provider.type", string(provider.TypeLocalFile))
	v.SetDefault("provider.path", "")
	v.SetDefault("provider.url", "")
	v.SetDefault("provider.token", "")
	v.SetDefault("dashboard", "")
	v.SetDefault("log-file", "")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "finch")
	}
	return ".finch"
}

func (c *Config) validate() error {
	if c.SaveDebounce <= 0 {
		return fmt.Errorf("save-debounce must be positive, got %s", c.SaveDebounce)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive, got %s", c.PollInterval)
	}
	if c.JournalStaleness <= 0 {
		return fmt.Errorf("journal-staleness must be positive, got %s", c.JournalStaleness)
	}
	return nil
}

// DatabasePath returns the local record database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "finch.db")
}

// JournalPath returns the settings journal location.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "settings.wal")
}

// TombstonePath returns the deletion ledger location.
func (c *Config) TombstonePath() string {
	return filepath.Join(c.DataDir, "tombstones.json")
}
