// Package config loads storyvoid settings from a YAML file and STORYVOID_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/JohanCodinha/storyvoid/internal/logger"
)

// EnvPrefix is the prefix of environment variables that override settings.
// STORYVOID_TOKEN sets token, STORYVOID_LIMITS_UNREAD sets limits.unread.
const EnvPrefix = "STORYVOID"

// DefaultAPIURL is the service endpoint used when none is configured.
const DefaultAPIURL = "https://www.instapaper.com"

// Limits caps how many bookmarks a sync lists per folder.
type Limits struct {
	Unread  int `mapstructure:"unread"`
	Archive int `mapstructure:"archive"`
	Liked   int `mapstructure:"liked"`
	Default int `mapstructure:"default"`
}

// Config holds every setting.
type Config struct {
	APIURL         string `mapstructure:"api_url"`
	Token          string `mapstructure:"token"`
	DataDir        string `mapstructure:"data_dir"`
	LogLevel       string `mapstructure:"log_level"`
	LogFile        string `mapstructure:"log_file"`
	DebounceMs     int    `mapstructure:"debounce_ms"`
	ArticleWorkers int    `mapstructure:"article_workers"`
	Limits         Limits `mapstructure:"limits"`

	// File is the config file that was read, or empty.
	File string `mapstructure:"-"`
}

// DBPath is the SQLite database inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "storyvoid.db")
}

// ArticlesDir is where downloaded articles are written.
func (c *Config) ArticlesDir() string {
	return filepath.Join(c.DataDir, "articles")
}

// Level parses LogLevel.
func (c *Config) Level() (logger.Level, error) {
	return logger.ParseLevel(c.LogLevel)
}

// DefaultConfigDir returns ~/.config/storyvoid.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "storyvoid"), nil
}

// DefaultDataDir returns ~/.local/share/storyvoid.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "storyvoid"), nil
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("api_url", DefaultAPIURL)
	v.SetDefault("token", "")
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("debounce_ms", 500)
	v.SetDefault("article_workers", 4)
	v.SetDefault("limits.unread", 250)
	v.SetDefault("limits.archive", 100)
	v.SetDefault("limits.liked", 100)
	v.SetDefault("limits.default", 100)
}

// Load reads settings. An explicit path must exist; without one,
// config.yaml in DefaultConfigDir is read if present.
func Load(path string) (*Config, error) {
	dataDir, err := DefaultDataDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, dataDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		configDir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.LogFile = expandHome(cfg.LogFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("config: loaded (file=%q data_dir=%q)", cfg.File, cfg.DataDir)
	return cfg, nil
}

// Validate checks setting ranges.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("invalid config: api_url is empty")
	}
	if c.DataDir == "" {
		return errors.New("invalid config: data_dir is empty")
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.DebounceMs < 0 {
		return fmt.Errorf("invalid config: debounce_ms must not be negative, got %d", c.DebounceMs)
	}
	if c.ArticleWorkers < 1 {
		return fmt.Errorf("invalid config: article_workers must be at least 1, got %d", c.ArticleWorkers)
	}
	for name, n := range map[string]int{
		"unread":  c.Limits.Unread,
		"archive": c.Limits.Archive,
		"liked":   c.Limits.Liked,
		"default": c.Limits.Default,
	} {
		if n < 1 || n > 500 {
			return fmt.Errorf("invalid config: limits.%s must be between 1 and 500, got %d", name, n)
		}
	}
	return nil
}

// expandHome replaces a leading ~/ with the home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
