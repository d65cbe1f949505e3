package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// FileName is the configuration file looked up when no path is given
	FileName = "libraries-watcher.json"

	envPrefix = "LIBRARIES_WATCHER"
)

// Library is one source tree mirrored into one or more destination trees
type Library struct {
	Name         string   `mapstructure:"name"`
	Source       string   `mapstructure:"source"`
	Destinations []string `mapstructure:"destinations"`
}

// Config is the main configuration of the watcher
type Config struct {
	Libraries []Library `mapstructure:"libraries"`

	// General settings
	Verbose  bool   `mapstructure:"verbose"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Mirroring settings
	InitialSync     bool          `mapstructure:"initial_sync"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MovePairTimeout time.Duration `mapstructure:"move_pair_timeout"`
	RemoveRetries   int           `mapstructure:"remove_retries"`
	Ignore          []string      `mapstructure:"ignore"`
	ImmediateEvents []string      `mapstructure:"immediate_events"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Libraries:       []Library{},
		Verbose:         false,
		LogLevel:        "info",
		LogFile:         "",
		InitialSync:     false,
		PollInterval:    200 * time.Millisecond,
		MovePairTimeout: 100 * time.Millisecond,
		RemoveRetries:   5,
		Ignore:          []string{},
		ImmediateEvents: []string{"addDir"},
	}
}

// Load reads the configuration file at path. An empty path searches the
// working directory and the user config directory.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a JSON configuration document. Both the object form and a
// bare array of libraries are accepted.
func Parse(data []byte) (*Config, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	if trimmed[0] == '[' {
		wrapped := make([]byte, 0, len(trimmed)+16)
		wrapped = append(wrapped, `{"libraries":`...)
		wrapped = append(wrapped, trimmed...)
		wrapped = append(wrapped, '}')
		trimmed = wrapped
	}

	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(trimmed)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")

	defaults := DefaultConfig()
	v.SetDefault("verbose", defaults.Verbose)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_file", defaults.LogFile)
	v.SetDefault("initial_sync", defaults.InitialSync)
	v.SetDefault("poll_interval", defaults.PollInterval)
	v.SetDefault("move_pair_timeout", defaults.MovePairTimeout)
	v.SetDefault("remove_retries", defaults.RemoveRetries)
	v.SetDefault("ignore", defaults.Ignore)
	v.SetDefault("immediate_events", defaults.ImmediateEvents)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	return v
}

func resolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}

	candidates := []string{FileName}
	if userConfigDir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(userConfigDir, "libraries-watcher", FileName))
	}
	candidates = append(candidates, filepath.Join("/etc/libraries-watcher", FileName))

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no config file found (looked in %s)", strings.Join(candidates, ", "))
}

// validateConfig checks the configuration and fills in derived values
func validateConfig(cfg *Config) error {
	if len(cfg.Libraries) == 0 {
		return errors.New("no libraries configured")
	}

	seen := make(map[string]bool, len(cfg.Libraries))
	for i := range cfg.Libraries {
		lib := &cfg.Libraries[i]
		if err := validateLibrary(lib); err != nil {
			return fmt.Errorf("library %d (%s): %w", i, lib.Name, err)
		}
		if seen[lib.Name] {
			return fmt.Errorf("duplicate library name: %s", lib.Name)
		}
		seen[lib.Name] = true
	}

	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.MovePairTimeout < 0 {
		return fmt.Errorf("move_pair_timeout must not be negative, got %s", cfg.MovePairTimeout)
	}
	if cfg.RemoveRetries < 0 {
		return fmt.Errorf("remove_retries must not be negative, got %d", cfg.RemoveRetries)
	}

	for _, pattern := range cfg.Ignore {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
		}
	}

	return nil
}

func validateLibrary(lib *Library) error {
	if lib.Name == "" {
		lib.Name = uuid.New().String()
	}

	if lib.Source == "" {
		return errors.New("source is required")
	}
	if !filepath.IsAbs(lib.Source) {
		return fmt.Errorf("source must be an absolute path: %s", lib.Source)
	}
	lib.Source = filepath.Clean(lib.Source)

	info, err := os.Stat(lib.Source)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source is not a directory: %s", lib.Source)
	}

	if len(lib.Destinations) == 0 {
		return errors.New("at least one destination is required")
	}
	for i, dest := range lib.Destinations {
		if !filepath.IsAbs(dest) {
			return fmt.Errorf("destination must be an absolute path: %s", dest)
		}
		dest = filepath.Clean(dest)
		if dest == lib.Source {
			return fmt.Errorf("destination equals source: %s", dest)
		}
		lib.Destinations[i] = dest
	}

	return nil
}
