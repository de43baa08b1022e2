// SPDX-License-Identifier: MPL-2.0

// Package config loads modgraph configuration from a TOML file with
// environment-variable overrides. Lookup order: explicit path flag, then the
// platform config directory, then the working directory, then defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "modgraph"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "toml"
	// EnvPrefix prefixes environment overrides, e.g. MODGRAPH_CACHE_DIR.
	EnvPrefix = "MODGRAPH"
)

type (
	// Config is the resolved application configuration.
	Config struct {
		// CacheDir is the module cache root. Empty selects the platform
		// default cache directory.
		CacheDir string `mapstructure:"cache_dir" toml:"cache_dir"`

		// Concurrency bounds parallel module loads during a graph build.
		Concurrency int `mapstructure:"concurrency" toml:"concurrency"`

		// CachePolicy is one of "use", "respect-headers", "reload",
		// "reload-all", "only".
		CachePolicy string `mapstructure:"cache_policy" toml:"cache_policy"`

		// RegistryURL is the npm registry base URL.
		RegistryURL string `mapstructure:"registry_url" toml:"registry_url"`

		Lockfile  LockfileConfig  `mapstructure:"lockfile" toml:"lockfile"`
		ImportMap ImportMapConfig `mapstructure:"import_map" toml:"import_map"`
	}

	// LockfileConfig controls integrity checking.
	LockfileConfig struct {
		// Path is the lockfile location; empty disables locking unless the
		// CLI supplies one.
		Path string `mapstructure:"path" toml:"path"`

		// Frozen rejects any new lockfile entry instead of recording it.
		Frozen bool `mapstructure:"frozen" toml:"frozen"`
	}

	// ImportMapConfig names a default import map file.
	ImportMapConfig struct {
		Path string `mapstructure:"path" toml:"path"`
	}

	// LoadOptions controls config resolution.
	LoadOptions struct {
		// ConfigFilePath loads exactly this file when set.
		ConfigFilePath string

		// ConfigDirPath overrides the platform config directory, for tests.
		ConfigDirPath string
	}
)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency: 16,
		CachePolicy: "use",
		RegistryURL: "https://registry.npmjs.org",
	}
}

// ConfigDir returns the modgraph configuration directory using
// platform-specific conventions: Windows uses %APPDATA%, macOS uses
// ~/Library/Application Support, and Linux/others use $XDG_CONFIG_HOME
// (defaulting to ~/.config).
func ConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// CacheDir returns the default module cache directory, honoring
// $XDG_CACHE_HOME on Linux.
func CacheDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(base, AppName), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, "Library", "Caches", AppName), nil
	default:
		base := os.Getenv("XDG_CACHE_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			base = filepath.Join(home, ".cache")
		}
		return filepath.Join(base, AppName), nil
	}
}

// Load resolves the configuration.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("cache_dir", defaults.CacheDir)
	v.SetDefault("concurrency", defaults.Concurrency)
	v.SetDefault("cache_policy", defaults.CachePolicy)
	v.SetDefault("registry_url", defaults.RegistryURL)
	v.SetDefault("lockfile.path", defaults.Lockfile.Path)
	v.SetDefault("lockfile.frozen", defaults.Lockfile.Frozen)
	v.SetDefault("import_map.path", defaults.ImportMap.Path)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return nil, fmt.Errorf("config file not found: %s", opts.ConfigFilePath)
		}
		if err := loadTOMLIntoViper(v, opts.ConfigFilePath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", opts.ConfigFilePath, err)
		}
	} else {
		cfgDir := opts.ConfigDirPath
		if cfgDir == "" {
			var err error
			cfgDir, err = ConfigDir()
			if err != nil {
				return nil, err
			}
		}

		tomlPath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)
		localPath := ConfigFileName + "." + ConfigFileExt
		switch {
		case fileExists(tomlPath):
			if err := loadTOMLIntoViper(v, tomlPath); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", tomlPath, err)
			}
		case fileExists(localPath):
			if err := loadTOMLIntoViper(v, localPath); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", localPath, err)
			}
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

// loadTOMLIntoViper decodes the file with go-toml and merges the result, so
// type errors surface at load time rather than at first field access.
func loadTOMLIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return err
	}
	return v.MergeConfigMap(raw)
}

func (c *Config) validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	switch c.CachePolicy {
	case "use", "respect-headers", "reload", "reload-all", "only":
	default:
		return fmt.Errorf("unknown cache policy %q", c.CachePolicy)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
