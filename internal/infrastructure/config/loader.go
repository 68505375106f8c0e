// Package config provides configuration loading and management.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultDirName is the per-user directory holding config, database and salt.
const DefaultDirName = ".taxsync"

// Loader handles loading configuration from files.
type Loader struct {
	configDir string
}

// NewLoader creates a new configuration loader.
// If configDir is empty, it defaults to ~/.taxsync.
func NewLoader(configDir string) (*Loader, error) {
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, DefaultDirName)
	}

	return &Loader{configDir: configDir}, nil
}

// Load loads configuration from the specified file or default location.
// If the file doesn't exist, returns the default configuration.
func (l *Loader) Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = l.DefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return NewDefaultConfig(), nil
	}

	return parseFile(configPath)
}

// LoadFromFile loads configuration from a specific file path.
// Returns an error if the file doesn't exist.
func (l *Loader) LoadFromFile(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}
	return parseFile(configPath)
}

// parseFile overlays the YAML file onto the defaults.
func parseFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to the specified file or default location.
func (l *Loader) Save(cfg *Config, configPath string) error {
	if configPath == "" {
		configPath = l.DefaultConfigPath()
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	content := "# taxsync configuration\n#\n" + string(data)

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigDir returns the configuration directory path.
func (l *Loader) ConfigDir() string {
	return l.configDir
}

// DefaultConfigPath returns the default configuration file path.
func (l *Loader) DefaultConfigPath() string {
	return filepath.Join(l.configDir, "config.yaml")
}

// DefaultDatabasePath returns the default SQLite database path.
func (l *Loader) DefaultDatabasePath() string {
	return filepath.Join(l.configDir, "taxsync.db")
}

// watchDebounce collapses editor write bursts into one reload.
const watchDebounce = 100 * time.Millisecond

// WatchFile reloads configPath whenever it changes and hands valid results to
// onChange. Invalid files are reported through onError and otherwise ignored.
// The directory is watched rather than the file so atomic-rename saves are
// seen. WatchFile blocks until ctx is cancelled.
func (l *Loader) WatchFile(ctx context.Context, configPath string, onChange func(*Config), onError func(error)) error {
	if configPath == "" {
		configPath = l.DefaultConfigPath()
	}
	if onError == nil {
		onError = func(error) {}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer w.Close() //nolint:errcheck

	if err := w.Add(filepath.Dir(configPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	target := filepath.Clean(configPath)
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(watchDebounce)

		case <-debounce:
			debounce = nil
			cfg, err := l.LoadFromFile(configPath)
			if err != nil {
				onError(err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				onError(err)
				continue
			}
			onChange(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			onError(err)
		}
	}
}
