// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads and watches the application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/debridarr/debridarr/internal/domain"
)

// AppConfig owns the loaded configuration and its hot reload. Dynamic
// fields (clients, token, limits) are re-read on file change without a
// restart; consumers take snapshots via Get so in-flight jobs keep the
// folder bindings captured at discovery time.
type AppConfig struct {
	viper *viper.Viper

	mu       sync.RWMutex
	config   *domain.Config
	onChange []func(*domain.Config)
}

// New loads the config file at configPath, creating a commented default
// when none exists, and starts watching it for changes.
func New(configPath, version string) (*AppConfig, error) {
	c := &AppConfig{viper: viper.New()}

	if err := c.load(configPath); err != nil {
		return nil, err
	}
	c.config.Version = version

	c.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := c.reload(); err != nil {
			log.Error().Err(err).Msg("config: reload failed, keeping previous configuration")
			return
		}
		log.Info().Str("file", e.Name).Msg("config: reloaded")
	})
	c.viper.WatchConfig()

	return c, nil
}

func (c *AppConfig) load(configPath string) error {
	c.setDefaults()

	c.viper.SetEnvPrefix("DEBRIDARR_")
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.viper.AutomaticEnv()

	if configPath == "" {
		configPath = defaultConfigPath()
	}
	if err := ensureConfigFile(configPath); err != nil {
		return err
	}
	c.viper.SetConfigFile(configPath)

	if err := c.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := new(domain.Config)
	if err := c.viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}

	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	return nil
}

func (c *AppConfig) reload() error {
	if err := c.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("re-read config: %w", err)
	}

	cfg := new(domain.Config)
	if err := c.viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	c.mu.Lock()
	cfg.Version = c.config.Version
	if cfg.DataDir == "" {
		cfg.DataDir = c.config.DataDir
	}
	c.config = cfg
	subscribers := append([]func(*domain.Config){}, c.onChange...)
	c.mu.Unlock()

	snapshot := c.Get()
	for _, fn := range subscribers {
		fn(snapshot)
	}
	return nil
}

func (c *AppConfig) setDefaults() {
	c.viper.SetDefault("host", "127.0.0.1")
	c.viper.SetDefault("port", 3636)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("scanInterval", 5)
	c.viper.SetDefault("pollInterval", 10)
	c.viper.SetDefault("healthInterval", 60)
	c.viper.SetDefault("maxConcurrentJobs", 3)
	c.viper.SetDefault("maxFilesPerJob", 2)
	c.viper.SetDefault("submitRetries", 5)
	c.viper.SetDefault("fileRetries", 3)
}

// Get returns a snapshot of the current configuration. The returned value
// is safe to hold across a reload.
func (c *AppConfig) Get() *domain.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := *c.config
	snapshot.DownloadClients = make(map[string]domain.DownloadClient, len(c.config.DownloadClients))
	for name, client := range c.config.DownloadClients {
		snapshot.DownloadClients[name] = client
	}
	return &snapshot
}

// OnChange registers a callback invoked with a fresh snapshot after every
// successful reload.
func (c *AppConfig) OnChange(fn func(*domain.Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// DatabasePath returns the sqlite database location under the data dir.
func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.Get().DataDir, "debridarr.db")
}

func defaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "debridarr", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "debridarr", "config.toml")
}

func ensureConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultConfigTemplate), 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	log.Info().Str("path", path).Msg("config: wrote default configuration")
	return nil
}

// DefaultConfigTemplate is the commented starter configuration written on
// first run and by the gen-config command.
const DefaultConfigTemplate = `# debridarr configuration
# Hot-reloaded: edits apply without a restart. Jobs already running keep
# the folder bindings they were discovered with.

host = "127.0.0.1"
port = 3636

# TRACE, DEBUG, INFO, WARN, ERROR
logLevel = "INFO"
#logPath = "/var/log/debridarr/debridarr.log"

# Remote debrid service API token (https://real-debrid.com/apitoken)
debridApiToken = "YOUR_API_TOKEN_HERE"

# Folder scan cadence in seconds
scanInterval = 5
# Remote cache poll cadence in seconds
pollInterval = 10
# Give up waiting for the remote cache after this many minutes (0 = never)
cacheTimeout = 0

# Simultaneously downloading jobs across all clients
maxConcurrentJobs = 3
# Simultaneously downloading files within one job
maxFilesPerJob = 2

#metricsEnabled = true

# One table per download client; comment out clients you don't use.
[downloadClients.sonarr]
magnetsFolder = "/data/sonarr/magnets"
inProgressFolder = "/data/sonarr/in_progress"
completedMagnetsFolder = "/data/sonarr/completed_magnets"
completedDownloadsFolder = "/data/sonarr/completed_downloads"

[downloadClients.radarr]
magnetsFolder = "/data/radarr/magnets"
inProgressFolder = "/data/radarr/in_progress"
completedMagnetsFolder = "/data/radarr/completed_magnets"
completedDownloadsFolder = "/data/radarr/completed_downloads"
`
