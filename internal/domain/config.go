// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config represents the application configuration
type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`

	MetricsEnabled bool `toml:"metricsEnabled" mapstructure:"metricsEnabled"`

	// DebridAPIToken authenticates against the remote debrid service.
	DebridAPIToken string `toml:"debridApiToken" mapstructure:"debridApiToken"`
	// DebridAPIURL overrides the service base URL, primarily for tests.
	DebridAPIURL string `toml:"debridApiUrl" mapstructure:"debridApiUrl"`

	// ScanIntervalSeconds is the blackhole folder scan cadence.
	ScanIntervalSeconds int `toml:"scanInterval" mapstructure:"scanInterval"`
	// PollIntervalSeconds is the per-job remote cache poll cadence.
	PollIntervalSeconds int `toml:"pollInterval" mapstructure:"pollInterval"`
	// CacheTimeoutMinutes bounds the time a job may wait for the remote
	// cache. Zero disables the bound.
	CacheTimeoutMinutes int `toml:"cacheTimeout" mapstructure:"cacheTimeout"`
	// HealthIntervalSeconds is the health monitor probe cadence.
	HealthIntervalSeconds int `toml:"healthInterval" mapstructure:"healthInterval"`

	// MaxConcurrentJobs caps simultaneously downloading jobs across all clients.
	MaxConcurrentJobs int `toml:"maxConcurrentJobs" mapstructure:"maxConcurrentJobs"`
	// MaxFilesPerJob caps simultaneously downloading files within one job.
	MaxFilesPerJob int `toml:"maxFilesPerJob" mapstructure:"maxFilesPerJob"`
	// SubmitRetries bounds transient-failure retries for submit/poll calls.
	SubmitRetries int `toml:"submitRetries" mapstructure:"submitRetries"`
	// FileRetries bounds per-file download retries.
	FileRetries int `toml:"fileRetries" mapstructure:"fileRetries"`

	DownloadClients map[string]DownloadClient `toml:"downloadClients" mapstructure:"downloadClients"`
}

// DownloadClient is one configured blackhole folder set, conventionally
// owned by an upstream media-management tool (sonarr, radarr, ...).
type DownloadClient struct {
	Name                     string `toml:"-" mapstructure:"-"`
	MagnetsFolder            string `toml:"magnetsFolder" mapstructure:"magnetsFolder"`
	InProgressFolder         string `toml:"inProgressFolder" mapstructure:"inProgressFolder"`
	CompletedMagnetsFolder   string `toml:"completedMagnetsFolder" mapstructure:"completedMagnetsFolder"`
	CompletedDownloadsFolder string `toml:"completedDownloadsFolder" mapstructure:"completedDownloadsFolder"`
}

// ClientFolder pairs a folder role with its configured path.
type ClientFolder struct {
	Role string
	Path string
}

// Folders returns the four folder roles in a stable order.
func (c DownloadClient) Folders() []ClientFolder {
	return []ClientFolder{
		{Role: "magnets", Path: c.MagnetsFolder},
		{Role: "in_progress", Path: c.InProgressFolder},
		{Role: "completed_magnets", Path: c.CompletedMagnetsFolder},
		{Role: "completed_downloads", Path: c.CompletedDownloadsFolder},
	}
}

// Validate checks that every configured client carries all four folder roles.
// Path existence and writability are the health monitor's concern.
func (c *Config) Validate() error {
	token := strings.TrimSpace(c.DebridAPIToken)
	if token == "" || token == "YOUR_API_TOKEN_HERE" {
		return errors.New("debridApiToken is required")
	}
	for name, client := range c.DownloadClients {
		for _, folder := range client.Folders() {
			if strings.TrimSpace(folder.Path) == "" {
				return fmt.Errorf("client %q: %s folder is required", name, folder.Role)
			}
		}
	}
	return nil
}

// SortedClients returns the configured download clients ordered by name,
// with the Name field populated from the map key.
func (c *Config) SortedClients() []DownloadClient {
	clients := make([]DownloadClient, 0, len(c.DownloadClients))
	for name, client := range c.DownloadClients {
		client.Name = name
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].Name < clients[j].Name })
	return clients
}

// Client looks up a download client by name.
func (c *Config) Client(name string) (DownloadClient, bool) {
	client, ok := c.DownloadClients[name]
	if ok {
		client.Name = name
	}
	return client, ok
}

func (c *Config) ScanInterval() time.Duration {
	if c.ScanIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) CacheTimeout() time.Duration {
	if c.CacheTimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(c.CacheTimeoutMinutes) * time.Minute
}

func (c *Config) HealthInterval() time.Duration {
	if c.HealthIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

func (c *Config) JobLimit() int {
	if c.MaxConcurrentJobs <= 0 {
		return 3
	}
	return c.MaxConcurrentJobs
}

func (c *Config) FileLimit() int {
	if c.MaxFilesPerJob <= 0 {
		return 2
	}
	return c.MaxFilesPerJob
}

func (c *Config) SubmitRetryLimit() int {
	if c.SubmitRetries <= 0 {
		return 5
	}
	return c.SubmitRetries
}

func (c *Config) FileRetryLimit() int {
	if c.FileRetries <= 0 {
		return 3
	}
	return c.FileRetries
}
