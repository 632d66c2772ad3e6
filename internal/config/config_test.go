// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
host = "0.0.0.0"
port = 4040
logLevel = "DEBUG"
debridApiToken = "tok"
maxConcurrentJobs = 5

[downloadClients.sonarr]
magnetsFolder = "/bh/sonarr/magnets"
inProgressFolder = "/bh/sonarr/in_progress"
completedMagnetsFolder = "/bh/sonarr/completed_magnets"
completedDownloadsFolder = "/bh/sonarr/completed_downloads"
`)

	appCfg, err := New(path, "test")
	require.NoError(t, err)

	cfg := appCfg.Get()
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 4040, cfg.Port)
	assert.Equal(t, 5, cfg.JobLimit())
	require.NoError(t, cfg.Validate())

	clients := cfg.SortedClients()
	require.Len(t, clients, 1)
	assert.Equal(t, "sonarr", clients[0].Name)
	assert.Equal(t, "/bh/sonarr/magnets", clients[0].MagnetsFolder)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `debridApiToken = "tok"`)

	appCfg, err := New(path, "test")
	require.NoError(t, err)

	cfg := appCfg.Get()
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 3636, cfg.Port)
	assert.Equal(t, 3, cfg.JobLimit())
	assert.Equal(t, 2, cfg.FileLimit())
	assert.Zero(t, cfg.CacheTimeout())
	assert.Equal(t, filepath.Dir(path), cfg.DataDir)
}

func TestValidateMissingFolder(t *testing.T) {
	path := writeConfig(t, `
debridApiToken = "tok"

[downloadClients.sonarr]
magnetsFolder = "/bh/sonarr/magnets"
inProgressFolder = "/bh/sonarr/in_progress"
completedMagnetsFolder = "/bh/sonarr/completed_magnets"
`)

	appCfg, err := New(path, "test")
	require.NoError(t, err)

	err = appCfg.Get().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completed_downloads")
}

func TestWritesDefaultConfigWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	appCfg, err := New(path, "test")
	require.NoError(t, err)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "debridApiToken")

	// The template carries a placeholder token which must fail validation.
	require.Error(t, appCfg.Get().Validate())

	cfg := appCfg.Get()
	assert.Len(t, cfg.DownloadClients, 2)
}

func TestGetReturnsSnapshot(t *testing.T) {
	path := writeConfig(t, `
debridApiToken = "tok"

[downloadClients.sonarr]
magnetsFolder = "/bh/m"
inProgressFolder = "/bh/p"
completedMagnetsFolder = "/bh/cm"
completedDownloadsFolder = "/bh/cd"
`)

	appCfg, err := New(path, "test")
	require.NoError(t, err)

	a := appCfg.Get()
	delete(a.DownloadClients, "sonarr")

	b := appCfg.Get()
	assert.Len(t, b.DownloadClients, 1)
}
