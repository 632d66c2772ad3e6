// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scanner watches the per-client blackhole folders for dropped
// magnet files and hands discoveries to the orchestrator.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/debridarr/debridarr/internal/domain"
	"github.com/debridarr/debridarr/internal/models"
	"github.com/debridarr/debridarr/internal/services/downloader"
	"github.com/debridarr/debridarr/pkg/magnet"
)

// MagnetExt is the file extension claimed from the blackhole folders.
const MagnetExt = ".magnet"

// Discovery is one claimed magnet file, already moved into the client's
// in-progress folder. The client folder set is captured here so a config
// reload cannot change folder bindings under a running job.
type Discovery struct {
	Client     domain.DownloadClient
	Hash       string
	Name       string
	MagnetLink string
	SourcePath string
}

// Sink receives discoveries. Implemented by the orchestrator.
type Sink interface {
	Discovered(ctx context.Context, d Discovery)
}

// Service scans blackhole folders on a fixed cadence and reacts to
// filesystem create events between ticks. The tick is the at-least-once
// safety net; events only make discovery faster.
type Service struct {
	cfg  func() *domain.Config
	sink Sink
	jobs *models.JobStore

	watcher *fsnotify.Watcher
	watched map[string]bool
}

// New creates a scanner over the given config snapshot provider.
func New(cfg func() *domain.Config, sink Sink, jobs *models.JobStore) *Service {
	return &Service{
		cfg:     cfg,
		sink:    sink,
		jobs:    jobs,
		watched: make(map[string]bool),
	}
}

// Start begins scanning until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create folder watcher: %w", err)
	}
	s.watcher = watcher

	go s.loop(ctx)
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer s.watcher.Close()

	// First pass immediately so jobs dropped while the service was down
	// are picked up without waiting a full interval.
	s.scanAll(ctx)

	ticker := time.NewTicker(s.cfg().ScanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ticker.Reset(s.cfg().ScanInterval())
			s.scanAll(ctx)
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) && strings.EqualFold(filepath.Ext(event.Name), MagnetExt) {
				s.scanAll(ctx)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("scanner: watcher error")
		}
	}
}

// scanAll syncs folder watches with the current config and scans every
// configured client.
func (s *Service) scanAll(ctx context.Context) {
	cfg := s.cfg()
	s.syncWatches(cfg)

	for _, client := range cfg.SortedClients() {
		s.scanClient(ctx, client)
	}
}

func (s *Service) syncWatches(cfg *domain.Config) {
	if s.watcher == nil {
		return
	}

	current := make(map[string]bool, len(cfg.DownloadClients))
	for _, client := range cfg.DownloadClients {
		current[client.MagnetsFolder] = true
	}

	for dir := range current {
		if !s.watched[dir] {
			if err := s.watcher.Add(dir); err != nil {
				log.Debug().Err(err).Str("dir", dir).Msg("scanner: cannot watch folder")
				continue
			}
			s.watched[dir] = true
		}
	}
	for dir := range s.watched {
		if !current[dir] {
			_ = s.watcher.Remove(dir)
			delete(s.watched, dir)
		}
	}
}

// scanClient claims every magnet file in the client's blackhole folder.
func (s *Service) scanClient(ctx context.Context, client domain.DownloadClient) {
	entries, err := os.ReadDir(client.MagnetsFolder)
	if err != nil {
		// Missing or unreadable folders are the health monitor's concern.
		log.Debug().Err(err).Str("client", client.Name).Msg("scanner: cannot read magnets folder")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), MagnetExt) {
			continue
		}
		s.claim(ctx, client, filepath.Join(client.MagnetsFolder, entry.Name()))
	}
}

// claim validates a magnet file, moves it to the in-progress folder and
// hands it to the orchestrator. Malformed files become failed jobs right
// away and never reach the remote service.
func (s *Service) claim(ctx context.Context, client domain.DownloadClient, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("scanner: cannot read magnet file")
		return
	}

	link, err := magnet.Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		s.rejectMalformed(ctx, client, path, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}

	dest := filepath.Join(client.InProgressFolder, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		// Another actor may have claimed it, or the folder is unwritable.
		// The next tick retries.
		log.Warn().Err(err).Str("path", path).Msg("scanner: cannot claim magnet file")
		return
	}

	name := link.DisplayName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	log.Info().
		Str("client", client.Name).
		Str("hash", link.Hash).
		Str("name", name).
		Msg("scanner: magnet discovered")

	s.sink.Discovered(ctx, Discovery{
		Client:     client,
		Hash:       link.Hash,
		Name:       name,
		MagnetLink: link.Raw,
		SourcePath: dest,
	})
}

// rejectMalformed records a failed job for an unparseable magnet file and
// moves the file to the completed-magnets folder with a .failed marker.
func (s *Service) rejectMalformed(ctx context.Context, client domain.DownloadClient, path string, cause error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	job := &models.MagnetJob{
		ID:         models.JobID(client.Name, "malformed:"+filepath.Base(path)),
		Client:     client.Name,
		MagnetHash: "",
		Name:       name,
		SourcePath: path,
	}
	created, err := s.jobs.Create(ctx, job)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("scanner: cannot record malformed magnet")
		return
	}
	if created {
		if err := s.jobs.UpdateState(ctx, job.ID, models.JobStateDiscovered, models.JobStateFailed, "malformed magnet"); err != nil {
			log.Error().Err(err).Str("job", job.ID).Msg("scanner: cannot fail malformed magnet job")
		}
		s.jobs.RecordEvent(ctx, job.ID, "error", fmt.Sprintf("malformed magnet: %v", cause))
	}

	dest := filepath.Join(client.CompletedMagnetsFolder, filepath.Base(path)+".failed")
	if err := os.Rename(path, dest); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("scanner: cannot move malformed magnet aside")
		return
	}

	log.Warn().Err(cause).Str("client", client.Name).Str("path", path).Msg("scanner: rejected malformed magnet")
}

// Cleanup removes leftover files in the client's working folders that no
// active job owns: stale magnet files in in-progress and orphaned partial
// downloads. Finished downloads are never touched.
func (s *Service) Cleanup(ctx context.Context, client domain.DownloadClient) (int, error) {
	active, err := s.jobs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	owned := make(map[string]bool)
	for _, job := range active {
		if job.Client != client.Name {
			continue
		}
		owned[job.SourcePath] = true
		for _, f := range job.Files {
			owned[f.DestinationPath] = true
			owned[f.DestinationPath+downloader.PartSuffix] = true
		}
	}

	removed := 0
	removed += removeUnowned(client.InProgressFolder, owned, func(name string) bool {
		return strings.EqualFold(filepath.Ext(name), MagnetExt)
	})
	removed += removeUnowned(client.CompletedDownloadsFolder, owned, func(name string) bool {
		return strings.HasSuffix(name, downloader.PartSuffix)
	})

	log.Info().Str("client", client.Name).Int("removed", removed).Msg("scanner: cleanup finished")
	return removed, nil
}

func removeUnowned(dir string, owned map[string]bool, match func(string) bool) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("scanner: cleanup cannot read folder")
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !match(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if owned[path] {
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("scanner: cleanup cannot remove file")
			continue
		}
		removed++
	}
	return removed
}
