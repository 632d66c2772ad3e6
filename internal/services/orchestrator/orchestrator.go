// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package orchestrator drives each magnet job through its lifecycle, from
// discovery through remote resolution to completed local files. One
// goroutine per job writes state through the job store; folder moves are
// side effects of transitions, never the source of truth.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/debridarr/debridarr/internal/debrid"
	"github.com/debridarr/debridarr/internal/domain"
	"github.com/debridarr/debridarr/internal/models"
	"github.com/debridarr/debridarr/internal/services/downloader"
	"github.com/debridarr/debridarr/internal/services/scanner"
)

// Resolver is the slice of the debrid client the orchestrator needs.
type Resolver interface {
	AddMagnet(ctx context.Context, magnetLink string) (string, error)
	TorrentInfo(ctx context.Context, remoteID string) (*debrid.TorrentInfo, error)
	Unrestrict(ctx context.Context, link string) (*debrid.DownloadLink, error)
	Delete(ctx context.Context, remoteID string) error
}

// Downloader runs the file transfers of one job.
type Downloader interface {
	DownloadAll(ctx context.Context, files []models.FileDownload, limit int, reporter downloader.Reporter) error
}

// HealthGate reports whether the remote service is currently reachable.
// New submissions are held while it is not.
type HealthGate interface {
	APIReachable() bool
}

// Service owns the per-job actors and the global downloading cap.
type Service struct {
	cfg      func() *domain.Config
	jobs     *models.JobStore
	resolver Resolver
	pool     Downloader
	gate     HealthGate

	slots *semaphore.Weighted

	mu     sync.Mutex
	root   context.Context
	actors map[string]actorHandle
	wg     sync.WaitGroup
}

// actorHandle lets a command stop a job's actor and wait for it to exit.
type actorHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator. gate may be nil, which disables the
// submission hold.
func New(cfg func() *domain.Config, jobs *models.JobStore, resolver Resolver, pool Downloader, gate HealthGate) *Service {
	return &Service{
		cfg:      cfg,
		jobs:     jobs,
		resolver: resolver,
		pool:     pool,
		gate:     gate,
		actors:   make(map[string]actorHandle),
	}
}

// Start re-adopts every non-terminal job left over from a previous run and
// begins accepting discoveries. Completed files of an interrupted job are
// kept; pending and partial files are downloaded again.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.root = ctx
	s.slots = semaphore.NewWeighted(int64(s.cfg().JobLimit()))
	s.mu.Unlock()

	active, err := s.jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}

	cfg := s.cfg()
	for _, job := range active {
		client, ok := cfg.Client(job.Client)
		if !ok {
			s.failDirect(ctx, job, "download client no longer configured")
			continue
		}
		log.Info().Str("job", job.ID).Str("state", string(job.State)).Msg("orchestrator: resuming job")
		s.spawn(job.ID, client)
	}
	return nil
}

// Wait blocks until every actor goroutine has exited. Called on shutdown
// after the root context is cancelled.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Discovered accepts a claimed magnet from the scanner. Duplicate
// notifications for an active job are dropped; a terminal job seen again
// is reset and run fresh.
func (s *Service) Discovered(ctx context.Context, d scanner.Discovery) {
	id := models.JobID(d.Client.Name, d.Hash)

	job := &models.MagnetJob{
		ID:         id,
		Client:     d.Client.Name,
		MagnetHash: d.Hash,
		MagnetLink: d.MagnetLink,
		Name:       d.Name,
		SourcePath: d.SourcePath,
	}

	created, err := s.jobs.Create(ctx, job)
	if err != nil {
		log.Error().Err(err).Str("job", id).Msg("orchestrator: cannot create job")
		return
	}

	if !created {
		existing, err := s.jobs.GetByID(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("job", id).Msg("orchestrator: cannot load existing job")
			return
		}
		if !existing.State.Terminal() {
			log.Debug().Str("job", id).Msg("orchestrator: duplicate discovery for active job")
			return
		}
		err = s.jobs.Reset(ctx, id, d.SourcePath,
			models.JobStateCompleted, models.JobStateFailed, models.JobStateAborted)
		if errors.Is(err, models.ErrStaleTransition) {
			log.Debug().Str("job", id).Msg("orchestrator: job reset raced another actor")
			return
		}
		if err != nil {
			log.Error().Err(err).Str("job", id).Msg("orchestrator: cannot reset job")
			return
		}
		s.jobs.RecordEvent(ctx, id, "info", "magnet rediscovered, running again")
	} else {
		s.jobs.RecordEvent(ctx, id, "info", "magnet discovered")
	}

	s.spawn(id, d.Client)
}

// Retry resets a failed job to discovered and runs it again, preserving
// its metadata and bumping the retry counter.
func (s *Service) Retry(ctx context.Context, id string) (*models.MagnetJob, error) {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != models.JobStateFailed {
		return nil, fmt.Errorf("%w: retry requires a failed job, got %s", domain.ErrInvalidState, job.State)
	}

	client, ok := s.cfg().Client(job.Client)
	if !ok {
		return nil, fmt.Errorf("%w: download client %q no longer configured", domain.ErrInvalidState, job.Client)
	}

	err = s.jobs.Reset(ctx, id, job.SourcePath, models.JobStateFailed)
	if errors.Is(err, models.ErrStaleTransition) {
		return nil, fmt.Errorf("%w: job moved before retry", domain.ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}
	s.jobs.RecordEvent(ctx, id, "info", "retry requested")

	s.spawn(id, client)
	return s.jobs.GetByID(ctx, id)
}

// Abort cancels a non-terminal job: the actor stops, partial and completed
// destination files are removed, the magnet file moves aside and the
// remote record is deleted best effort.
func (s *Service) Abort(ctx context.Context, id string) (*models.MagnetJob, error) {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, fmt.Errorf("%w: job already %s", domain.ErrInvalidState, job.State)
	}

	s.cancelActor(id)

	// Guarded transition loop: a racing completion or failure wins at most
	// once, and the loser re-reads to find out who did.
	for {
		err := s.jobs.UpdateState(ctx, id, job.State, models.JobStateAborted, "aborted by user")
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrStaleTransition) {
			return nil, err
		}
		job, err = s.getJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return nil, fmt.Errorf("%w: job finished as %s before abort", domain.ErrInvalidState, job.State)
		}
	}

	job, err = s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.removeJobFiles(job)
	client, ok := s.cfg().Client(job.Client)
	if ok {
		s.moveMagnetAside(job, client, models.JobStateAborted)
	}
	s.deleteRemote(ctx, job)
	s.jobs.RecordEvent(ctx, id, "warn", "aborted by user")

	log.Info().Str("job", id).Msg("orchestrator: job aborted")
	return s.jobs.GetByID(ctx, id)
}

func (s *Service) getJob(ctx context.Context, id string) (*models.MagnetJob, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// spawn starts the actor goroutine for a job unless one is already running.
func (s *Service) spawn(id string, client domain.DownloadClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.actors[id]; running {
		return
	}
	if s.root == nil {
		log.Error().Str("job", id).Msg("orchestrator: spawn before Start")
		return
	}

	ctx, cancel := context.WithCancel(s.root)
	done := make(chan struct{})
	s.actors[id] = actorHandle{cancel: cancel, done: done}
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.actors, id)
			s.mu.Unlock()
			close(done)
		}()
		s.run(ctx, id, client)
	}()
}

// cancelActor stops the job's actor and waits for it to exit, so no worker
// can still be finalizing files when the caller proceeds.
func (s *Service) cancelActor(id string) {
	s.mu.Lock()
	actor, ok := s.actors[id]
	s.mu.Unlock()
	if ok {
		actor.cancel()
		<-actor.done
	}
}

// run drives one job until it reaches a terminal state or the context is
// cancelled. Entry at any non-terminal state is valid, which is what makes
// restart recovery a plain re-spawn.
func (s *Service) run(ctx context.Context, id string, client domain.DownloadClient) {
	for {
		job, err := s.jobs.GetByID(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("job", id).Msg("orchestrator: cannot load job")
			return
		}
		if job.State.Terminal() {
			return
		}
		if ctx.Err() != nil {
			// Abort resolves the job itself; shutdown leaves it for the
			// next start.
			return
		}

		switch job.State {
		case models.JobStateDiscovered:
			err = s.submit(ctx, job)
		case models.JobStateSubmitted:
			err = s.enterCacheWait(ctx, job)
		case models.JobStateWaitingForCache:
			err = s.awaitCache(ctx, job, client)
		case models.JobStateReady:
			err = s.download(ctx, job, client)
		case models.JobStateDownloading:
			// Interrupted mid-download: completed files are skipped by the
			// pool, the rest run again.
			err = s.runDownload(ctx, job, client)
		default:
			log.Error().Str("job", id).Str("state", string(job.State)).Msg("orchestrator: unknown state")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(ctx, id, client, err)
			return
		}
	}
}

// submit registers the magnet with the remote service. Held while the
// health monitor reports the API unreachable.
func (s *Service) submit(ctx context.Context, job *models.MagnetJob) error {
	if err := s.waitForAPI(ctx); err != nil {
		return err
	}

	remoteID, err := s.resolver.AddMagnet(ctx, job.MagnetLink)
	if err != nil {
		return fmt.Errorf("submit magnet: %w", err)
	}

	if err := s.jobs.SetRemoteID(ctx, job.ID, remoteID); err != nil {
		return err
	}
	if err := s.transition(ctx, job.ID, models.JobStateDiscovered, models.JobStateSubmitted); err != nil {
		return err
	}
	s.jobs.RecordEvent(ctx, job.ID, "info", "submitted to debrid service as "+remoteID)

	log.Info().Str("job", job.ID).Str("remote_id", remoteID).Msg("orchestrator: magnet submitted")
	return nil
}

// enterCacheWait moves an accepted job into the polling state. A job found
// submitted without a remote id lost its submit result to a crash and goes
// through submit again.
func (s *Service) enterCacheWait(ctx context.Context, job *models.MagnetJob) error {
	if job.RemoteID == "" {
		if err := s.waitForAPI(ctx); err != nil {
			return err
		}
		remoteID, err := s.resolver.AddMagnet(ctx, job.MagnetLink)
		if err != nil {
			return fmt.Errorf("re-submit magnet: %w", err)
		}
		if err := s.jobs.SetRemoteID(ctx, job.ID, remoteID); err != nil {
			return err
		}
	}
	return s.transition(ctx, job.ID, models.JobStateSubmitted, models.JobStateWaitingForCache)
}

// awaitCache polls the remote service until the content is cached, then
// resolves direct download links and records the file set.
func (s *Service) awaitCache(ctx context.Context, job *models.MagnetJob, client domain.DownloadClient) error {
	cfg := s.cfg()

	var deadline time.Time
	if timeout := cfg.CacheTimeout(); timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	ticker := time.NewTicker(cfg.PollInterval())
	defer ticker.Stop()

	pollFailures := 0
	for {
		info, err := s.resolver.TorrentInfo(ctx, job.RemoteID)
		switch {
		case err == nil:
			pollFailures = 0
			if info.Cached() {
				return s.resolveLinks(ctx, job, client, info)
			}
			log.Debug().Str("job", job.ID).Str("status", info.Status).
				Float64("progress", info.Progress).Msg("orchestrator: not cached yet")
		case errors.Is(err, domain.ErrTransient):
			pollFailures++
			if pollFailures >= cfg.SubmitRetryLimit() {
				return fmt.Errorf("cache poll: %w", err)
			}
			log.Warn().Err(err).Str("job", job.ID).Int("failures", pollFailures).
				Msg("orchestrator: cache poll failed")
		default:
			return fmt.Errorf("cache poll: %w", err)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w: remote cache wait timed out after %s", domain.ErrTransient, cfg.CacheTimeout())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// resolveLinks unrestricts every link of a cached torrent and stores the
// resulting file set, moving the job to ready.
func (s *Service) resolveLinks(ctx context.Context, job *models.MagnetJob, client domain.DownloadClient, info *debrid.TorrentInfo) error {
	if len(info.Links) == 0 {
		return fmt.Errorf("%w: cached torrent has no links", domain.ErrRejected)
	}

	files := make([]models.FileDownload, 0, len(info.Links))
	for _, link := range info.Links {
		dl, err := s.resolver.Unrestrict(ctx, link)
		if err != nil {
			return fmt.Errorf("unrestrict link: %w", err)
		}
		size := dl.Filesize
		f := models.FileDownload{
			URL:             dl.URL,
			DestinationPath: filepath.Join(client.CompletedDownloadsFolder, downloadFilename(dl)),
		}
		if size > 0 {
			f.SizeBytes = &size
		}
		files = append(files, f)
	}

	if err := s.jobs.MarkReady(ctx, job.ID, files); err != nil {
		return fmt.Errorf("transition %s -> %s: %w", models.JobStateWaitingForCache, models.JobStateReady, err)
	}
	s.jobs.RecordEvent(ctx, job.ID, "info", fmt.Sprintf("cached, %d file(s) resolved", len(files)))
	return nil
}

// download acquires a global slot and moves the job into downloading.
func (s *Service) download(ctx context.Context, job *models.MagnetJob, client domain.DownloadClient) error {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.slots.Release(1)

	if err := s.transition(ctx, job.ID, models.JobStateReady, models.JobStateDownloading); err != nil {
		return err
	}
	s.jobs.RecordEvent(ctx, job.ID, "info", "download started")
	return s.transfer(ctx, job.ID, client)
}

// runDownload re-enters downloading after a restart, still under the
// global slot cap.
func (s *Service) runDownload(ctx context.Context, job *models.MagnetJob, client domain.DownloadClient) error {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.slots.Release(1)
	return s.transfer(ctx, job.ID, client)
}

// transfer runs the worker pool over the job's files and resolves the
// outcome.
func (s *Service) transfer(ctx context.Context, id string, client domain.DownloadClient) error {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return err
	}

	reporter := &storeReporter{ctx: context.WithoutCancel(ctx), jobs: s.jobs}
	if err := s.pool.DownloadAll(ctx, job.Files, s.cfg().FileLimit(), reporter); err != nil {
		return fmt.Errorf("download files: %w", err)
	}

	return s.complete(ctx, id, client)
}

// complete finalizes a fully downloaded job.
func (s *Service) complete(ctx context.Context, id string, client domain.DownloadClient) error {
	if err := s.transition(ctx, id, models.JobStateDownloading, models.JobStateCompleted); err != nil {
		return err
	}

	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return err
	}

	s.moveMagnetAside(job, client, models.JobStateCompleted)
	s.deleteRemote(ctx, job)
	s.jobs.RecordEvent(ctx, id, "info", "completed")

	log.Info().Str("job", id).Int("files", len(job.Files)).Msg("orchestrator: job completed")
	return nil
}

// fail resolves a job to failed with a human-readable reason. A stale
// transition means an abort won the race, which is not an error.
func (s *Service) fail(ctx context.Context, id string, client domain.DownloadClient, cause error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("job", id).Msg("orchestrator: cannot load job for failure")
		return
	}
	if job.State.Terminal() {
		return
	}

	reason := cause.Error()
	if err := s.jobs.UpdateState(ctx, id, job.State, models.JobStateFailed, reason); err != nil {
		if !errors.Is(err, models.ErrStaleTransition) {
			log.Error().Err(err).Str("job", id).Msg("orchestrator: cannot fail job")
		}
		return
	}

	s.moveMagnetAside(job, client, models.JobStateFailed)
	s.deleteRemote(ctx, job)
	s.jobs.RecordEvent(ctx, id, "error", reason)

	log.Warn().Str("job", id).Str("reason", reason).Msg("orchestrator: job failed")
}

// failDirect fails a job with no running actor, used when recovery finds a
// job whose client vanished from the config.
func (s *Service) failDirect(ctx context.Context, job *models.MagnetJob, reason string) {
	if err := s.jobs.UpdateState(ctx, job.ID, job.State, models.JobStateFailed, reason); err != nil {
		log.Error().Err(err).Str("job", job.ID).Msg("orchestrator: cannot fail orphaned job")
		return
	}
	s.jobs.RecordEvent(ctx, job.ID, "error", reason)
}

func (s *Service) transition(ctx context.Context, id string, from, to models.JobState) error {
	if err := s.jobs.UpdateState(ctx, id, from, to, ""); err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	return nil
}

// waitForAPI holds until the health monitor reports the remote service
// reachable.
func (s *Service) waitForAPI(ctx context.Context) error {
	if s.gate == nil || s.gate.APIReachable() {
		return nil
	}

	log.Info().Msg("orchestrator: holding submission, debrid API unreachable")
	ticker := time.NewTicker(s.cfg().PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.gate.APIReachable() {
				return nil
			}
		}
	}
}

// moveMagnetAside moves the claimed magnet file out of the in-progress
// folder once the job is terminal. Best effort: the store is authoritative
// and a missing source (already moved, retried job) is fine.
func (s *Service) moveMagnetAside(job *models.MagnetJob, client domain.DownloadClient, outcome models.JobState) {
	if job.SourcePath == "" {
		return
	}

	name := filepath.Base(job.SourcePath)
	switch outcome {
	case models.JobStateFailed:
		name += ".failed"
	case models.JobStateAborted:
		name += ".aborted"
	}

	dest := filepath.Join(client.CompletedMagnetsFolder, name)
	if err := os.Rename(job.SourcePath, dest); err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("job", job.ID).Msg("orchestrator: cannot move magnet file aside")
		}
		return
	}
	log.Debug().Str("job", job.ID).Str("dest", dest).Msg("orchestrator: magnet file moved aside")
}

// removeJobFiles deletes every destination and partial file of a job.
// Abort semantics: nothing the job wrote survives.
func (s *Service) removeJobFiles(job *models.MagnetJob) {
	for _, f := range job.Files {
		for _, path := range []string{f.DestinationPath, f.DestinationPath + downloader.PartSuffix} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", path).Msg("orchestrator: cannot remove job file")
			}
		}
	}
}

// deleteRemote removes the remote service's torrent record. Failures are
// logged only; local state is already durable.
func (s *Service) deleteRemote(ctx context.Context, job *models.MagnetJob) {
	if job.RemoteID == "" {
		return
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := s.resolver.Delete(cleanupCtx, job.RemoteID); err != nil {
		log.Warn().Err(err).Str("job", job.ID).Str("remote_id", job.RemoteID).
			Msg("orchestrator: remote cleanup failed")
	}
}

// downloadFilename picks a destination file name: the service-provided
// name, then the last URL path segment, then a fixed fallback.
func downloadFilename(dl *debrid.DownloadLink) string {
	if dl.Filename != "" {
		return dl.Filename
	}
	trimmed := strings.TrimRight(dl.URL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 && i < len(trimmed)-1 {
		return trimmed[i+1:]
	}
	return "download.bin"
}

// storeReporter adapts worker callbacks to job store writes.
type storeReporter struct {
	ctx  context.Context
	jobs *models.JobStore
}

func (r *storeReporter) FileStarted(fileID int64) {
	if err := r.jobs.SetFileStatus(r.ctx, fileID, models.FileStatusDownloading, ""); err != nil {
		log.Error().Err(err).Int64("file", fileID).Msg("orchestrator: cannot mark file downloading")
	}
}

func (r *storeReporter) FileSize(fileID, sizeBytes int64) {
	if err := r.jobs.SetFileSize(r.ctx, fileID, sizeBytes); err != nil {
		log.Error().Err(err).Int64("file", fileID).Msg("orchestrator: cannot record file size")
	}
}

func (r *storeReporter) FileProgress(fileID, bytesDownloaded int64) {
	if err := r.jobs.UpdateFileProgress(r.ctx, fileID, bytesDownloaded); err != nil {
		log.Error().Err(err).Int64("file", fileID).Msg("orchestrator: cannot record file progress")
	}
}

func (r *storeReporter) FileCompleted(fileID, bytesDownloaded int64) {
	if err := r.jobs.UpdateFileProgress(r.ctx, fileID, bytesDownloaded); err != nil {
		log.Error().Err(err).Int64("file", fileID).Msg("orchestrator: cannot record file progress")
	}
	if err := r.jobs.SetFileStatus(r.ctx, fileID, models.FileStatusCompleted, ""); err != nil {
		log.Error().Err(err).Int64("file", fileID).Msg("orchestrator: cannot mark file completed")
	}
}

func (r *storeReporter) FileFailed(fileID int64, reason string) {
	if err := r.jobs.SetFileStatus(r.ctx, fileID, models.FileStatusFailed, reason); err != nil {
		log.Error().Err(err).Int64("file", fileID).Msg("orchestrator: cannot mark file failed")
	}
}
