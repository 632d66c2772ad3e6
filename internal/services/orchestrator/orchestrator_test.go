// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debridarr/debridarr/internal/database"
	"github.com/debridarr/debridarr/internal/debrid"
	"github.com/debridarr/debridarr/internal/domain"
	"github.com/debridarr/debridarr/internal/models"
	"github.com/debridarr/debridarr/internal/services/downloader"
	"github.com/debridarr/debridarr/internal/services/scanner"
)

const testHash = "c12fe1c06bba254a9dc9f519b335aa7c1367a88a"

type fakeResolver struct {
	mu         sync.Mutex
	addErr     error
	infoErr    error
	cached     bool
	links      []string
	unrestrict map[string]*debrid.DownloadLink
	deleted    []string
	addCalls   int
}

func (f *fakeResolver) AddMagnet(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.addErr != nil {
		return "", f.addErr
	}
	return "RD1", nil
}

func (f *fakeResolver) TorrentInfo(_ context.Context, id string) (*debrid.TorrentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	info := &debrid.TorrentInfo{ID: id, Status: "queued", Links: f.links}
	if f.cached {
		info.Status = "downloaded"
	}
	return info, nil
}

func (f *fakeResolver) Unrestrict(_ context.Context, link string) (*debrid.DownloadLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dl, ok := f.unrestrict[link]; ok {
		return dl, nil
	}
	return nil, fmt.Errorf("%w: unknown link %s", domain.ErrRejected, link)
}

func (f *fakeResolver) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeResolver) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.deleted...)
}

// fakePool writes each file's destination and reports completion, or
// blocks until cancelled when block is set. With straggler set, it writes
// that path after cancellation, like a worker finishing its last chunk
// while the job is being torn down.
type fakePool struct {
	mu        sync.Mutex
	inFlight  int
	peak      int
	block     bool
	straggler string
	failWith  error
}

func (p *fakePool) DownloadAll(ctx context.Context, files []models.FileDownload, _ int, reporter downloader.Reporter) error {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.peak {
		p.peak = p.inFlight
	}
	block, straggler, failWith := p.block, p.straggler, p.failWith
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		if straggler != "" {
			if err := os.WriteFile(straggler, []byte("late write"), 0644); err != nil {
				return fmt.Errorf("%w: %s", domain.ErrIO, err)
			}
		}
		return fmt.Errorf("%w: download interrupted", domain.ErrCancelled)
	}
	if failWith != nil {
		return failWith
	}

	for _, f := range files {
		if f.Status == models.FileStatusCompleted {
			continue
		}
		reporter.FileStarted(f.ID)
		if err := os.WriteFile(f.DestinationPath, []byte("payload"), 0644); err != nil {
			return fmt.Errorf("%w: %s", domain.ErrIO, err)
		}
		reporter.FileCompleted(f.ID, 7)
	}
	return nil
}

func (p *fakePool) peakInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

type fakeGate struct {
	mu        sync.Mutex
	reachable bool
}

func (g *fakeGate) APIReachable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reachable
}

func (g *fakeGate) set(v bool) {
	g.mu.Lock()
	g.reachable = v
	g.mu.Unlock()
}

type fixture struct {
	svc      *Service
	jobs     *models.JobStore
	resolver *fakeResolver
	pool     *fakePool
	client   domain.DownloadClient
	cfg      *domain.Config
}

func newFixture(t *testing.T, gate HealthGate) *fixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	root := t.TempDir()
	client := domain.DownloadClient{
		Name:                     "sonarr",
		MagnetsFolder:            filepath.Join(root, "magnets"),
		InProgressFolder:         filepath.Join(root, "in_progress"),
		CompletedMagnetsFolder:   filepath.Join(root, "completed_magnets"),
		CompletedDownloadsFolder: filepath.Join(root, "completed_downloads"),
	}
	for _, folder := range client.Folders() {
		require.NoError(t, os.MkdirAll(folder.Path, 0755))
	}

	cfg := &domain.Config{
		DebridAPIToken:      "tok",
		ScanIntervalSeconds: 1,
		PollIntervalSeconds: 1,
		SubmitRetries:       2,
		MaxConcurrentJobs:   3,
		DownloadClients:     map[string]domain.DownloadClient{client.Name: client},
	}

	resolver := &fakeResolver{
		cached: true,
		links:  []string{"https://rd/link1"},
		unrestrict: map[string]*debrid.DownloadLink{
			"https://rd/link1": {URL: "https://dl/file1", Filename: "file1.mkv", Filesize: 7},
		},
	}
	pool := &fakePool{}
	jobs := models.NewJobStore(db)

	svc := New(func() *domain.Config { return cfg }, jobs, resolver, pool, gate)
	return &fixture{svc: svc, jobs: jobs, resolver: resolver, pool: pool, client: client, cfg: cfg}
}

func (f *fixture) start(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		f.svc.Wait()
	})
	require.NoError(t, f.svc.Start(ctx))
	return ctx
}

func (f *fixture) discover(t *testing.T, hash string) string {
	t.Helper()

	path := filepath.Join(f.client.InProgressFolder, hash+".magnet")
	require.NoError(t, os.WriteFile(path, []byte("magnet:?xt=urn:btih:"+hash), 0644))

	f.svc.Discovered(context.Background(), scanner.Discovery{
		Client:     f.client,
		Hash:       hash,
		Name:       "Show." + hash[:6],
		MagnetLink: "magnet:?xt=urn:btih:" + hash,
		SourcePath: path,
	})
	return models.JobID(f.client.Name, hash)
}

func waitForState(t *testing.T, jobs *models.JobStore, id string, want models.JobState) *models.MagnetJob {
	t.Helper()

	var job *models.MagnetJob
	require.Eventually(t, func() bool {
		j, err := jobs.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.State == want
	}, 10*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestJobRunsToCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.start(t)

	id := f.discover(t, testHash)
	job := waitForState(t, f.jobs, id, models.JobStateCompleted)

	require.Len(t, job.Files, 1)
	assert.Equal(t, models.FileStatusCompleted, job.Files[0].Status)
	assert.Equal(t, int64(7), job.Files[0].BytesDownloaded)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, "RD1", job.RemoteID)

	assert.FileExists(t, filepath.Join(f.client.CompletedDownloadsFolder, "file1.mkv"))
	assert.FileExists(t, filepath.Join(f.client.CompletedMagnetsFolder, testHash+".magnet"))
	assert.NoFileExists(t, filepath.Join(f.client.InProgressFolder, testHash+".magnet"))
	assert.Eventually(t, func() bool {
		return len(f.resolver.deletedIDs()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRejectedSubmitFailsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.resolver.addErr = fmt.Errorf("%w: infringing torrent", domain.ErrRejected)
	f.start(t)

	id := f.discover(t, testHash)
	job := waitForState(t, f.jobs, id, models.JobStateFailed)

	assert.Contains(t, job.Error, "infringing")
	assert.FileExists(t, filepath.Join(f.client.CompletedMagnetsFolder, testHash+".magnet.failed"))
}

func TestRejectedPollFailsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.resolver.infoErr = fmt.Errorf("%w: torrent removed", domain.ErrRejected)
	f.start(t)

	id := f.discover(t, testHash)
	job := waitForState(t, f.jobs, id, models.JobStateFailed)
	assert.Contains(t, job.Error, "torrent removed")
}

func TestDownloadFailureFailsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.pool.failWith = fmt.Errorf("%w: disk full", domain.ErrIO)
	f.start(t)

	id := f.discover(t, testHash)
	job := waitForState(t, f.jobs, id, models.JobStateFailed)
	assert.Contains(t, job.Error, "disk full")
}

func TestAbortMidDownloadRemovesFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.pool.block = true
	f.start(t)

	id := f.discover(t, testHash)
	waitForState(t, f.jobs, id, models.JobStateDownloading)

	// Simulate a partially written destination before the abort lands.
	dest := filepath.Join(f.client.CompletedDownloadsFolder, "file1.mkv")
	require.NoError(t, os.WriteFile(dest+downloader.PartSuffix, []byte("partial"), 0644))

	job, err := f.svc.Abort(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateAborted, job.State)

	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+downloader.PartSuffix)
	assert.FileExists(t, filepath.Join(f.client.CompletedMagnetsFolder, testHash+".magnet.aborted"))
}

func TestAbortWaitsForWorkerDrain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.pool.block = true
	dest := filepath.Join(f.client.CompletedDownloadsFolder, "file1.mkv")
	f.pool.straggler = dest
	f.start(t)

	id := f.discover(t, testHash)
	waitForState(t, f.jobs, id, models.JobStateDownloading)

	job, err := f.svc.Abort(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateAborted, job.State)

	// The worker finished a file after cancellation landed; the abort
	// removed it because it waited for the actor to exit first.
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+downloader.PartSuffix)
}

func TestAbortTerminalJobRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.start(t)

	id := f.discover(t, testHash)
	waitForState(t, f.jobs, id, models.JobStateCompleted)

	_, err := f.svc.Abort(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestAbortUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.start(t)

	_, err := f.svc.Abort(context.Background(), "sonarr:deadbeef")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRetryFailedJobCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.resolver.addErr = fmt.Errorf("%w: temporary refusal", domain.ErrRejected)
	f.start(t)

	id := f.discover(t, testHash)
	waitForState(t, f.jobs, id, models.JobStateFailed)

	f.resolver.mu.Lock()
	f.resolver.addErr = nil
	f.resolver.mu.Unlock()

	job, err := f.svc.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.RetryCount)

	job = waitForState(t, f.jobs, id, models.JobStateCompleted)
	assert.Equal(t, 1, job.RetryCount)
	assert.Empty(t, job.Error)
}

func TestRetryRequiresFailedState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.start(t)

	id := f.discover(t, testHash)
	waitForState(t, f.jobs, id, models.JobStateCompleted)

	_, err := f.svc.Retry(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestDuplicateDiscoveryIgnoredWhileActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.pool.block = true
	f.start(t)

	id := f.discover(t, testHash)
	waitForState(t, f.jobs, id, models.JobStateDownloading)

	f.svc.Discovered(context.Background(), scanner.Discovery{
		Client:     f.client,
		Hash:       testHash,
		MagnetLink: "magnet:?xt=urn:btih:" + testHash,
		SourcePath: filepath.Join(f.client.InProgressFolder, "dup.magnet"),
	})

	job, err := f.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateDownloading, job.State)
	assert.Equal(t, 0, job.RetryCount)
}

func TestRediscoveryOfTerminalJobRunsAgain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.start(t)

	id := f.discover(t, testHash)
	waitForState(t, f.jobs, id, models.JobStateCompleted)

	f.discover(t, testHash)
	job := waitForState(t, f.jobs, id, models.JobStateCompleted)
	assert.Equal(t, 1, job.RetryCount)
}

func TestGlobalDownloadCap(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.cfg.MaxConcurrentJobs = 1
	f.pool.block = true
	f.start(t)

	hashes := []string{
		"aaaae1c06bba254a9dc9f519b335aa7c1367a88a",
		"bbbbe1c06bba254a9dc9f519b335aa7c1367a88a",
		"cccce1c06bba254a9dc9f519b335aa7c1367a88a",
	}
	for _, h := range hashes {
		f.discover(t, h)
	}

	// All three resolve to ready; only one may hold the downloading slot.
	waitForState(t, f.jobs, models.JobID("sonarr", hashes[0]), models.JobStateDownloading)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, f.pool.peakInFlight())

	counts, err := f.jobs.CountByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.JobStateDownloading])
}

func TestSubmissionHeldWhileAPIUnreachable(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{}
	f := newFixture(t, gate)
	f.start(t)

	id := f.discover(t, testHash)

	time.Sleep(300 * time.Millisecond)
	job, err := f.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateDiscovered, job.State)
	assert.Equal(t, 0, f.resolver.addCalls)

	gate.set(true)
	waitForState(t, f.jobs, id, models.JobStateCompleted)
}

func TestRestartRecoveryResumesJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	// A job interrupted mid-download in a previous run: one file done, one
	// pending.
	id := models.JobID("sonarr", testHash)
	created, err := f.jobs.Create(ctx, &models.MagnetJob{
		ID:         id,
		Client:     "sonarr",
		MagnetHash: testHash,
		MagnetLink: "magnet:?xt=urn:btih:" + testHash,
		SourcePath: filepath.Join(f.client.InProgressFolder, "old.magnet"),
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.jobs.SetRemoteID(ctx, id, "RD1"))
	require.NoError(t, f.jobs.UpdateState(ctx, id, models.JobStateDiscovered, models.JobStateSubmitted, ""))
	require.NoError(t, f.jobs.UpdateState(ctx, id, models.JobStateSubmitted, models.JobStateWaitingForCache, ""))
	require.NoError(t, f.jobs.MarkReady(ctx, id, []models.FileDownload{
		{URL: "https://dl/a", DestinationPath: filepath.Join(f.client.CompletedDownloadsFolder, "a.mkv")},
		{URL: "https://dl/b", DestinationPath: filepath.Join(f.client.CompletedDownloadsFolder, "b.mkv")},
	}))
	require.NoError(t, f.jobs.UpdateState(ctx, id, models.JobStateReady, models.JobStateDownloading, ""))

	job, err := f.jobs.GetByID(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.jobs.SetFileStatus(ctx, job.Files[0].ID, models.FileStatusCompleted, ""))

	f.start(t)

	job = waitForState(t, f.jobs, id, models.JobStateCompleted)
	assert.Equal(t, models.FileStatusCompleted, job.Files[1].Status)
	// The already completed file was not re-downloaded: the pool only wrote
	// the pending one.
	assert.NoFileExists(t, filepath.Join(f.client.CompletedDownloadsFolder, "a.mkv"))
	assert.FileExists(t, filepath.Join(f.client.CompletedDownloadsFolder, "b.mkv"))
}

func TestDownloadFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dl   debrid.DownloadLink
		want string
	}{
		{"service name", debrid.DownloadLink{Filename: "movie.mkv", URL: "https://dl/x"}, "movie.mkv"},
		{"url fallback", debrid.DownloadLink{URL: "https://dl/path/episode.mkv"}, "episode.mkv"},
		{"trailing slash", debrid.DownloadLink{URL: "https://dl/path/episode.mkv/"}, "episode.mkv"},
		{"no segments", debrid.DownloadLink{URL: ""}, "download.bin"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, downloadFilename(&tt.dl))
		})
	}
}
