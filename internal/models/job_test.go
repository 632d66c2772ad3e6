// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debridarr/debridarr/internal/database"
)

func newTestStore(t *testing.T) *JobStore {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewJobStore(db)
}

func testJob(client, hash string) *MagnetJob {
	return &MagnetJob{
		ID:         JobID(client, hash),
		Client:     client,
		MagnetHash: hash,
		MagnetLink: "magnet:?xt=urn:btih:" + hash,
		Name:       "Some.Release",
		SourcePath: "/blackhole/" + client + "/in_progress/some.magnet",
	}
}

func TestJobCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	job := testJob("sonarr", "c9e15763f722f23e98a29decdfae341b98d53056")

	created, err := store.Create(ctx, job)
	require.NoError(t, err)
	assert.True(t, created)

	// Duplicate discovery notification must be a no-op.
	created, err = store.Create(ctx, job)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateDiscovered, got.State)
	assert.Empty(t, got.Files)
}

func TestJobStateTransitionGuard(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	job := testJob("radarr", "aaaa5763f722f23e98a29decdfae341b98d53056")

	_, err := store.Create(ctx, job)
	require.NoError(t, err)

	require.NoError(t, store.UpdateState(ctx, job.ID, JobStateDiscovered, JobStateSubmitted, ""))
	require.NoError(t, store.UpdateState(ctx, job.ID, JobStateSubmitted, JobStateWaitingForCache, ""))

	// A transition from a state the job already left must not apply.
	err = store.UpdateState(ctx, job.ID, JobStateSubmitted, JobStateFailed, "late report")
	require.ErrorIs(t, err, ErrStaleTransition)

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateWaitingForCache, got.State)
	assert.Empty(t, got.Error)
}

func TestJobTerminalStateSetsCompletedAt(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	job := testJob("sonarr", "bbbb5763f722f23e98a29decdfae341b98d53056")

	_, err := store.Create(ctx, job)
	require.NoError(t, err)

	require.NoError(t, store.UpdateState(ctx, job.ID, JobStateDiscovered, JobStateFailed, "malformed magnet"))

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, got.State)
	assert.Equal(t, "malformed magnet", got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestJobResetAllowedStates(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	job := testJob("sonarr", "cccc5763f722f23e98a29decdfae341b98d53056")

	_, err := store.Create(ctx, job)
	require.NoError(t, err)

	// Retry is only legal on failed jobs.
	err = store.Reset(ctx, job.ID, job.SourcePath, JobStateFailed)
	require.ErrorIs(t, err, ErrStaleTransition)

	require.NoError(t, store.UpdateState(ctx, job.ID, JobStateDiscovered, JobStateFailed, "remote rejected magnet"))
	require.NoError(t, store.Reset(ctx, job.ID, "/blackhole/sonarr/magnets/some.magnet", JobStateFailed))

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateDiscovered, got.State)
	assert.Empty(t, got.Error)
	assert.Empty(t, got.RemoteID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.CompletedAt)
}

func TestJobFilesLifecycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	job := testJob("radarr", "dddd5763f722f23e98a29decdfae341b98d53056")

	_, err := store.Create(ctx, job)
	require.NoError(t, err)
	require.NoError(t, store.UpdateState(ctx, job.ID, JobStateDiscovered, JobStateSubmitted, ""))
	require.NoError(t, store.UpdateState(ctx, job.ID, JobStateSubmitted, JobStateWaitingForCache, ""))

	size := int64(1000)
	files := []FileDownload{
		{URL: "https://dl.example/a.mkv", DestinationPath: "/downloads/a.mkv", SizeBytes: &size},
		{URL: "https://dl.example/b.srt", DestinationPath: "/downloads/b.srt"},
	}
	require.NoError(t, store.MarkReady(ctx, job.ID, files))

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateReady, got.State)
	require.Len(t, got.Files, 2)
	assert.Equal(t, FileStatusPending, got.Files[0].Status)
	require.NotNil(t, got.Files[0].SizeBytes)
	assert.EqualValues(t, 1000, *got.Files[0].SizeBytes)
	assert.Nil(t, got.Files[1].SizeBytes)

	fileID := got.Files[0].ID
	require.NoError(t, store.SetFileStatus(ctx, fileID, FileStatusDownloading, ""))
	require.NoError(t, store.UpdateFileProgress(ctx, fileID, 512))

	// Progress is monotonically non-decreasing; stale reports are dropped.
	require.NoError(t, store.UpdateFileProgress(ctx, fileID, 100))

	got, err = store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 512, got.Files[0].BytesDownloaded)

	require.NoError(t, store.UpdateFileProgress(ctx, fileID, 1000))
	require.NoError(t, store.SetFileStatus(ctx, fileID, FileStatusCompleted, ""))

	total, err := store.TotalBytesDownloaded(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, total)
}

func TestMarkReadyRequiresWaitingState(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	job := testJob("sonarr", "ffff5763f722f23e98a29decdfae341b98d53056")

	_, err := store.Create(ctx, job)
	require.NoError(t, err)

	files := []FileDownload{
		{URL: "https://dl.example/a.mkv", DestinationPath: "/downloads/a.mkv"},
	}
	err = store.MarkReady(ctx, job.ID, files)
	require.ErrorIs(t, err, ErrStaleTransition)

	// The transaction rolled back: no files exist until the job is ready.
	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateDiscovered, got.State)
	assert.Empty(t, got.Files)
}

func TestJobHistoryFilterAndPagination(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	hashes := []string{
		"1111111111111111111111111111111111111111",
		"2222222222222222222222222222222222222222",
		"3333333333333333333333333333333333333333",
	}
	for i, hash := range hashes {
		client := "sonarr"
		if i == 2 {
			client = "radarr"
		}
		job := testJob(client, hash)
		_, err := store.Create(ctx, job)
		require.NoError(t, err)

		to := JobStateCompleted
		if i == 1 {
			to = JobStateFailed
		}
		require.NoError(t, store.UpdateState(ctx, job.ID, JobStateDiscovered, to, ""))
	}

	all, err := store.ListHistory(ctx, HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	failed, err := store.ListHistory(ctx, HistoryFilter{State: JobStateFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, JobStateFailed, failed[0].State)

	radarr, err := store.ListHistory(ctx, HistoryFilter{Client: "radarr"})
	require.NoError(t, err)
	require.Len(t, radarr, 1)
	assert.Equal(t, "radarr", radarr[0].Client)

	page, err := store.ListHistory(ctx, HistoryFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[JobStateCompleted])
	assert.Equal(t, 1, counts[JobStateFailed])
}

func TestJobGetByIDUnknown(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	_, err := store.GetByID(context.Background(), "sonarr:unknown")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestJobEventsRetention(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	job := testJob("sonarr", "eeee5763f722f23e98a29decdfae341b98d53056")

	_, err := store.Create(ctx, job)
	require.NoError(t, err)

	for i := 0; i < eventRetention+10; i++ {
		require.NoError(t, store.RecordEvent(ctx, job.ID, "info", "tick"))
	}

	events, err := store.ListEvents(ctx, job.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, eventRetention)

	events, err = store.ListEvents(ctx, job.ID, 5)
	require.NoError(t, err)
	assert.Len(t, events, 5)
	// Newest first.
	assert.Greater(t, events[0].ID, events[4].ID)
}
