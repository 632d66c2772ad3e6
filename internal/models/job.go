// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/debridarr/debridarr/internal/dbinterface"
)

// JobState is the lifecycle state of a magnet job.
type JobState string

const (
	JobStateDiscovered      JobState = "discovered"
	JobStateSubmitted       JobState = "submitted"
	JobStateWaitingForCache JobState = "waiting_for_cache"
	JobStateReady           JobState = "ready"
	JobStateDownloading     JobState = "downloading"
	JobStateCompleted       JobState = "completed"
	JobStateFailed          JobState = "failed"
	JobStateAborted         JobState = "aborted"
)

// Terminal reports whether the state is one of the three terminal states.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateAborted:
		return true
	}
	return false
}

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	switch s {
	case JobStateDiscovered, JobStateSubmitted, JobStateWaitingForCache,
		JobStateReady, JobStateDownloading, JobStateCompleted,
		JobStateFailed, JobStateAborted:
		return true
	}
	return false
}

// FileStatus is the lifecycle state of one file belonging to a job.
type FileStatus string

const (
	FileStatusPending     FileStatus = "pending"
	FileStatusDownloading FileStatus = "downloading"
	FileStatusCompleted   FileStatus = "completed"
	FileStatusFailed      FileStatus = "failed"
)

// MagnetJob is one magnet link's lifecycle from discovery to terminal state.
type MagnetJob struct {
	ID          string         `json:"id"`
	Client      string         `json:"client"`
	MagnetHash  string         `json:"magnetHash"`
	MagnetLink  string         `json:"-"`
	Name        string         `json:"name,omitempty"`
	SourcePath  string         `json:"sourcePath"`
	State       JobState       `json:"state"`
	RemoteID    string         `json:"remoteId,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retryCount"`
	Files       []FileDownload `json:"files"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// FileDownload is one file belonging to a job.
type FileDownload struct {
	ID              int64      `json:"id"`
	JobID           string     `json:"jobId"`
	Seq             int        `json:"seq"`
	URL             string     `json:"-"`
	DestinationPath string     `json:"destinationPath"`
	SizeBytes       *int64     `json:"sizeBytes,omitempty"`
	BytesDownloaded int64      `json:"bytesDownloaded"`
	Status          FileStatus `json:"status"`
	Error           string     `json:"error,omitempty"`
}

// JobID derives the stable job identifier from client name and magnet hash.
func JobID(client, magnetHash string) string {
	return client + ":" + magnetHash
}

// ErrStaleTransition is returned when a guarded state update matched no row,
// meaning another actor moved the job first (typically an abort racing a
// worker report). Callers treat it as a no-op against a terminal job.
var ErrStaleTransition = errors.New("stale state transition")

// JobStore handles database operations for magnet jobs and their files.
type JobStore struct {
	db dbinterface.Querier
}

// NewJobStore creates a new JobStore.
func NewJobStore(db dbinterface.Querier) *JobStore {
	return &JobStore{db: db}
}

// withTx runs fn atomically when the underlying handle can open
// transactions, and directly otherwise (already inside one).
func (s *JobStore) withTx(ctx context.Context, fn func(q dbinterface.Querier) error) error {
	if runner, ok := s.db.(dbinterface.TxRunner); ok {
		return runner.WithTx(ctx, func(tx *sql.Tx) error {
			return fn(tx)
		})
	}
	return fn(s.db)
}

const jobColumns = `id, client, magnet_hash, magnet_link, name, source_path, state, remote_id, error, retry_count, created_at, updated_at, completed_at`

// Create inserts a new job in the discovered state. Returns false without
// error when a job with the same ID already exists, which makes duplicate
// discovery notifications idempotent.
func (s *JobStore) Create(ctx context.Context, job *MagnetJob) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, client, magnet_hash, magnet_link, name, source_path, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.Client, job.MagnetHash, job.MagnetLink, job.Name, job.SourcePath, JobStateDiscovered, now, now)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert job rows affected: %w", err)
	}
	return n > 0, nil
}

// Reset returns a terminal job to discovered so it can run again, clearing
// remote bookkeeping, the error reason and all per-file rows. The allowed
// set guards which terminal states may be reset (retry allows only failed;
// re-discovery of a reintroduced magnet file allows any terminal state).
func (s *JobStore) Reset(ctx context.Context, id, sourcePath string, allowed ...JobState) error {
	if len(allowed) == 0 {
		return errors.New("reset requires at least one allowed state")
	}

	query := `
		UPDATE jobs
		SET state = ?, source_path = ?, remote_id = '', error = '',
		    retry_count = retry_count + 1, updated_at = ?, completed_at = NULL
		WHERE id = ? AND state IN (` + placeholders(len(allowed)) + `)`

	args := []any{JobStateDiscovered, sourcePath, time.Now().UTC(), id}
	for _, st := range allowed {
		args = append(args, st)
	}

	return s.withTx(ctx, func(q dbinterface.Querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("reset job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reset job rows affected: %w", err)
		}
		if n == 0 {
			return ErrStaleTransition
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM job_files WHERE job_id = ?`, id); err != nil {
			return fmt.Errorf("clear job files: %w", err)
		}
		return nil
	})
}

// UpdateState moves a job from one state to another. The WHERE clause
// enforces that the expected source state still holds, so a racing abort
// and worker report cannot both win; the loser gets ErrStaleTransition.
func (s *JobStore) UpdateState(ctx context.Context, id string, from, to JobState, reason string) error {
	now := time.Now().UTC()

	var completedAt any
	if to.Terminal() {
		completedAt = now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, error = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND state = ?
	`, to, reason, now, completedAt, id, from)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job state rows affected: %w", err)
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// SetRemoteID records the identifier assigned by the remote service.
func (s *JobStore) SetRemoteID(ctx context.Context, id, remoteID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET remote_id = ?, updated_at = ? WHERE id = ?`,
		remoteID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set remote id: %w", err)
	}
	return nil
}

// MarkReady stores the resolved file set and moves the job from
// waiting_for_cache to ready in one transaction, so a reader never observes
// files on a job that has not reached ready. The replace semantics also
// cover a retried job resolving a different file set.
func (s *JobStore) MarkReady(ctx context.Context, jobID string, files []FileDownload) error {
	return s.withTx(ctx, func(q dbinterface.Querier) error {
		res, err := q.ExecContext(ctx, `
			UPDATE jobs SET state = ?, error = '', updated_at = ?
			WHERE id = ? AND state = ?
		`, JobStateReady, time.Now().UTC(), jobID, JobStateWaitingForCache)
		if err != nil {
			return fmt.Errorf("mark job ready: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark job ready rows affected: %w", err)
		}
		if n == 0 {
			return ErrStaleTransition
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM job_files WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("clear job files: %w", err)
		}
		for i, f := range files {
			_, err := q.ExecContext(ctx, `
				INSERT INTO job_files (job_id, seq, url, destination_path, size_bytes, status)
				VALUES (?, ?, ?, ?, ?, ?)
			`, jobID, i, f.URL, f.DestinationPath, f.SizeBytes, FileStatusPending)
			if err != nil {
				return fmt.Errorf("insert job file %d: %w", i, err)
			}
		}
		return nil
	})
}

// UpdateFileProgress records byte-level progress for one file. Progress is
// monotonically non-decreasing; stale reports are dropped by the WHERE guard.
func (s *JobStore) UpdateFileProgress(ctx context.Context, fileID, bytesDownloaded int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_files SET bytes_downloaded = ?
		WHERE id = ? AND bytes_downloaded <= ?
	`, bytesDownloaded, fileID, bytesDownloaded)
	if err != nil {
		return fmt.Errorf("update file progress: %w", err)
	}
	return nil
}

// SetFileStatus records a file's status and optional error reason.
func (s *JobStore) SetFileStatus(ctx context.Context, fileID int64, status FileStatus, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_files SET status = ?, error = ? WHERE id = ?`,
		status, reason, fileID)
	if err != nil {
		return fmt.Errorf("set file status: %w", err)
	}
	return nil
}

// SetFileSize records a file's advertised size once known.
func (s *JobStore) SetFileSize(ctx context.Context, fileID, sizeBytes int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_files SET size_bytes = ? WHERE id = ?`, sizeBytes, fileID)
	if err != nil {
		return fmt.Errorf("set file size: %w", err)
	}
	return nil
}

// GetByID returns a job with its files, or sql.ErrNoRows when unknown.
func (s *JobStore) GetByID(ctx context.Context, id string) (*MagnetJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadFiles(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListActive returns all non-terminal jobs with their files, oldest first.
func (s *JobStore) ListActive(ctx context.Context) ([]*MagnetJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state NOT IN (?, ?, ?)
		ORDER BY created_at ASC
	`, JobStateCompleted, JobStateFailed, JobStateAborted)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if err := s.loadFiles(ctx, job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// HistoryFilter narrows and pages ListHistory results.
type HistoryFilter struct {
	Client string
	State  JobState
	Limit  int
	Offset int
}

// ListHistory returns terminal jobs, most recently finished first.
func (s *JobStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]*MagnetJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE state IN (?, ?, ?)`
	args := []any{JobStateCompleted, JobStateFailed, JobStateAborted}

	if filter.Client != "" {
		query += ` AND client = ?`
		args = append(args, filter.Client)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, filter.State)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY completed_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if err := s.loadFiles(ctx, job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// CountByState returns the number of jobs per state.
func (s *JobStore) CountByState(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobState]int)
	for rows.Next() {
		var state JobState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

// CountDownloadingFiles returns the number of files currently in flight,
// for metrics.
func (s *JobStore) CountDownloadingFiles(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_files WHERE status = ?`, FileStatusDownloading).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count downloading files: %w", err)
	}
	return count, nil
}

// TotalBytesDownloaded sums byte progress across all files, for metrics.
func (s *JobStore) TotalBytesDownloaded(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(bytes_downloaded) FROM job_files`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum bytes downloaded: %w", err)
	}
	return total.Int64, nil
}

func (s *JobStore) loadFiles(ctx context.Context, job *MagnetJob) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, seq, url, destination_path, size_bytes, bytes_downloaded, status, error
		FROM job_files WHERE job_id = ? ORDER BY seq ASC
	`, job.ID)
	if err != nil {
		return fmt.Errorf("load job files: %w", err)
	}
	defer rows.Close()

	job.Files = []FileDownload{}
	for rows.Next() {
		var f FileDownload
		var size sql.NullInt64
		if err := rows.Scan(&f.ID, &f.JobID, &f.Seq, &f.URL, &f.DestinationPath, &size, &f.BytesDownloaded, &f.Status, &f.Error); err != nil {
			return fmt.Errorf("scan job file: %w", err)
		}
		if size.Valid {
			f.SizeBytes = &size.Int64
		}
		job.Files = append(job.Files, f)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*MagnetJob, error) {
	var job MagnetJob
	var remoteID, errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.Client, &job.MagnetHash, &job.MagnetLink, &job.Name,
		&job.SourcePath, &job.State, &remoteID, &errMsg, &job.RetryCount,
		&job.CreatedAt, &job.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.RemoteID = remoteID.String
	job.Error = errMsg.String
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*MagnetJob, error) {
	var jobs []*MagnetJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}
