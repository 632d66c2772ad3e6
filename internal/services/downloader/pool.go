// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloader streams resolved files to disk with bounded
// parallelism, ranged resume and throttled progress reporting.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/debridarr/debridarr/internal/buildinfo"
	"github.com/debridarr/debridarr/internal/domain"
	"github.com/debridarr/debridarr/internal/models"
)

// PartSuffix marks an in-flight file on disk; the file is renamed to its
// final destination only after a fully verified write.
const PartSuffix = ".part"

// Reporter receives worker results. Workers never touch the job store
// directly; the orchestrator owns all writes so a job record is never
// mutated from two goroutines.
type Reporter interface {
	FileStarted(fileID int64)
	FileSize(fileID, sizeBytes int64)
	FileProgress(fileID, bytesDownloaded int64)
	FileCompleted(fileID, bytesDownloaded int64)
	FileFailed(fileID int64, reason string)
}

// Config controls retry and reporting behavior.
type Config struct {
	FileRetries    int
	ReportInterval time.Duration
	BufferSize     int
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		FileRetries:    3,
		ReportInterval: 500 * time.Millisecond,
		BufferSize:     256 * 1024,
	}
}

// Pool downloads the files of one job with bounded parallelism.
type Pool struct {
	cfg  Config
	http *http.Client
}

// NewPool creates a download pool.
func NewPool(cfg Config) *Pool {
	if cfg.FileRetries <= 0 {
		cfg.FileRetries = DefaultConfig().FileRetries
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultConfig().ReportInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &Pool{
		cfg: cfg,
		// No overall timeout: large files legitimately take hours.
		// Cancellation rides the per-job context instead.
		http: &http.Client{},
	}
}

// DownloadAll streams every non-completed file of a job, at most limit in
// flight, remaining files queued in order. The first fatal file failure
// cancels the rest and is returned; nil means every file completed.
func (p *Pool) DownloadAll(ctx context.Context, files []models.FileDownload, limit int, reporter Reporter) error {
	if limit <= 0 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, file := range files {
		if file.Status == models.FileStatusCompleted {
			continue
		}
		file := file
		g.Go(func() error {
			return p.downloadFile(gctx, file, reporter)
		})
	}

	return g.Wait()
}

// downloadFile runs the bounded retry loop for one file.
func (p *Pool) downloadFile(ctx context.Context, file models.FileDownload, reporter Reporter) error {
	reporter.FileStarted(file.ID)

	partPath := file.DestinationPath + PartSuffix

	var lastErr error
	for attempt := 1; attempt <= p.cfg.FileRetries; attempt++ {
		err := p.attempt(ctx, file, partPath, reporter)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Abort in progress: remove the partial write, report nothing.
			// The orchestrator resolves the job to aborted itself.
			removeQuiet(partPath)
			return fmt.Errorf("%w: %s", domain.ErrCancelled, file.DestinationPath)
		}
		if errors.Is(err, domain.ErrIO) || errors.Is(err, domain.ErrRejected) {
			removeQuiet(partPath)
			reporter.FileFailed(file.ID, err.Error())
			return err
		}

		lastErr = err
		log.Warn().Err(err).
			Int("attempt", attempt).
			Str("destination", file.DestinationPath).
			Msg("download attempt failed")
	}

	removeQuiet(partPath)
	reason := fmt.Sprintf("retries exhausted: %v", lastErr)
	reporter.FileFailed(file.ID, reason)
	return fmt.Errorf("%w: %s", domain.ErrTransient, reason)
}

// attempt performs one transfer pass, resuming from the partial file when
// the server honors the Range request.
func (p *Pool) attempt(ctx context.Context, file models.FileDownload, partPath string, reporter Reporter) error {
	offset := partSize(partPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %s", domain.ErrRejected, err)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		// Server honored the range; keep the partial file.
	case resp.StatusCode == http.StatusOK:
		// Full body: any previous partial progress restarts from zero.
		offset = 0
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", domain.ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", domain.ErrRejected, resp.StatusCode)
	}

	if size := totalSize(resp, offset); size > 0 {
		reporter.FileSize(file.ID, size)
	}

	if err := os.MkdirAll(filepath.Dir(partPath), 0755); err != nil {
		return fmt.Errorf("%w: create destination directory: %s", domain.ErrIO, err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(partPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("%w: open partial file: %s", domain.ErrIO, err)
	}

	written, err := p.copyWithProgress(ctx, out, resp.Body, file.ID, offset, reporter)
	closeErr := out.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("%w: close partial file: %s", domain.ErrIO, closeErr)
	}

	// A cancellation can land between the last read and here; never
	// finalize a file for a job that is being torn down.
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Rename(partPath, file.DestinationPath); err != nil {
		return fmt.Errorf("%w: finalize file: %s", domain.ErrIO, err)
	}

	reporter.FileProgress(file.ID, written)
	reporter.FileCompleted(file.ID, written)
	return nil
}

// copyWithProgress streams body to out, checking for cancellation between
// chunks and reporting progress at a bounded interval rather than per read.
func (p *Pool) copyWithProgress(ctx context.Context, out *os.File, body io.Reader, fileID, offset int64, reporter Reporter) (int64, error) {
	written := offset
	buf := make([]byte, p.cfg.BufferSize)
	lastReport := time.Now()

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, readErr := body.Read(buf)
		if nr > 0 {
			nw, writeErr := out.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, fmt.Errorf("%w: write: %s", domain.ErrIO, writeErr)
			}
			if nw != nr {
				return written, fmt.Errorf("%w: short write", domain.ErrIO)
			}

			if time.Since(lastReport) >= p.cfg.ReportInterval {
				reporter.FileProgress(fileID, written)
				lastReport = time.Now()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, fmt.Errorf("%w: read: %s", domain.ErrTransient, readErr)
		}
	}
}

// totalSize derives the file's full size from response headers, accounting
// for a ranged response only covering the remainder.
func totalSize(resp *http.Response, offset int64) int64 {
	if resp.ContentLength <= 0 {
		return 0
	}
	return resp.ContentLength + offset
}

func partSize(partPath string) int64 {
	info, err := os.Stat(partPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("path", path).Msg("could not remove partial file")
	}
}
