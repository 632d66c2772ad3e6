// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/debridarr/debridarr/internal/models"
)

// HealthSource reports remote service reachability for the gauge.
type HealthSource interface {
	APIReachable() bool
}

// JobCollector exposes job store counters at scrape time rather than via
// instrumented counters, so restarts never lose totals.
type JobCollector struct {
	jobs   *models.JobStore
	health HealthSource

	jobsDesc            *prometheus.Desc
	activeFilesDesc     *prometheus.Desc
	bytesDownloadedDesc *prometheus.Desc
	apiReachableDesc    *prometheus.Desc
}

func NewJobCollector(jobs *models.JobStore, health HealthSource) *JobCollector {
	return &JobCollector{
		jobs:   jobs,
		health: health,

		jobsDesc: prometheus.NewDesc(
			"debridarr_jobs",
			"Number of jobs by state",
			[]string{"state"},
			nil,
		),
		activeFilesDesc: prometheus.NewDesc(
			"debridarr_active_file_downloads",
			"Number of file downloads currently in flight",
			nil,
			nil,
		),
		bytesDownloadedDesc: prometheus.NewDesc(
			"debridarr_bytes_downloaded_total",
			"Total bytes downloaded across all jobs",
			nil,
			nil,
		),
		apiReachableDesc: prometheus.NewDesc(
			"debridarr_api_reachable",
			"Whether the debrid API is reachable (1=yes, 0=no)",
			nil,
			nil,
		),
	}
}

func (c *JobCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsDesc
	ch <- c.activeFilesDesc
	ch <- c.bytesDownloadedDesc
	ch <- c.apiReachableDesc
}

func (c *JobCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := c.jobs.CountByState(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("metrics: cannot count jobs")
		return
	}
	for _, state := range []models.JobState{
		models.JobStateDiscovered, models.JobStateSubmitted,
		models.JobStateWaitingForCache, models.JobStateReady,
		models.JobStateDownloading, models.JobStateCompleted,
		models.JobStateFailed, models.JobStateAborted,
	} {
		ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue,
			float64(counts[state]), string(state))
	}

	if active, err := c.jobs.CountDownloadingFiles(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.activeFilesDesc, prometheus.GaugeValue, float64(active))
	} else {
		log.Debug().Err(err).Msg("metrics: cannot count active file downloads")
	}

	if total, err := c.jobs.TotalBytesDownloaded(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.bytesDownloadedDesc, prometheus.CounterValue, float64(total))
	} else {
		log.Debug().Err(err).Msg("metrics: cannot sum downloaded bytes")
	}

	if c.health != nil {
		reachable := 0.0
		if c.health.APIReachable() {
			reachable = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.apiReachableDesc, prometheus.GaugeValue, reachable)
	}
}
