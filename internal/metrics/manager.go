// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes job and health gauges on a dedicated registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/debridarr/debridarr/internal/models"
)

type Manager struct {
	registry     *prometheus.Registry
	jobCollector *JobCollector
}

func NewManager(jobs *models.JobStore, health HealthSource) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	jobCollector := NewJobCollector(jobs, health)
	registry.MustRegister(jobCollector)

	log.Debug().Msg("metrics: registry initialized")

	return &Manager{
		registry:     registry,
		jobCollector: jobCollector,
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
