// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/debridarr/debridarr/internal/services/health"
)

type HealthHandler struct {
	health *health.Service
}

func NewHealthHandler(health *health.Service) *HealthHandler {
	return &HealthHandler{health: health}
}

// Get returns the combined health snapshot: API reachability, folder
// issues and job counts.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.health.Snapshot(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to build health snapshot")
		RespondError(w, http.StatusInternalServerError, "Failed to build health snapshot")
		return
	}

	RespondJSON(w, http.StatusOK, snapshot)
}
