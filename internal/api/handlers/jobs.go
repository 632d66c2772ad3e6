// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/debridarr/debridarr/internal/domain"
	"github.com/debridarr/debridarr/internal/models"
	"github.com/debridarr/debridarr/internal/services/orchestrator"
)

type JobsHandler struct {
	jobs *models.JobStore
	orch *orchestrator.Service
}

func NewJobsHandler(jobs *models.JobStore, orch *orchestrator.Service) *JobsHandler {
	return &JobsHandler{
		jobs: jobs,
		orch: orch,
	}
}

func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/", h.ListActive)
	r.Get("/history", h.ListHistory)
	r.Get("/{jobID}", h.Get)
	r.Get("/{jobID}/events", h.Events)
	r.Post("/{jobID}/retry", h.Retry)
	r.Post("/{jobID}/abort", h.Abort)
}

// ListActive returns every non-terminal job with live file progress.
func (h *JobsHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.ListActive(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list active jobs")
		RespondError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*models.MagnetJob{}
	}

	RespondJSON(w, http.StatusOK, jobs)
}

// ListHistory returns terminal jobs, filterable by client and state.
func (h *JobsHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := ParsePagination(r, 50, 500)

	state := models.JobState(r.URL.Query().Get("state"))
	if state != "" && !state.Terminal() {
		RespondError(w, http.StatusBadRequest, "Invalid history state filter")
		return
	}

	jobs, err := h.jobs.ListHistory(r.Context(), models.HistoryFilter{
		Client: r.URL.Query().Get("client"),
		State:  state,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to list job history")
		RespondError(w, http.StatusInternalServerError, "Failed to list job history")
		return
	}
	if jobs == nil {
		jobs = []*models.MagnetJob{}
	}

	RespondJSON(w, http.StatusOK, jobs)
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseStringParam(w, r, "jobID", "job ID")
	if !ok {
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		RespondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("job", id).Msg("failed to load job")
		RespondError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	RespondJSON(w, http.StatusOK, job)
}

// Events returns the job's activity feed, newest first.
func (h *JobsHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseStringParam(w, r, "jobID", "job ID")
	if !ok {
		return
	}

	limit, _ := ParsePagination(r, 50, 100)
	events, err := h.jobs.ListEvents(r.Context(), id, limit)
	if err != nil {
		log.Error().Err(err).Str("job", id).Msg("failed to list job events")
		RespondError(w, http.StatusInternalServerError, "Failed to list job events")
		return
	}

	RespondJSON(w, http.StatusOK, events)
}

// Retry re-runs a failed job.
func (h *JobsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseStringParam(w, r, "jobID", "job ID")
	if !ok {
		return
	}

	job, err := h.orch.Retry(r.Context(), id)
	if err != nil {
		respondCommandError(w, id, "retry", err)
		return
	}

	RespondJSON(w, http.StatusOK, job)
}

// Abort cancels a non-terminal job and removes its files.
func (h *JobsHandler) Abort(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseStringParam(w, r, "jobID", "job ID")
	if !ok {
		return
	}

	job, err := h.orch.Abort(r.Context(), id)
	if err != nil {
		respondCommandError(w, id, "abort", err)
		return
	}

	RespondJSON(w, http.StatusOK, job)
}

func respondCommandError(w http.ResponseWriter, id, command string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		RespondError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, domain.ErrInvalidState):
		RespondError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Str("job", id).Str("command", command).Msg("job command failed")
		RespondError(w, http.StatusInternalServerError, "Failed to "+command+" job")
	}
}
