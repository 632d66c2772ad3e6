// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/debridarr/debridarr/internal/domain"
	"github.com/debridarr/debridarr/internal/services/scanner"
)

type FoldersHandler struct {
	cfg     func() *domain.Config
	scanner *scanner.Service
}

func NewFoldersHandler(cfg func() *domain.Config, scanner *scanner.Service) *FoldersHandler {
	return &FoldersHandler{
		cfg:     cfg,
		scanner: scanner,
	}
}

// Counts returns the number of files in every configured folder, keyed by
// client and folder role.
func (h *FoldersHandler) Counts(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]map[string]int)
	for _, client := range h.cfg().SortedClients() {
		roles := make(map[string]int, 4)
		for _, folder := range client.Folders() {
			roles[folder.Role] = countFiles(folder.Path)
		}
		counts[client.Name] = roles
	}

	RespondJSON(w, http.StatusOK, counts)
}

// CleanupResponse reports the outcome of an orphan cleanup run.
type CleanupResponse struct {
	Client  string `json:"client"`
	Removed int    `json:"removed"`
}

// Cleanup removes leftover files in a client's working folders that no
// active job owns.
func (h *FoldersHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	name, ok := ParseStringParam(w, r, "client", "client name")
	if !ok {
		return
	}

	client, found := h.cfg().Client(name)
	if !found {
		RespondError(w, http.StatusNotFound, "Unknown download client")
		return
	}

	removed, err := h.scanner.Cleanup(r.Context(), client)
	if err != nil {
		log.Error().Err(err).Str("client", name).Msg("folder cleanup failed")
		RespondError(w, http.StatusInternalServerError, "Failed to clean up folders")
		return
	}

	RespondJSON(w, http.StatusOK, CleanupResponse{Client: name, Removed: removed})
}

func countFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			count++
		}
	}
	return count
}
