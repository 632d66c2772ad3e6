// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package health probes the remote debrid service and the configured
// blackhole folders on a fixed cadence.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/debridarr/debridarr/internal/debrid"
	"github.com/debridarr/debridarr/internal/domain"
	"github.com/debridarr/debridarr/internal/models"
)

// APIProber is the slice of the debrid client the monitor needs.
type APIProber interface {
	User(ctx context.Context) error
}

// Issue is one actionable problem with a suggested fix.
type Issue struct {
	Message  string `json:"message"`
	Solution string `json:"solution"`
}

// Snapshot is the combined health view served by the API.
type Snapshot struct {
	Healthy      bool                    `json:"healthy"`
	APIReachable bool                    `json:"apiReachable"`
	LastContact  *time.Time              `json:"lastContact,omitempty"`
	CheckedAt    time.Time               `json:"checkedAt"`
	Jobs         map[models.JobState]int `json:"jobs"`
	Issues       []Issue                 `json:"issues"`
}

// Service runs the periodic probe and caches its result. Job counts are
// read fresh from the store on every Snapshot call.
type Service struct {
	cfg    func() *domain.Config
	prober APIProber
	jobs   *models.JobStore

	mu           sync.RWMutex
	apiReachable bool
	lastContact  *time.Time
	checkedAt    time.Time
	issues       []Issue
}

// New creates a health monitor.
func New(cfg func() *domain.Config, prober APIProber, jobs *models.JobStore) *Service {
	return &Service{cfg: cfg, prober: prober, jobs: jobs}
}

// Start probes immediately, then on the configured interval until ctx is
// cancelled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		s.Probe(ctx)

		ticker := time.NewTicker(s.cfg().HealthInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ticker.Reset(s.cfg().HealthInterval())
				s.Probe(ctx)
			}
		}
	}()
}

// Probe runs one full check pass and caches the result.
func (s *Service) Probe(ctx context.Context) {
	cfg := s.cfg()
	now := time.Now().UTC()
	issues := []Issue{}

	reachable := true
	err := s.prober.User(ctx)
	switch {
	case err == nil:
	case errors.Is(err, debrid.ErrUnauthorized):
		reachable = false
		issues = append(issues, Issue{
			Message:  "debrid API token rejected",
			Solution: "check debridApiToken in the configuration file",
		})
	default:
		reachable = false
		issues = append(issues, Issue{
			Message:  fmt.Sprintf("debrid API unreachable: %v", err),
			Solution: "check network connectivity and service status",
		})
	}

	for _, client := range cfg.SortedClients() {
		for _, folder := range client.Folders() {
			if issue, ok := checkFolder(client.Name, folder); !ok {
				issues = append(issues, issue)
			}
		}
	}

	s.mu.Lock()
	s.apiReachable = reachable
	if reachable {
		s.lastContact = &now
	}
	s.checkedAt = now
	s.issues = issues
	s.mu.Unlock()

	if len(issues) > 0 {
		log.Warn().Int("issues", len(issues)).Bool("api_reachable", reachable).Msg("health: problems detected")
	} else {
		log.Debug().Msg("health: all checks passed")
	}
}

// checkFolder verifies that a configured folder exists, is a directory and
// is writable.
func checkFolder(client string, folder domain.ClientFolder) (Issue, bool) {
	info, err := os.Stat(folder.Path)
	if err != nil {
		return Issue{
			Message:  fmt.Sprintf("client %s: %s folder %s does not exist", client, folder.Role, folder.Path),
			Solution: "create the folder or fix the path in the configuration file",
		}, false
	}
	if !info.IsDir() {
		return Issue{
			Message:  fmt.Sprintf("client %s: %s path %s is not a directory", client, folder.Role, folder.Path),
			Solution: "point the configuration at a directory",
		}, false
	}

	probe, err := os.CreateTemp(folder.Path, ".debridarr-health-*")
	if err != nil {
		return Issue{
			Message:  fmt.Sprintf("client %s: %s folder %s is not writable", client, folder.Role, folder.Path),
			Solution: "fix the folder permissions for the debridarr user",
		}, false
	}
	probe.Close()
	os.Remove(probe.Name())
	return Issue{}, true
}

// APIReachable reports the last probe's view of the remote service. The
// orchestrator holds new submissions while this is false.
func (s *Service) APIReachable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apiReachable
}

// Snapshot combines the cached probe result with fresh job counts.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	counts, err := s.jobs.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	issues := make([]Issue, len(s.issues))
	copy(issues, s.issues)

	return &Snapshot{
		Healthy:      s.apiReachable && len(issues) == 0,
		APIReachable: s.apiReachable,
		LastContact:  s.lastContact,
		CheckedAt:    s.checkedAt,
		Jobs:         counts,
		Issues:       issues,
	}, nil
}
