// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"time"
)

// JobEvent is one log-equivalent entry in a job's activity feed.
type JobEvent struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"jobId"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// eventRetention is the number of events kept per job; older entries are
// pruned on insert.
const eventRetention = 100

// RecordEvent appends an event to a job's feed and prunes entries beyond
// the retention cap.
func (s *JobStore) RecordEvent(ctx context.Context, jobID, level, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, level, message, created_at) VALUES (?, ?, ?, ?)
	`, jobID, level, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM job_events
		WHERE job_id = ? AND id NOT IN (
			SELECT id FROM job_events WHERE job_id = ? ORDER BY id DESC LIMIT ?
		)
	`, jobID, jobID, eventRetention)
	if err != nil {
		return fmt.Errorf("prune job events: %w", err)
	}
	return nil
}

// ListEvents returns the last limit events for a job, newest first.
func (s *JobStore) ListEvents(ctx context.Context, jobID string, limit int) ([]JobEvent, error) {
	if limit <= 0 || limit > eventRetention {
		limit = eventRetention
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, level, message, created_at
		FROM job_events WHERE job_id = ?
		ORDER BY id DESC LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	events := []JobEvent{}
	for rows.Next() {
		var ev JobEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Level, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
