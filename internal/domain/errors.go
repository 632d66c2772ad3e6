// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "errors"

// Error kinds shared across the engine. Components wrap these with %w so
// callers can classify failures with errors.Is regardless of where they
// originated.
var (
	// ErrValidation marks malformed magnet content. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrTransient marks network / 5xx / rate-limit failures. Retried with
	// backoff up to a bound before a job is failed.
	ErrTransient = errors.New("transient error")
	// ErrRejected marks a magnet the remote service permanently refuses.
	ErrRejected = errors.New("rejected by remote service")
	// ErrIO marks local disk failures. Fatal to the affected file and job.
	ErrIO = errors.New("io error")
	// ErrCancelled marks an abort in progress. Resolves to Aborted, not Failed.
	ErrCancelled = errors.New("cancelled")

	// ErrNotFound is returned by command operations for unknown job IDs.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when a command is not legal for the
	// job's current state (retry on non-failed, abort on terminal).
	ErrInvalidState = errors.New("invalid state")
)
