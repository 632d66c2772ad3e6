// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package buildinfo exposes version metadata injected at build time.
package buildinfo

import (
	"encoding/json"
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// UserAgent identifies outgoing requests to the remote debrid service.
var UserAgent string

func init() {
	UserAgent = fmt.Sprintf("debridarr/%s (%s %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a human-readable multi-line version summary.
func String() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuild date: %s\nGo: %s %s/%s",
		Version, Commit, Date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// JSON returns the version metadata as a JSON document.
func JSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
		"go":      runtime.Version(),
	})
}
