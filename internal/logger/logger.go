// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package logger configures the global zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/debridarr/debridarr/internal/domain"
)

// Setup initializes the global logger from config. When logPath is set,
// output goes to a size-rotated file; otherwise to a console writer on
// stderr. Safe to call again on config reload.
func Setup(cfg *domain.Config) {
	zerolog.TimeFieldFormat = time.RFC3339

	level := parseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.LogPath != "" {
		maxSize := cfg.LogMaxSize
		if maxSize <= 0 {
			maxSize = 50
		}
		maxBackups := cfg.LogMaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		out = &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	log.Debug().Str("level", level.String()).Msg("logger configured")
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "", "INFO":
		return zerolog.InfoLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
