// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging wires log/slog with rotation for unattended node
// operation: logs rotate by size rather than growing unbounded, the way a
// long-running validator/RPC process needs.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
)

// Rotation tunes the log file's rotation policy. Zero values fall back to
// sane unattended-node defaults.
type Rotation struct {
	MaxSizeMB  int // default 100
	MaxBackups int // default 5
	MaxAgeDays int // default 28
	Compress   bool
}

func (r Rotation) withDefaults() Rotation {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 100
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 5
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = 28
	}
	return r
}

// NewLogger builds a slog.Logger configured with the given level, format,
// and output. Formats: "json" (default) and "text". Levels: "debug",
// "info" (default), "warn", "error". If filePath is non-empty, logs go to
// stdout and a rotating file (via lumberjack); an empty filePath logs to
// stdout only. The returned io.Closer must be called on shutdown (a no-op
// when filePath is empty).
func NewLogger(level, format, filePath string, rotation Rotation) (*slog.Logger, io.Closer) {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		rot := rotation.withDefaults()
		lj := &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    rot.MaxSizeMB,
			MaxBackups: rot.MaxBackups,
			MaxAge:     rot.MaxAgeDays,
			Compress:   rot.Compress,
		}
		w = io.MultiWriter(os.Stdout, lj)
		closer = lj
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
