// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. Used by NewConnectionLogger to write simultaneously to the
// global handler and a connection's dedicated debug log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Checks each handler's Enabled() individually so DEBUG records aren't
	// sent to the primary handler when it only accepts INFO or above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the connection log must not block the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewConnectionLogger creates a logger that writes to both the base (global)
// logger and a dedicated file for one RDT connection, at:
//
//	{connectionLogDir}/{connectionID}.log
//
// Returns the enriched logger, an io.Closer for the connection's log file,
// and its path (absolute only when connectionLogDir is). The Closer MUST be called (defer) when the
// connection closes.
//
// If connectionLogDir is empty, returns the base logger unmodified (no-op).
func NewConnectionLogger(baseLogger *slog.Logger, connectionLogDir string, connectionID uint64) (*slog.Logger, io.Closer, string, error) {
	if connectionLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	if err := os.MkdirAll(connectionLogDir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating connection log directory %s: %w", connectionLogDir, err)
	}

	logPath := filepath.Join(connectionLogDir, fmt.Sprintf("%d.log", connectionID))
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening connection log file %s: %w", logPath, err)
	}

	// The connection log always uses JSON at DEBUG level for maximum capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveConnectionLog deletes a closed connection's log file. No-op if
// connectionLogDir is empty or the file doesn't exist.
func RemoveConnectionLog(connectionLogDir string, connectionID uint64) {
	if connectionLogDir == "" {
		return
	}
	logPath := filepath.Join(connectionLogDir, fmt.Sprintf("%d.log", connectionID))
	os.Remove(logPath)
}
