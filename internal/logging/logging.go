// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package logging installs the process wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ffutop/modbus-master/internal/config"
)

// ParseLevel maps a configured level name to a slog level. Unknown names
// are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler returns a text handler writing to w at the configured level.
func NewHandler(w io.Writer, cfg config.LogConfig) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(cfg.Level)})
}

// Setup sets the default logger from cfg. The returned closer releases the
// log file, if one was opened.
func Setup(cfg config.LogConfig) io.Closer {
	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
		} else {
			w, closer = f, f
		}
	}
	slog.SetDefault(slog.New(NewHandler(w, cfg)))
	return closer
}
