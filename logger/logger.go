// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package logger builds the service's zerolog logger
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/sprucehealth/voicerouter/config"
)

// New creates a logger writing to stdout, with errors and above also
// split to stderr in console mode.
func New(cfg config.Log) zerolog.Logger {
	return NewWithWriters(cfg, os.Stdout, os.Stderr)
}

// NewWithWriters creates a logger writing to out, and errors to errOut when
// the format is console.
func NewWithWriters(cfg config.Log, out, errOut io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var w io.Writer = out
	if cfg.Format != "json" {
		w = zerolog.MultiLevelWriter(
			SpecificLevelWriter{
				Writer: zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339},
				Levels: []zerolog.Level{
					zerolog.TraceLevel, zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel,
				},
			},
			SpecificLevelWriter{
				Writer: zerolog.ConsoleWriter{Out: errOut, TimeFormat: time.RFC3339},
				Levels: []zerolog.Level{
					zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel,
				},
			},
		)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "voicerouter").Logger()
}

// SpecificLevelWriter forwards only the listed levels
type SpecificLevelWriter struct {
	io.Writer
	Levels []zerolog.Level
}

func (w SpecificLevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	for _, l := range w.Levels {
		if l == level {
			return w.Write(p)
		}
	}
	return len(p), nil
}
