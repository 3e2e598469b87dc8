// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package log owns the process-wide zerolog logger. Daemons call Configure
// once after loading config; everything else derives children through
// WithComponent or the context helpers.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config is applied by the first Configure call. Zero fields fall back to
// the LOG_* environment variables, then to defaults.
type Config struct {
	Level   string    // zerolog level name, default "info"
	Format  string    // "json" (default) or "console"
	Output  io.Writer // defaults to os.Stdout
	Service string    // service field stamped on every entry
	Version string    // version field, omitted when empty
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure installs the global logger. Only the first call wins; later
// calls are no-ops, so a package that logs before main configures locks in
// the defaults for the rest of the process.
func Configure(cfg Config) {
	once.Do(func() { base = newLogger(cfg) })
}

func newLogger(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(resolveLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	format := cfg.Format
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		if service = os.Getenv("LOG_SERVICE"); service == "" {
			service = "panorec"
		}
	}

	ctx := zerolog.New(out).With().Timestamp().Str("service", service)
	if cfg.Version != "" {
		ctx = ctx.Str("version", cfg.Version)
	}
	return ctx.Logger()
}

func resolveLevel(name string) zerolog.Level {
	if name == "" {
		name = os.Getenv("LOG_LEVEL")
	}
	if name != "" {
		if lv, err := zerolog.ParseLevel(name); err == nil {
			return lv
		}
	}
	return zerolog.InfoLevel
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the process logger, installing defaults if Configure has
// not run yet.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent derives a child logger tagged with the subsystem name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}

// Derive builds a child logger with caller-chosen fields.
func Derive(build func(*zerolog.Context)) zerolog.Logger {
	ctx := logger().With()
	if build != nil {
		build(&ctx)
	}
	return ctx.Logger()
}
