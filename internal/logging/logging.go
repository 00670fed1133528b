// Package logging builds the process logger from configuration.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"dealline/internal/config"
)

type Config struct {
	Level   string
	Format  string
	Service string
	Output  io.Writer
}

// FromConfig maps the log section of dealline.yml.
func FromConfig(cfg *config.Config) Config {
	if cfg == nil {
		return Config{}
	}
	return Config{Level: cfg.Log.Level, Format: cfg.Log.Format}
}

// New returns a JSON logger, or a console logger when Format is "console".
// An unknown or empty level means info.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	service := cfg.Service
	if service == "" {
		service = "dealline"
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", service).Logger()
}
