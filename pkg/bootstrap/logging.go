// Package bootstrap wires the ambient stack (logging, storage, the domain
// services) into a running process. It is the only package that knows how
// to construct every other package's concrete implementation; cmd/branchroomd
// calls into it instead of doing the wiring inline.
package bootstrap

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggingConfig controls the root logger NewLogger builds, adapted from
// _examples/telnet2-opencode/go-opencode/internal/logging/logging.go's
// Config (console + optional file multi-writer, configurable level) into
// the teacher's plain zerolog.Logger value style rather than a package
// global.
type LoggingConfig struct {
	Level  string
	Pretty bool
	Output io.Writer
}

// NewLogger builds the process's root zerolog.Logger. Component loggers are
// derived from it with logger.With().Str("component", name).Logger(),
// matching the constructors in pkg/convops, pkg/generation, and
// pkg/transport.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
