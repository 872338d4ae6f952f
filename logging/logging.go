// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the level, encoding and destination of log output
type Config struct {
	// Level is a zerolog level name: trace, debug, info, warn, error
	Level string `yaml:"level" json:"level"`
	// Format is json or console
	Format string `yaml:"format" json:"format"`
	// Output is stdout, stderr or a file path
	Output string `yaml:"output" json:"output"`
	// Caller adds file:line to every event
	Caller bool `yaml:"caller" json:"caller"`
}

// DefaultConfig logs info and above as JSON to stdout
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Output: "stdout"}
}

// Validate checks that the level and format are known
func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger tagged with app. The closer releases the output
// file, if any, and must be called on shutdown.
func New(cfg Config, app string) (zerolog.Logger, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return zerolog.Nop(), nil, err
	}
	level, _ := zerolog.ParseLevel(strings.ToLower(cfg.Level))

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "02/01 15:04:05"}
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if app != "" {
		ctx = ctx.Str("app", app)
	}
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger(), closer, nil
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
}
