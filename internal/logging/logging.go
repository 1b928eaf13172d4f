// Package logging builds the structured loggers used across graphmat.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Options configures a logger.
type Options struct {
	// Verbose enables debug output.
	Verbose bool

	// Quiet limits output to warnings and errors.
	Quiet bool

	// Writer receives log output. Defaults to stderr.
	Writer io.Writer

	// Prefix is printed before every message.
	Prefix string
}

// New creates a levelled logger with timestamps.
func New(opts Options) *log.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	level := log.InfoLevel
	switch {
	case opts.Verbose:
		level = log.DebugLevel
	case opts.Quiet:
		level = log.WarnLevel
	}

	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Level:           level,
		Prefix:          opts.Prefix,
	})
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}
