// Package idbroker provides the broker's top-level logger construction
// helpers, shared by cmd/idbrokerd.
//
// Grounded on the teacher's own options.go (WithPhusLogger/WithTextLogger
// functional-options style), retargeted here as plain constructors since
// idbrokerd has no App/core.Option abstraction to thread options through.
package idbroker

import (
	"log/slog"
	"os"

	phuslog "github.com/phuslu/log"
)

// DefaultLoggerOptions mirrors the teacher's own slog defaults: info
// level, timestamps stripped (the broker's log shipper adds its own).
var DefaultLoggerOptions = &slog.HandlerOptions{
	Level: slog.LevelInfo,
	ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey {
			return slog.Attr{}
		}
		return a
	},
}

// NewJSONLogger builds a slog.Logger backed by phuslu/log's JSON handler,
// the teacher's own structured-logging library. Uses DefaultLoggerOptions
// if opts is nil.
func NewJSONLogger(opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = DefaultLoggerOptions
	}
	return slog.New(phuslog.SlogNewJSONHandler(os.Stderr, opts))
}

// NewTextLogger builds a slog.Logger with the standard library's text
// handler, for local/interactive runs.
func NewTextLogger(opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = DefaultLoggerOptions
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
