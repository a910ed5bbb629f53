// Package logging provides the dependency-injected slog scoping convention
// used across rfr's components.
//
// Design principles:
//   - Logging is dependency-injected, never global.
//   - Each component owns its own scoped logger, set once at construction.
//   - If no logger is provided, a discard logger is used.
//   - Logging is sparse: no logging inside the record-append hot path,
//     only at lifecycle boundaries (open, close, rotate, flush, drop).
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger.
//
//	func New(cfg Config) *Thing {
//	    logger := logging.Default(cfg.Logger).With("component", "thing")
//	    return &Thing{logger: logger}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
