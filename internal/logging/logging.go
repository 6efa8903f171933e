// Package logging wires the harness's zap logger and a handful of
// helpers used by components that may be constructed before a real
// logger exists (package-level defaults, tests).
package logging

import "go.uber.org/zap"

// New builds a production zap logger, or a development one when verbose
// is set, matching the teacher's cmd/nerd bootstrap.
func New(verbose bool) (*zap.Logger, error) {
	if verbose {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	return cfg.Build()
}

// Nop returns a logger that discards everything, for components built
// in tests or before the real logger is wired in.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// OrNop returns l if non-nil, otherwise a no-op logger. Every component
// constructor in this module calls this on its injected logger so a
// nil *zap.Logger never panics.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
