// Package dvlog centralises docvault's logging conventions around
// go.uber.org/zap. Every component that can log takes an optional *zap.Logger
// via a functional option and defaults to a no-op logger: the hot path
// (Cell.Get, Shard.List) never logs, and keyseq.Encrypt logs only when it
// rolls over to a new key; only slow or exceptional events are logged.
//
// © 2025 docvault authors. MIT License.
package dvlog

import "go.uber.org/zap"

// Nop returns a logger that discards everything. Used as the default when no
// logger option is supplied.
func Nop() *zap.Logger { return zap.NewNop() }

// Or returns l if non-nil, else a no-op logger. Keeps call sites from having
// to nil-check a possibly-unset logger field.
func Or(l *zap.Logger) *zap.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
