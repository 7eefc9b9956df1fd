// Package log provides the structured logger used across the framework.
// It is a thin nil-safe wrapper around go.uber.org/zap so that Server,
// Client, and Conn never need to guard against a missing logger.
package log

import "go.uber.org/zap"

// Nop returns a logger that discards everything, used whenever a caller
// does not supply one.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// OrNop returns l if non-nil, otherwise a discarding logger.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
