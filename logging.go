// Package-level configuration for structured logging.
//
// The package logs through the logiface facade so embedders can plug in any
// backend (slog, zerolog, ...) via a logiface adapter. The default is a nil
// logger, which disables all output; logiface builders are nil-safe, so call
// sites chain unconditionally and pay only an atomic load when logging is
// off. Level filtering belongs to the facade.

package ael

import (
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

var pkgLogger atomic.Pointer[logiface.Logger[logiface.Event]]

// SetLogger sets the package-wide structured logger. A nil logger disables
// all output. Safe to call from any goroutine, at any time.
func SetLogger(l *logiface.Logger[logiface.Event]) {
	pkgLogger.Store(l)
}

// logger returns the current package logger, which may be nil.
func logger() *logiface.Logger[logiface.Event] {
	return pkgLogger.Load()
}
