// Package logging holds a package-level structured logger shared by every
// component of the cache server: logging is a cross-cutting infrastructure
// concern, so a package-level logger avoids threading one through every
// constructor. The default logger has no writer configured, so every call
// is a safe no-op until a caller opts in with SetLogger.
package logging

import (
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type used throughout this module: a
// logiface.Logger parameterized over stumpy's JSON event.
type Logger = logiface.Logger[*stumpy.Event]

// Log category names, attached to every entry's "category" field.
const (
	CategoryAccept       = "accept"
	CategoryConn         = "conn"
	CategoryBackpressure = "backpressure"
	CategoryShutdown     = "shutdown"
)

var global struct {
	sync.RWMutex
	logger *Logger
}

func init() {
	// A Logger with no writer configured treats every Build/Log call as a
	// no-op; Builder methods are documented safe on a nil receiver.
	global.logger = logiface.New[*stumpy.Event]()
}

// SetLogger installs the package-wide logger. Passing nil restores the
// no-op default.
func SetLogger(l *Logger) {
	global.Lock()
	defer global.Unlock()
	if l == nil {
		l = logiface.New[*stumpy.Event]()
	}
	global.logger = l
}

// NewStumpyLogger is a convenience constructor wiring stumpy as the JSON
// writer backend, matching this module's default production configuration.
func NewStumpyLogger(options ...stumpy.Option) *Logger {
	return stumpy.L.New(stumpy.L.WithStumpy(options...))
}

// Get returns the current package-wide logger.
func Get() *Logger {
	global.RLock()
	defer global.RUnlock()
	return global.logger
}
