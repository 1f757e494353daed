package server

import "errors"

// Sentinel errors, meant to be checked with errors.Is.
var (
	// ErrAlreadyRunning is returned by Start if called on a Server that is
	// already running.
	ErrAlreadyRunning = errors.New("server: already running")

	// ErrNotRunning is returned by Stop/Close if called on a Server that
	// was never started or has already stopped.
	ErrNotRunning = errors.New("server: not running")

	// ErrInvalidAddress is returned by Start when the configured listen
	// address cannot be resolved to a bindable TCP address.
	ErrInvalidAddress = errors.New("server: invalid listen address")
)
