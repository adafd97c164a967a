package domain

import "errors"

var (
	// ErrNotConnected rejects a command attempted on a disconnected
	// terminal; the command is never sent.
	ErrNotConnected = errors.New("terminal not connected")
	// ErrTimeout rejects a command whose reply did not arrive within the
	// terminal's deadline.
	ErrTimeout = errors.New("command timed out")
	// ErrNotFound signals a missing store record.
	ErrNotFound = errors.New("not found")
	// ErrNoTerminal signals that no eligible terminal exists for an
	// activity; the item is dropped without being persisted.
	ErrNoTerminal = errors.New("no terminal available")
	// ErrCountryCodeUnset signals that operator resolution has no country
	// code to work with.
	ErrCountryCodeUnset = errors.New("country code is not set")
)
