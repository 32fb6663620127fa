// Package agent provides the agent engine abstraction layer.
//
// executor.go - StreamingExecutor interface definition
//
// This file contains:
// - StreamingExecutor interface for a running duplex session
//
// Implementations must deliver a terminal error on Errors() before closing
// Events(), so a consumer that sees Events() close can tell a failure from a
// clean end with a non-blocking receive on Errors().

package agent

// StreamingExecutor manages a running engine session
type StreamingExecutor interface {
	// Interrupt cancels the in-flight turn; the session keeps running
	Interrupt() error

	// Events returns a channel for receiving stream events
	Events() <-chan *StreamEvent

	// Errors returns a channel for receiving the terminal error, if any
	Errors() <-chan error

	// Done returns a channel that closes when the session finishes
	Done() <-chan struct{}

	// Close shuts down the session
	Close() error

	// RuntimeSessionID returns the engine's session identifier once known
	RuntimeSessionID() string

	// IsClosed returns whether the executor has been closed
	IsClosed() bool
}
