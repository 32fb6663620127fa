// Package agent provides the agent engine abstraction layer.
//
// runtime.go - Runtime interface definition
//
// This file contains:
// - Runtime interface for engine backends
// - TurnSource, the lazy input sequence a session drains

package agent

import (
	"context"
	"encoding/json"
)

// TurnSource yields conversation turns in order. Next blocks until a turn is
// available and returns an error only when ctx is done.
type TurnSource interface {
	Next(ctx context.Context) (json.RawMessage, error)
}

// Runtime is the interface for engine backends
type Runtime interface {
	// Open starts a duplex session that drains input and streams events.
	// The session lives until it fails, ends, or is closed.
	Open(ctx context.Context, input TurnSource, opts *Options) (StreamingExecutor, error)

	// Ping checks if the runtime is available
	Ping(ctx context.Context) error

	// Close releases any resources held by the runtime
	Close() error

	// Name identifies the runtime in logs
	Name() string
}
