// Package agent provides the agent engine abstraction layer.
//
// types.go - Shared types for engine communication
//
// This file contains:
// - StreamEventType and StreamEvent for engine output
// - ParseStreamEvent for decoding one line of engine output
//
// Events are opaque to the relay: the raw JSON produced by the engine is
// kept verbatim and forwarded to the client. Only the envelope fields are
// decoded for routing and logging.

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StreamEventType represents the type of an engine output event
type StreamEventType string

const (
	StreamEventSystem    StreamEventType = "system"
	StreamEventAssistant StreamEventType = "assistant"
	StreamEventUser      StreamEventType = "user"
	StreamEventResult    StreamEventType = "result"
	StreamEventPartial   StreamEventType = "stream_event"

	// Control frames answer control requests and never reach the client
	StreamEventControlRequest  StreamEventType = "control_request"
	StreamEventControlResponse StreamEventType = "control_response"
)

// ErrMissingType is returned for engine output without a type field
var ErrMissingType = errors.New("event has no type")

// StreamEvent is a single event produced by the engine
type StreamEvent struct {
	Type      StreamEventType
	Subtype   string
	SessionID string
	Timestamp int64

	// Raw is the event exactly as the engine produced it
	Raw json.RawMessage
}

type eventEnvelope struct {
	Type      StreamEventType `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// ParseStreamEvent decodes the envelope of one JSON line of engine output
func ParseStreamEvent(line []byte) (*StreamEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	raw := make(json.RawMessage, len(line))
	copy(raw, line)

	return &StreamEvent{
		Type:      env.Type,
		Subtype:   env.Subtype,
		SessionID: env.SessionID,
		Timestamp: time.Now().UnixMilli(),
		Raw:       raw,
	}, nil
}

// IsControl reports whether the event belongs to the control protocol
func (e *StreamEvent) IsControl() bool {
	return e.Type == StreamEventControlRequest || e.Type == StreamEventControlResponse
}

// MarshalJSON emits the raw engine event
func (e *StreamEvent) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	return json.Marshal(eventEnvelope{Type: e.Type, Subtype: e.Subtype, SessionID: e.SessionID})
}

// userTurn is the stream-json user message the engine reads on stdin
type userTurn struct {
	Type            string          `json:"type"`
	SessionID       string          `json:"session_id"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Message         userTurnMessage `json:"message"`
}

type userTurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserTurn builds a plain-text user turn
func NewUserTurn(text string) json.RawMessage {
	data, _ := json.Marshal(userTurn{
		Type:    "user",
		Message: userTurnMessage{Role: "user", Content: text},
	})
	return data
}
