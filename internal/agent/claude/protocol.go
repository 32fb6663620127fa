// Package claude provides the Claude Code CLI engine runtime.
//
// protocol.go - stream-json communication layer
//
// This file contains:
// - Control request types (interrupt)
// - Request ID generation
// - Line encoding for stdin frames
//
// The CLI reads newline-delimited JSON on stdin: user messages are passed
// through verbatim and control requests are framed as
// {"type":"control_request","request_id":...,"request":{...}}.

package claude

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Control request subtypes
const (
	SubtypeInterrupt = "interrupt"
)

// ControlRequest is an out-of-band request written to the CLI's stdin
type ControlRequest struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody carries the control subtype
type ControlRequestBody struct {
	Subtype string `json:"subtype"`
}

// NewInterruptRequest builds an interrupt control request
func NewInterruptRequest(id int64) *ControlRequest {
	return &ControlRequest{
		Type:      "control_request",
		RequestID: GenerateRequestID(id),
		Request:   ControlRequestBody{Subtype: SubtypeInterrupt},
	}
}

// GenerateRequestID creates a unique request id from a sequence number
func GenerateRequestID(seq int64) string {
	return fmt.Sprintf("req_%d_%s", seq, uuid.New().String()[:8])
}

// encodeLine returns v as a single JSON line. Raw messages are compacted so
// embedded newlines cannot split a frame.
func encodeLine(v any) ([]byte, error) {
	var data []byte
	if raw, ok := v.(json.RawMessage); ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("invalid JSON frame: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal frame: %w", err)
		}
	}
	return append(data, '\n'), nil
}
