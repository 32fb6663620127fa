package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/HyphaGroup/agentrelay/internal/agent"
)

// ErrMalformedMessage is returned for frames that are not a known message
var ErrMalformedMessage = errors.New("malformed message")

// MalformedError describes why a frame was rejected
type MalformedError struct {
	Detail string
}

func (e *MalformedError) Error() string {
	return "malformed message: " + e.Detail
}

// Unwrap lets errors.Is match ErrMalformedMessage
func (e *MalformedError) Unwrap() error {
	return ErrMalformedMessage
}

func malformed(format string, args ...any) error {
	return &MalformedError{Detail: fmt.Sprintf(format, args...)}
}

// Inbound message types
const (
	TypeUserMessage = "user_message"
	TypeInterrupt   = "interrupt"
	TypeCreateFile  = "create_file"
	TypeReadFile    = "read_file"
	TypeDeleteFile  = "delete_file"
	TypeListFiles   = "list_files"
)

// Outbound message types
const (
	TypeConnected  = "connected"
	TypeSDKMessage = "sdk_message"
	TypeError      = "error"
	TypeFileResult = "file_result"
)

// ErrorCode classifies error frames
type ErrorCode string

const (
	CodeAlreadyConnected     ErrorCode = "already_connected"
	CodeMalformedMessage     ErrorCode = "malformed_message"
	CodeSessionFailure       ErrorCode = "session_failure"
	CodeFileOperationFailure ErrorCode = "file_operation_failure"
	CodeInterruptFailure     ErrorCode = "interrupt_failure"
)

// Inbound is a decoded client frame. The set of kinds is closed: Visit
// dispatches to the matching InboundHandler method.
type Inbound interface {
	Visit(ctx context.Context, h InboundHandler)
	inbound()
}

// InboundHandler handles each inbound kind
type InboundHandler interface {
	HandleUserMessage(ctx context.Context, msg *UserMessage)
	HandleInterrupt(ctx context.Context, msg *Interrupt)
	HandleCreateFile(ctx context.Context, msg *CreateFile)
	HandleReadFile(ctx context.Context, msg *ReadFile)
	HandleDeleteFile(ctx context.Context, msg *DeleteFile)
	HandleListFiles(ctx context.Context, msg *ListFiles)
}

// UserMessage carries one conversation turn, forwarded to the engine as is
type UserMessage struct {
	Data json.RawMessage `json:"data"`
}

// Interrupt cancels the in-flight turn
type Interrupt struct{}

// CreateFile writes a file in the workspace
type CreateFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// ReadFile reads a file from the workspace
type ReadFile struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding,omitempty"`
}

// DeleteFile removes a file from the workspace
type DeleteFile struct {
	Path string `json:"path"`
}

// ListFiles lists a workspace directory; an empty path means the root
type ListFiles struct {
	Path string `json:"path,omitempty"`
}

func (m *UserMessage) Visit(ctx context.Context, h InboundHandler) { h.HandleUserMessage(ctx, m) }
func (m *Interrupt) Visit(ctx context.Context, h InboundHandler)   { h.HandleInterrupt(ctx, m) }
func (m *CreateFile) Visit(ctx context.Context, h InboundHandler)  { h.HandleCreateFile(ctx, m) }
func (m *ReadFile) Visit(ctx context.Context, h InboundHandler)    { h.HandleReadFile(ctx, m) }
func (m *DeleteFile) Visit(ctx context.Context, h InboundHandler)  { h.HandleDeleteFile(ctx, m) }
func (m *ListFiles) Visit(ctx context.Context, h InboundHandler)   { h.HandleListFiles(ctx, m) }

func (*UserMessage) inbound() {}
func (*Interrupt) inbound()   {}
func (*CreateFile) inbound()  {}
func (*ReadFile) inbound()    {}
func (*DeleteFile) inbound()  {}
func (*ListFiles) inbound()   {}

// envelope holds every inbound field so required ones can be checked for
// presence rather than zero value
type envelope struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Path     *string         `json:"path"`
	Content  *string         `json:"content"`
	Encoding string          `json:"encoding"`
}

// DecodeInbound parses a client frame. Errors are *MalformedError.
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("%v", err)
	}

	switch env.Type {
	case TypeUserMessage:
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return nil, missingField(env.Type, "data")
		}
		return &UserMessage{Data: env.Data}, nil
	case TypeInterrupt:
		return &Interrupt{}, nil
	case TypeCreateFile:
		if env.Path == nil {
			return nil, missingField(env.Type, "path")
		}
		if env.Content == nil {
			return nil, missingField(env.Type, "content")
		}
		return &CreateFile{Path: *env.Path, Content: *env.Content, Encoding: env.Encoding}, nil
	case TypeReadFile:
		if env.Path == nil {
			return nil, missingField(env.Type, "path")
		}
		return &ReadFile{Path: *env.Path, Encoding: env.Encoding}, nil
	case TypeDeleteFile:
		if env.Path == nil {
			return nil, missingField(env.Type, "path")
		}
		return &DeleteFile{Path: *env.Path}, nil
	case TypeListFiles:
		msg := &ListFiles{}
		if env.Path != nil {
			msg.Path = *env.Path
		}
		return msg, nil
	case "":
		return nil, malformed("missing type")
	default:
		return nil, malformed("unknown type %q", env.Type)
	}
}

func missingField(msgType, field string) error {
	return malformed("%s requires %s", msgType, field)
}

// ConnectedFrame acknowledges an accepted connection
type ConnectedFrame struct {
	Type string `json:"type"`
}

// SDKMessageFrame wraps one engine output event
type SDKMessageFrame struct {
	Type string             `json:"type"`
	Data *agent.StreamEvent `json:"data"`
}

// ErrorFrame reports a failure to the client
type ErrorFrame struct {
	Type  string    `json:"type"`
	Error string    `json:"error"`
	Code  ErrorCode `json:"code,omitempty"`
}

// FileResultFrame answers a file command
type FileResultFrame struct {
	Type      string `json:"type"`
	Operation string `json:"operation"`
	Result    any    `json:"result"`
	Encoding  string `json:"encoding,omitempty"`
}

// Connected returns the connection acknowledgement frame
func Connected() *ConnectedFrame {
	return &ConnectedFrame{Type: TypeConnected}
}

// SDKMessage wraps event for the client
func SDKMessage(event *agent.StreamEvent) *SDKMessageFrame {
	return &SDKMessageFrame{Type: TypeSDKMessage, Data: event}
}

// Error builds an error frame
func Error(code ErrorCode, message string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Error: message, Code: code}
}

// FileResult builds a file_result frame
func FileResult(operation string, result any, encoding string) *FileResultFrame {
	return &FileResultFrame{Type: TypeFileResult, Operation: operation, Result: result, Encoding: encoding}
}
