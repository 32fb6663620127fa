// Package workspace runs file commands against the agent workspace root.
package workspace

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/HyphaGroup/agentrelay/internal/audit"
	"github.com/HyphaGroup/agentrelay/internal/logger"
	"github.com/HyphaGroup/agentrelay/internal/metrics"
	"github.com/HyphaGroup/agentrelay/internal/validation"
)

var (
	// ErrOutsideWorkspace is returned for paths that resolve outside the root
	ErrOutsideWorkspace = errors.New("path is outside the workspace")

	// ErrUnsupportedEncoding is returned for encodings other than utf-8 and base64
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
)

// Encoding is the content encoding of a file command
type Encoding string

const (
	EncodingUTF8   Encoding = "utf-8"
	EncodingBase64 Encoding = "base64"
)

// Operation names as they appear in file_result frames
const (
	OpCreateFile = "create_file"
	OpReadFile   = "read_file"
	OpDeleteFile = "delete_file"
	OpListFiles  = "list_files"
)

// ParseEncoding maps a wire encoding tag to an Encoding. Empty means utf-8.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "", "utf-8", "utf8":
		return EncodingUTF8, nil
	case "base64":
		return EncodingBase64, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedEncoding, s)
	}
}

// Dispatcher executes file commands under a fixed root. It holds no
// per-call state, so commands may run concurrently with conversation turns.
type Dispatcher struct {
	root  string
	audit *audit.Logger
}

// NewDispatcher creates a dispatcher rooted at root. A nil audit logger
// uses audit.Default().
func NewDispatcher(root string, auditLog *audit.Logger) (*Dispatcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if auditLog == nil {
		auditLog = audit.Default()
	}
	return &Dispatcher{root: filepath.Clean(abs), audit: auditLog}, nil
}

// Root returns the absolute workspace root
func (d *Dispatcher) Root() string {
	return d.root
}

// EnsureRoot creates the workspace root if it does not exist
func (d *Dispatcher) EnsureRoot() error {
	return os.MkdirAll(d.root, 0o755)
}

// Resolve maps a command path to an absolute path inside the root.
// Absolute paths are taken as already resolved; "." and "" mean the root.
func (d *Dispatcher) Resolve(path string) (string, error) {
	var target string
	switch {
	case path == "" || path == ".":
		target = d.root
	case filepath.IsAbs(path):
		target = path
	default:
		target = filepath.Join(d.root, path)
	}

	resolved, err := validation.ContainedPath(d.root, target)
	if err != nil {
		if errors.Is(err, validation.ErrOutsideRoot) {
			return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
		}
		return "", err
	}
	return resolved, nil
}

// CreateFile writes content to path, replacing any existing file. The parent
// directory must already exist.
func (d *Dispatcher) CreateFile(ctx context.Context, path, content, encoding string) (err error) {
	defer func() { d.record(ctx, audit.OpFileCreate, OpCreateFile, path, err) }()

	enc, err := ParseEncoding(encoding)
	if err != nil {
		return err
	}
	target, err := d.Resolve(path)
	if err != nil {
		return err
	}

	data := []byte(content)
	if enc == EncodingBase64 {
		data, err = base64.StdEncoding.DecodeString(content)
		if err != nil {
			return fmt.Errorf("invalid base64 content: %w", err)
		}
	}

	return os.WriteFile(target, data, 0o644)
}

// ReadFile returns the contents of path in the requested encoding. Invalid
// UTF-8 sequences are replaced with U+FFFD in utf-8 mode.
func (d *Dispatcher) ReadFile(ctx context.Context, path, encoding string) (content string, enc Encoding, err error) {
	defer func() { d.record(ctx, audit.OpFileRead, OpReadFile, path, err) }()

	enc, err = ParseEncoding(encoding)
	if err != nil {
		return "", "", err
	}
	target, err := d.Resolve(path)
	if err != nil {
		return "", "", err
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return "", "", err
	}
	if enc == EncodingBase64 {
		return base64.StdEncoding.EncodeToString(data), enc, nil
	}
	return strings.ToValidUTF8(string(data), "�"), enc, nil
}

// DeleteFile removes a file or an empty directory
func (d *Dispatcher) DeleteFile(ctx context.Context, path string) (err error) {
	defer func() { d.record(ctx, audit.OpFileDelete, OpDeleteFile, path, err) }()

	target, err := d.Resolve(path)
	if err != nil {
		return err
	}
	if target == d.root {
		return fmt.Errorf("cannot delete the workspace root")
	}
	return os.Remove(target)
}

// ListFiles returns the names of the direct entries of path, sorted by name
func (d *Dispatcher) ListFiles(ctx context.Context, path string) (names []string, err error) {
	defer func() { d.record(ctx, audit.OpFileList, OpListFiles, path, err) }()

	target, err := d.Resolve(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return nil, err
	}
	names = make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func (d *Dispatcher) record(ctx context.Context, op audit.Operation, name, path string, err error) {
	status := "success"
	if err != nil {
		status = "error"
		logger.WarnContext(ctx, "file operation failed", "operation", name, "path", path, "error", err)
	}
	metrics.RecordFileOperation(name, status)

	event := &audit.Event{
		Operation:    op,
		ConnectionID: logger.ConnectionID(ctx),
		Path:         path,
		Success:      err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	d.audit.Log(event)
}
