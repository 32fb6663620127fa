package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// WorkspaceParams is the params struct for the workspace tool
type WorkspaceParams struct {
	Action   string `json:"action" jsonschema:"one of list, read, write, delete"`
	Path     string `json:"path,omitempty" jsonschema:"path relative to the workspace root"`
	Content  string `json:"content,omitempty" jsonschema:"file content for write"`
	Encoding string `json:"encoding,omitempty" jsonschema:"utf-8 (default) or base64"`
}

var workspaceActions = []string{"list", "read", "write", "delete"}

func (s *Server) handleWorkspace(ctx context.Context, request *mcp.CallToolRequest, params *WorkspaceParams) (*mcp.CallToolResult, any, error) {
	if params.Action == "" {
		return nil, nil, missingActionError("workspace", workspaceActions)
	}

	switch params.Action {
	case "list":
		return s.handleWorkspaceList(ctx, params)
	case "read":
		return s.handleWorkspaceRead(ctx, params)
	case "write":
		return s.handleWorkspaceWrite(ctx, params)
	case "delete":
		return s.handleWorkspaceDelete(ctx, params)
	default:
		return nil, nil, actionError("workspace", params.Action, workspaceActions)
	}
}

func (s *Server) handleWorkspaceList(ctx context.Context, params *WorkspaceParams) (*mcp.CallToolResult, any, error) {
	names, err := s.workspace.ListFiles(ctx, params.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list files: %w", err)
	}

	if len(names) == 0 {
		return NewTextResult("No files found."), names, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d entr(ies):\n\n", len(names))
	for _, name := range names {
		fmt.Fprintf(&b, "• %s\n", name)
	}
	return NewTextResult(b.String()), names, nil
}

func (s *Server) handleWorkspaceRead(ctx context.Context, params *WorkspaceParams) (*mcp.CallToolResult, any, error) {
	if params.Path == "" {
		return nil, nil, fmt.Errorf("path is required")
	}

	content, _, err := s.workspace.ReadFile(ctx, params.Path, params.Encoding)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file: %w", err)
	}
	return NewTextResult(content), nil, nil
}

func (s *Server) handleWorkspaceWrite(ctx context.Context, params *WorkspaceParams) (*mcp.CallToolResult, any, error) {
	if params.Path == "" {
		return nil, nil, fmt.Errorf("path is required")
	}

	if err := s.workspace.CreateFile(ctx, params.Path, params.Content, params.Encoding); err != nil {
		return nil, nil, fmt.Errorf("failed to create file: %w", err)
	}
	return NewTextResult(fmt.Sprintf("✅ Wrote %s", params.Path)), nil, nil
}

func (s *Server) handleWorkspaceDelete(ctx context.Context, params *WorkspaceParams) (*mcp.CallToolResult, any, error) {
	if params.Path == "" {
		return nil, nil, fmt.Errorf("path is required")
	}

	if err := s.workspace.DeleteFile(ctx, params.Path); err != nil {
		return nil, nil, fmt.Errorf("failed to delete file: %w", err)
	}
	return NewTextResult(fmt.Sprintf("✅ Deleted %s", params.Path)), nil, nil
}
