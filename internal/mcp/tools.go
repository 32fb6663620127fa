package mcp

// registerAllTools registers all MCP tools with the registry
func (s *Server) registerAllTools(r *Registry) {
	s.registerWorkspaceTools(r)
	s.registerSessionTools(r)
}

func (s *Server) registerWorkspaceTools(r *Registry) {
	Register(r, ToolDef{
		Name: "workspace",
		Description: `Manage files in the agent workspace.

Actions:
  list: List entries of a directory. path defaults to the workspace root.
  read: Read a file. encoding is "utf-8" (default) or "base64".
  write: Create or overwrite a file with content. The parent directory must exist.
  delete: Remove a file or an empty directory.

Paths are relative to the workspace root; paths outside it are rejected.`,
	}, s.handleWorkspace)
}

func (s *Server) registerSessionTools(r *Registry) {
	Register(r, ToolDef{
		Name: "session",
		Description: `Inspect and drive the agent session.

Actions:
  status: Show session state, queued turns, and the model in use.
  send: Queue a user turn with the given text. The session must have been started by a client connection.
  interrupt: Cancel the turn in flight. Queued turns are kept.`,
	}, s.handleSession)
}
