package claude

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/HyphaGroup/agentrelay/internal/agent"
	"github.com/HyphaGroup/agentrelay/internal/config"
)

// mcpConfigFile is the document accepted by --mcp-config
type mcpConfigFile struct {
	MCPServers map[string]config.MCPServerConfig `json:"mcpServers"`
}

// buildArgs translates session options into CLI arguments
func (r *Runtime) buildArgs(opts *agent.Options) ([]string, error) {
	args := []string{
		r.command,
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}

	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	if opts.AllowDangerouslySkipPermissions {
		args = append(args, "--allow-dangerously-skip-permissions")
	}
	if len(opts.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(opts.SettingSources, ","))
	}

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}

	// No prompt means an empty one, not the preset
	switch sp := opts.SystemPrompt; {
	case sp == nil:
		args = append(args, "--system-prompt", "")
	case sp.IsPreset():
		if sp.Append != "" {
			args = append(args, "--append-system-prompt", sp.Append)
		}
	default:
		args = append(args, "--system-prompt", sp.Text)
	}

	if len(opts.MCPServers) > 0 {
		data, err := json.Marshal(mcpConfigFile{MCPServers: opts.MCPServers})
		if err != nil {
			return nil, fmt.Errorf("encoding mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(data))
	}
	if len(opts.Agents) > 0 {
		data, err := json.Marshal(opts.Agents)
		if err != nil {
			return nil, fmt.Errorf("encoding agents: %w", err)
		}
		args = append(args, "--agents", string(data))
	}

	return append(args, r.extraArgs...), nil
}

// buildEnv returns opts.Env as sorted KEY=VALUE pairs
func buildEnv(opts *agent.Options) []string {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
