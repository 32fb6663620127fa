package agent

import (
	"maps"
	"slices"

	"github.com/HyphaGroup/agentrelay/internal/config"
)

// PermissionMode controls how the engine asks for tool permissions
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

// SettingSourceLocal loads only the workspace-local settings file
const SettingSourceLocal = "local"

// Options are the engine session options
type Options struct {
	PermissionMode                  PermissionMode
	AllowDangerouslySkipPermissions bool
	SettingSources                  []string
	Cwd                             string

	Model        string
	AllowedTools []string
	SystemPrompt *config.SystemPrompt
	Agents       map[string]config.AgentDefinition
	MCPServers   map[string]config.MCPServerConfig

	// Env is added to the engine process environment
	Env map[string]string
}

// DefaultOptions returns the fixed session defaults for a workspace
func DefaultOptions(workspace string) *Options {
	return &Options{
		PermissionMode:                  PermissionBypass,
		AllowDangerouslySkipPermissions: true,
		SettingSources:                  []string{SettingSourceLocal},
		Cwd:                             workspace,
		Env:                             map[string]string{},
	}
}

// BuildOptions overlays a client configuration onto defaults. Fields the
// client leaves unset keep their default; the API key becomes
// ANTHROPIC_API_KEY in the engine environment.
func BuildOptions(defaults *Options, cfg config.QueryConfig) *Options {
	opts := defaults.clone()
	cfg = cfg.Clone()

	if cfg.Model != "" {
		opts.Model = cfg.Model
	}
	if cfg.AllowedTools != nil {
		opts.AllowedTools = cfg.AllowedTools
	}
	if cfg.SystemPrompt != nil {
		opts.SystemPrompt = cfg.SystemPrompt
	}
	if cfg.Agents != nil {
		opts.Agents = cfg.Agents
	}
	if cfg.MCPServers != nil {
		opts.MCPServers = cfg.MCPServers
	}
	if cfg.AnthropicAPIKey != "" {
		opts.Env[config.AnthropicAPIKeyEnv] = cfg.AnthropicAPIKey
	}
	return opts
}

func (o *Options) clone() *Options {
	out := *o
	out.SettingSources = slices.Clone(o.SettingSources)
	out.AllowedTools = slices.Clone(o.AllowedTools)
	out.Agents = maps.Clone(o.Agents)
	out.MCPServers = maps.Clone(o.MCPServers)
	out.Env = maps.Clone(o.Env)
	if out.Env == nil {
		out.Env = map[string]string{}
	}
	if o.SystemPrompt != nil {
		sp := *o.SystemPrompt
		out.SystemPrompt = &sp
	}
	return &out
}
