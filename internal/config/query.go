package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// QueryConfig holds the agent session options a client sets through
// POST /config. Unknown keys are ignored.
type QueryConfig struct {
	Agents          map[string]AgentDefinition `json:"agents,omitempty"`
	AllowedTools    []string                   `json:"allowedTools,omitempty"`
	SystemPrompt    *SystemPrompt              `json:"systemPrompt,omitempty"`
	Model           string                     `json:"model,omitempty"`
	MCPServers      map[string]MCPServerConfig `json:"mcpServers,omitempty"`
	AnthropicAPIKey string                     `json:"anthropicApiKey,omitempty"`
}

// AgentDefinition describes a named subagent
type AgentDefinition struct {
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// MCPServerConfig is a remote MCP server reachable over HTTP or SSE
type MCPServerConfig struct {
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Preset system prompt names
const PresetClaudeCode = "claude_code"

// SystemPrompt is either a literal prompt or a preset with optional
// appended text. On the wire it is a JSON string or
// {"type":"preset","preset":"claude_code","append":"..."}.
type SystemPrompt struct {
	Text   string
	Preset string
	Append string
}

type presetPrompt struct {
	Type   string `json:"type"`
	Preset string `json:"preset"`
	Append string `json:"append,omitempty"`
}

// IsPreset reports whether the prompt selects a preset
func (p *SystemPrompt) IsPreset() bool {
	return p != nil && p.Preset != ""
}

// MarshalJSON implements json.Marshaler
func (p SystemPrompt) MarshalJSON() ([]byte, error) {
	if p.Preset != "" {
		return json.Marshal(presetPrompt{Type: "preset", Preset: p.Preset, Append: p.Append})
	}
	return json.Marshal(p.Text)
}

// UnmarshalJSON implements json.Unmarshaler
func (p *SystemPrompt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		*p = SystemPrompt{}
		return json.Unmarshal(data, &p.Text)
	}

	var preset presetPrompt
	if err := json.Unmarshal(data, &preset); err != nil {
		return fmt.Errorf("systemPrompt must be a string or preset object: %w", err)
	}
	if preset.Type != "preset" {
		return fmt.Errorf("unsupported systemPrompt type %q", preset.Type)
	}
	*p = SystemPrompt{Preset: preset.Preset, Append: preset.Append}
	return nil
}

// Clone returns a deep copy
func (c QueryConfig) Clone() QueryConfig {
	out := c
	out.AllowedTools = slices.Clone(c.AllowedTools)
	if c.SystemPrompt != nil {
		sp := *c.SystemPrompt
		out.SystemPrompt = &sp
	}
	if c.Agents != nil {
		out.Agents = make(map[string]AgentDefinition, len(c.Agents))
		for name, def := range c.Agents {
			def.Tools = slices.Clone(def.Tools)
			out.Agents[name] = def
		}
	}
	if c.MCPServers != nil {
		out.MCPServers = make(map[string]MCPServerConfig, len(c.MCPServers))
		for name, srv := range c.MCPServers {
			srv.Headers = maps.Clone(srv.Headers)
			out.MCPServers[name] = srv
		}
	}
	return out
}

// Redacted returns a copy safe for logging
func (c QueryConfig) Redacted() QueryConfig {
	out := c.Clone()
	if out.AnthropicAPIKey != "" {
		out.AnthropicAPIKey = "***"
	}
	for name, srv := range out.MCPServers {
		for k := range srv.Headers {
			srv.Headers[k] = "***"
		}
		out.MCPServers[name] = srv
	}
	return out
}
