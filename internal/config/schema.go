package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

var (
	// ErrInvalidJSON is returned when a config body is not valid JSON
	ErrInvalidJSON = errors.New("invalid JSON")
	// ErrInvalidConfig is returned when a config body does not match the schema
	ErrInvalidConfig = errors.New("invalid config")
)

var (
	resolvedOnce   sync.Once
	resolvedSchema *jsonschema.Resolved
	resolveErr     error
)

func intPtr(n int) *int { return &n }

func stringSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string"}
}

func stringArraySchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Items: stringSchema()}
}

// QueryConfigSchema returns the JSON schema for QueryConfig bodies
func QueryConfigSchema() *jsonschema.Schema {
	agent := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"description": stringSchema(),
			"prompt":      stringSchema(),
			"tools":       stringArraySchema(),
			"model":       stringSchema(),
		},
		Required: []string{"description", "prompt"},
	}

	mcpServer := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"type":    {Type: "string", Enum: []any{"http", "sse"}},
			"url":     {Type: "string", MinLength: intPtr(1)},
			"headers": {Type: "object", AdditionalProperties: stringSchema()},
		},
		Required: []string{"type", "url"},
	}

	systemPrompt := &jsonschema.Schema{
		AnyOf: []*jsonschema.Schema{
			stringSchema(),
			{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"type":   {Type: "string", Enum: []any{"preset"}},
					"preset": {Type: "string", Enum: []any{PresetClaudeCode}},
					"append": stringSchema(),
				},
				Required: []string{"type", "preset"},
			},
		},
	}

	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"agents":          {Type: "object", AdditionalProperties: agent},
			"allowedTools":    stringArraySchema(),
			"systemPrompt":    systemPrompt,
			"model":           stringSchema(),
			"mcpServers":      {Type: "object", AdditionalProperties: mcpServer},
			"anthropicApiKey": stringSchema(),
		},
	}
}

func resolved() (*jsonschema.Resolved, error) {
	resolvedOnce.Do(func() {
		resolvedSchema, resolveErr = QueryConfigSchema().Resolve(nil)
	})
	return resolvedSchema, resolveErr
}

// ParseQueryConfig decodes and validates a POST /config body
func ParseQueryConfig(data []byte) (QueryConfig, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return QueryConfig{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	rs, err := resolved()
	if err != nil {
		return QueryConfig{}, fmt.Errorf("resolving config schema: %w", err)
	}
	if err := rs.Validate(instance); err != nil {
		return QueryConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var cfg QueryConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return QueryConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}
