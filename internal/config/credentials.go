package config

import "os"

// Environment variables consulted for credentials
const (
	AnthropicAPIKeyEnv = "ANTHROPIC_API_KEY"
	SandboxAPIKeyEnv   = "AGENTRELAY_SANDBOX_API_KEY"
)

// CredentialsSection holds API credentials from agentrelay.jsonc
type CredentialsSection struct {
	AnthropicAPIKey string `json:"anthropic_api_key"`
	SandboxAPIKey   string `json:"sandbox_api_key"`
}

// AnthropicKey resolves the engine credential: the explicit value wins, then
// the file, then the environment.
func (c CredentialsSection) AnthropicKey(explicit string) string {
	return firstNonEmpty(explicit, c.AnthropicAPIKey, os.Getenv(AnthropicAPIKeyEnv))
}

// SandboxKey resolves the sandbox provider credential the same way
func (c CredentialsSection) SandboxKey(explicit string) string {
	return firstNonEmpty(explicit, c.SandboxAPIKey, os.Getenv(SandboxAPIKeyEnv))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
