package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadUnifiedConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("jsonc with comments and trailing commas", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "relay.jsonc")
		configJSON := `{
			// gateway
			"server": {
				"address": ":9000",
				"workspace_dir": "/srv/ws", /* absolute */
			},
			"agent": {"command": "/usr/local/bin/claude", "extra_args": ["--debug"]},
			"limits": {"config_requests_per_second": 2.5},
			"sandbox": {"template": "custom", "timeout": "90s"},
		}`
		if err := os.WriteFile(configPath, []byte(configJSON), 0o644); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadUnifiedConfig(configPath)
		if err != nil {
			t.Fatalf("LoadUnifiedConfig() error = %v", err)
		}
		if cfg.Server.Address != ":9000" {
			t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, ":9000")
		}
		if cfg.Server.WorkspaceDir != "/srv/ws" {
			t.Errorf("Server.WorkspaceDir = %q, want %q", cfg.Server.WorkspaceDir, "/srv/ws")
		}
		if cfg.Agent.Command != "/usr/local/bin/claude" {
			t.Errorf("Agent.Command = %q", cfg.Agent.Command)
		}
		if len(cfg.Agent.ExtraArgs) != 1 || cfg.Agent.ExtraArgs[0] != "--debug" {
			t.Errorf("Agent.ExtraArgs = %v", cfg.Agent.ExtraArgs)
		}
		if cfg.Limits.ConfigRequestsPerSecond != 2.5 {
			t.Errorf("Limits.ConfigRequestsPerSecond = %v, want 2.5", cfg.Limits.ConfigRequestsPerSecond)
		}
		if cfg.Sandbox.Template != "custom" {
			t.Errorf("Sandbox.Template = %q, want custom", cfg.Sandbox.Template)
		}
		if got := cfg.Sandbox.TimeoutDuration(); got != 90*time.Second {
			t.Errorf("Sandbox.TimeoutDuration() = %v, want 90s", got)
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "empty.jsonc")
		if err := os.WriteFile(configPath, []byte(`{}`), 0o644); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadUnifiedConfig(configPath)
		if err != nil {
			t.Fatalf("LoadUnifiedConfig() error = %v", err)
		}
		if cfg.Server.Address != DefaultAddress {
			t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, DefaultAddress)
		}
		if filepath.Base(cfg.Server.WorkspaceDir) != DefaultWorkspaceDir {
			t.Errorf("Server.WorkspaceDir = %q, want .../%s", cfg.Server.WorkspaceDir, DefaultWorkspaceDir)
		}
		if cfg.Sandbox.CPUs != DefaultSandboxCPUs || cfg.Sandbox.MemoryMB != DefaultSandboxMemoryMB {
			t.Errorf("Sandbox resources = %d/%d", cfg.Sandbox.CPUs, cfg.Sandbox.MemoryMB)
		}
		if cfg.Sandbox.Port != DefaultPort {
			t.Errorf("Sandbox.Port = %d, want %d", cfg.Sandbox.Port, DefaultPort)
		}
		if got := cfg.Sandbox.TimeoutDuration(); got != DefaultSandboxTimeout {
			t.Errorf("Sandbox.TimeoutDuration() = %v, want %v", got, DefaultSandboxTimeout)
		}
		if cfg.Limits.SendBuffer != DefaultSendBuffer {
			t.Errorf("Limits.SendBuffer = %d, want %d", cfg.Limits.SendBuffer, DefaultSendBuffer)
		}
		if !cfg.Server.AuditEnabled() {
			t.Error("AuditEnabled() = false, want true by default")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "bad.jsonc")
		if err := os.WriteFile(configPath, []byte(`{"server": `), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadUnifiedConfig(configPath); err == nil {
			t.Error("LoadUnifiedConfig() expected error for truncated file")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadUnifiedConfig(filepath.Join(tmpDir, "nope.jsonc")); err == nil {
			t.Error("LoadUnifiedConfig() expected error for missing file")
		}
	})
}

func TestFindConfigPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FindConfigPath(dir)
	if err != nil {
		t.Fatalf("FindConfigPath(dir) error = %v", err)
	}
	if got != path {
		t.Errorf("FindConfigPath(dir) = %q, want %q", got, path)
	}

	got, err = FindConfigPath(path)
	if err != nil {
		t.Fatalf("FindConfigPath(file) error = %v", err)
	}
	if got != path {
		t.Errorf("FindConfigPath(file) = %q, want %q", got, path)
	}

	if _, err := FindConfigPath(filepath.Join(dir, "missing.jsonc")); err == nil {
		t.Error("FindConfigPath() expected error for explicit missing path")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(`{"server": {"address": ":1"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AGENTRELAY_ADDR", ":4000")
	t.Setenv("AGENTRELAY_WORKSPACE", "/tmp/relay-ws")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address != ":4000" {
		t.Errorf("Server.Address = %q, want :4000", cfg.Server.Address)
	}
	if cfg.Server.WorkspaceDir != "/tmp/relay-ws" {
		t.Errorf("Server.WorkspaceDir = %q, want /tmp/relay-ws", cfg.Server.WorkspaceDir)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/agent-workspace", filepath.Join(home, "agent-workspace")},
		{"/abs/path", "/abs/path"},
		{"~other/x", "~other/x"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCredentialResolution(t *testing.T) {
	t.Setenv(AnthropicAPIKeyEnv, "from-env")

	c := CredentialsSection{}
	if got := c.AnthropicKey(""); got != "from-env" {
		t.Errorf("AnthropicKey() = %q, want from-env", got)
	}

	c.AnthropicAPIKey = "from-file"
	if got := c.AnthropicKey(""); got != "from-file" {
		t.Errorf("AnthropicKey() = %q, want from-file", got)
	}
	if got := c.AnthropicKey("explicit"); got != "explicit" {
		t.Errorf("AnthropicKey() = %q, want explicit", got)
	}
}
