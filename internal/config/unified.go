package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ConfigFileName is the name of the relay configuration file
const ConfigFileName = "agentrelay.jsonc"

// Defaults shared by the server and the client
const (
	DefaultAddress         = ":3000"
	DefaultPort            = 3000
	DefaultWorkspaceDir    = "agent-workspace"
	DefaultAgentCommand    = "claude"
	DefaultSandboxTemplate = "claude-agent-server"
	DefaultSandboxCPUs     = 2
	DefaultSandboxMemoryMB = 2048
	DefaultSandboxTimeout  = 5 * time.Minute
	DefaultReapSchedule    = "@every 1m"
	DefaultSendBuffer      = 256
	DefaultConfigBurst     = 10
)

// UnifiedConfig is the agentrelay.jsonc file format
type UnifiedConfig struct {
	Server      ServerSection      `json:"server"`
	Agent       AgentSection       `json:"agent"`
	Limits      LimitsSection      `json:"limits"`
	Sandbox     SandboxSection     `json:"sandbox"`
	Credentials CredentialsSection `json:"credentials"`
}

// ServerSection contains gateway settings
type ServerSection struct {
	Address      string `json:"address"`
	WorkspaceDir string `json:"workspace_dir"`
	LogDir       string `json:"log_dir"`
	JSONLogs     bool   `json:"json_logs"`
	Audit        *bool  `json:"audit,omitempty"`
}

// AgentSection configures the agent engine process
type AgentSection struct {
	Command   string   `json:"command"`
	ExtraArgs []string `json:"extra_args"`
	// Container runs the engine inside an existing container instead of locally
	Container string `json:"container,omitempty"`
}

// LimitsSection bounds the gateway's resource usage
type LimitsSection struct {
	// ConfigRequestsPerSecond limits POST /config per client; 0 disables
	ConfigRequestsPerSecond float64 `json:"config_requests_per_second"`
	ConfigBurst             int     `json:"config_burst"`
	// SendBuffer is the number of outbound frames queued per connection
	SendBuffer int `json:"send_buffer"`
}

// SandboxSection configures sandboxes created by the client
type SandboxSection struct {
	Template     string `json:"template"`
	CPUs         int    `json:"cpus"`
	MemoryMB     int    `json:"memory_mb"`
	Port         int    `json:"port"`
	Timeout      string `json:"timeout"`
	DataDir      string `json:"data_dir"`
	ReapSchedule string `json:"reap_schedule"`
}

// AuditEnabled reports whether audit records are written (default true)
func (s ServerSection) AuditEnabled() bool {
	return s.Audit == nil || *s.Audit
}

// TimeoutDuration parses Timeout, falling back to DefaultSandboxTimeout
func (s SandboxSection) TimeoutDuration() time.Duration {
	if s.Timeout == "" {
		return DefaultSandboxTimeout
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d <= 0 {
		return DefaultSandboxTimeout
	}
	return d
}

// FindConfigPath returns the path to agentrelay.jsonc using precedence:
// 1. explicit path (file or directory), if given
// 2. ./agentrelay.jsonc
// 3. ./config/agentrelay.jsonc
// 4. ~/.agentrelay/agentrelay.jsonc
// An empty result with a nil error means no file exists and defaults apply.
func FindConfigPath(explicit string) (string, error) {
	if explicit != "" {
		path := explicit
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = filepath.Join(path, ConfigFileName)
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%s not found: %w", path, err)
		}
		return absOrSelf(path), nil
	}

	candidates := []string{
		ConfigFileName,
		filepath.Join("config", ConfigFileName),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".agentrelay", ConfigFileName))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return absOrSelf(path), nil
		}
	}
	return "", nil
}

func absOrSelf(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// Load finds and loads the configuration file, applying defaults and
// environment overrides. Without a file the built-in defaults are returned.
func Load(explicit string) (*UnifiedConfig, error) {
	path, err := FindConfigPath(explicit)
	if err != nil {
		return nil, err
	}

	var cfg *UnifiedConfig
	if path == "" {
		cfg = &UnifiedConfig{}
		applyUnifiedDefaults(cfg)
	} else {
		cfg, err = LoadUnifiedConfig(path)
		if err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadUnifiedConfig loads configuration from a single agentrelay.jsonc file
func LoadUnifiedConfig(configPath string) (*UnifiedConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	var cfg UnifiedConfig
	if err := decodeJSONC(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	applyUnifiedDefaults(&cfg)
	return &cfg, nil
}

func applyUnifiedDefaults(cfg *UnifiedConfig) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = DefaultAddress
	}
	if cfg.Server.WorkspaceDir == "" {
		cfg.Server.WorkspaceDir = filepath.Join("~", DefaultWorkspaceDir)
	}
	cfg.Server.WorkspaceDir = ExpandHome(cfg.Server.WorkspaceDir)
	cfg.Server.LogDir = ExpandHome(cfg.Server.LogDir)

	if cfg.Agent.Command == "" {
		cfg.Agent.Command = DefaultAgentCommand
	}

	if cfg.Limits.ConfigBurst <= 0 {
		cfg.Limits.ConfigBurst = DefaultConfigBurst
	}
	if cfg.Limits.SendBuffer <= 0 {
		cfg.Limits.SendBuffer = DefaultSendBuffer
	}

	if cfg.Sandbox.Template == "" {
		cfg.Sandbox.Template = DefaultSandboxTemplate
	}
	if cfg.Sandbox.CPUs <= 0 {
		cfg.Sandbox.CPUs = DefaultSandboxCPUs
	}
	if cfg.Sandbox.MemoryMB <= 0 {
		cfg.Sandbox.MemoryMB = DefaultSandboxMemoryMB
	}
	if cfg.Sandbox.Port <= 0 {
		cfg.Sandbox.Port = DefaultPort
	}
	if cfg.Sandbox.DataDir == "" {
		cfg.Sandbox.DataDir = filepath.Join("~", ".agentrelay")
	}
	cfg.Sandbox.DataDir = ExpandHome(cfg.Sandbox.DataDir)
	if cfg.Sandbox.ReapSchedule == "" {
		cfg.Sandbox.ReapSchedule = DefaultReapSchedule
	}
}

func applyEnvOverrides(cfg *UnifiedConfig) {
	if v := os.Getenv("AGENTRELAY_ADDR"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("AGENTRELAY_WORKSPACE"); v != "" {
		cfg.Server.WorkspaceDir = ExpandHome(v)
	}
}

// ExpandHome replaces a leading ~ with the user's home directory
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
