// Command server runs the agent relay gateway: one agent session exposed
// over HTTP and a WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HyphaGroup/agentrelay/internal/agent/claude"
	"github.com/HyphaGroup/agentrelay/internal/audit"
	"github.com/HyphaGroup/agentrelay/internal/config"
	"github.com/HyphaGroup/agentrelay/internal/container/docker"
	"github.com/HyphaGroup/agentrelay/internal/gateway"
	"github.com/HyphaGroup/agentrelay/internal/logger"
	"github.com/HyphaGroup/agentrelay/internal/validation"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "", "Path to agentrelay.jsonc (file or directory)")
	addrFlag := flag.String("addr", "", "Listen address (default :3000)")
	workspaceFlag := flag.String("workspace", "", "Agent workspace directory (default ~/agent-workspace)")
	logDirFlag := flag.String("log-dir", "", "Directory for log files (default: console only)")
	jsonLogs := flag.Bool("json-logs", false, "Write structured logs as JSON")
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentrelay %s\n", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addrFlag != "" {
		cfg.Server.Address = *addrFlag
	}
	if *workspaceFlag != "" {
		cfg.Server.WorkspaceDir = config.ExpandHome(*workspaceFlag)
	}
	if *logDirFlag != "" {
		cfg.Server.LogDir = config.ExpandHome(*logDirFlag)
	}
	if *jsonLogs {
		cfg.Server.JSONLogs = true
	}

	if err := logger.Init(cfg.Server.LogDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()
	if err := logger.InitSlog(cfg.Server.LogDir, cfg.Server.JSONLogs); err != nil {
		logger.Fatalf("Failed to initialize structured logger: %v", err)
	}
	defer func() { _ = logger.CloseSlog() }()

	logger.Println("🔌 agentrelay " + Version)

	launcher, closeLauncher, err := newLauncher(cfg.Agent)
	if err != nil {
		logger.Fatalf("Failed to set up agent launcher: %v", err)
	}
	defer closeLauncher()

	runtime := claude.NewRuntime(cfg.Agent.Command, cfg.Agent.ExtraArgs, launcher)
	if err := runtime.Ping(context.Background()); err != nil {
		logger.Printf("⚠️  Agent engine not available: %v", err)
		logger.Println("   Sessions will fail until it is installed")
	}

	server, err := gateway.NewServer(gateway.Options{
		WorkspaceDir:            cfg.Server.WorkspaceDir,
		Runtime:                 runtime,
		Audit:                   audit.New(cfg.Server.AuditEnabled()),
		Version:                 Version,
		SendBuffer:              cfg.Limits.SendBuffer,
		ConfigRequestsPerSecond: cfg.Limits.ConfigRequestsPerSecond,
		ConfigBurst:             cfg.Limits.ConfigBurst,
	})
	if err != nil {
		logger.Fatalf("Failed to create gateway: %v", err)
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe(cfg.Server.Address)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdownChan:
		logger.Printf("⚠️  Received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Shutdown error: %v", err)
		}
		<-serverErr
		logger.Println("✅ Shutdown complete")
	}
}

// newLauncher picks where the engine process runs: locally, or inside an
// existing container when agent.container is set.
func newLauncher(agentCfg config.AgentSection) (claude.Launcher, func(), error) {
	if agentCfg.Container == "" {
		return claude.LocalLauncher{}, func() {}, nil
	}
	if err := validation.ValidateContainerRef(agentCfg.Container); err != nil {
		return nil, nil, err
	}

	rt, err := docker.NewRuntime()
	if err != nil {
		return nil, nil, err
	}
	if err := rt.Ping(context.Background()); err != nil {
		_ = rt.Close()
		return nil, nil, fmt.Errorf("failed to connect to docker: %w", err)
	}
	logger.Printf("🐳 Running the agent engine in container %s", agentCfg.Container)

	launcher := claude.ContainerLauncher{Runtime: rt, ContainerID: agentCfg.Container}
	return launcher, func() { _ = rt.Close() }, nil
}
