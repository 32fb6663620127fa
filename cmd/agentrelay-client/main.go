// Command agentrelay-client starts an agent relay in a sandbox, talks to it
// from the terminal, and manages the sandboxes it created.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/HyphaGroup/agentrelay/internal/client"
	"github.com/HyphaGroup/agentrelay/internal/config"
	"github.com/HyphaGroup/agentrelay/internal/container/docker"
	"github.com/HyphaGroup/agentrelay/internal/gateway"
	"github.com/HyphaGroup/agentrelay/internal/logger"
	"github.com/HyphaGroup/agentrelay/internal/sandbox"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "sandbox":
		cmdSandbox(os.Args[2:])
	case "--version", "-v", "version":
		fmt.Printf("agentrelay-client %s\n", Version)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`agentrelay-client %s

Usage: agentrelay-client <command> [options]

Commands:
  run                 Start a sandbox (or connect to --url) and chat from stdin
  sandbox list        List sandboxes created on this machine
  sandbox kill <id>   Kill a sandbox
  sandbox reap        Kill sandboxes past their timeout (--watch to keep running)

Examples:
  agentrelay-client run --model claude-sonnet-4-5
  agentrelay-client run --url http://localhost:3000
  agentrelay-client sandbox list
  agentrelay-client sandbox reap --watch
`, Version)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig(path string) *config.UnifiedConfig {
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("%v", err)
	}
	_ = logger.Init(cfg.Server.LogDir)
	return cfg
}

// openManager wires the Docker-backed sandbox provider to the local store
func openManager(cfg *config.UnifiedConfig) (*sandbox.Manager, func(), error) {
	rt, err := docker.NewRuntime()
	if err != nil {
		return nil, nil, err
	}
	if err := rt.Ping(context.Background()); err != nil {
		_ = rt.Close()
		return nil, nil, fmt.Errorf("failed to connect to docker: %w", err)
	}

	store, err := sandbox.NewStore(cfg.Sandbox.DataDir)
	if err != nil {
		_ = rt.Close()
		return nil, nil, err
	}

	provider := sandbox.NewDockerProvider(rt, sandbox.DockerOptions{Port: cfg.Sandbox.Port})
	manager := sandbox.NewManager(provider, store, cfg.Sandbox.Port)
	closer := func() {
		_ = store.Close()
		_ = rt.Close()
	}
	return manager, closer, nil
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to agentrelay.jsonc")
	url := fs.String("url", "", "Connect to an existing relay instead of creating a sandbox")
	template := fs.String("template", "", "Sandbox image (default from config)")
	timeout := fs.Duration("timeout", 0, "Sandbox lifetime (default from config)")
	model := fs.String("model", "", "Model for the agent session")
	systemPrompt := fs.String("system-prompt", "", "System prompt for the agent session")
	allowedTools := fs.String("allowed-tools", "", "Comma-separated tools the agent may use")
	keep := fs.Bool("keep", false, "Leave the sandbox running on exit")
	debug := fs.Bool("debug", false, "Log client activity")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)

	query := config.QueryConfig{Model: *model}
	if *systemPrompt != "" {
		query.SystemPrompt = &config.SystemPrompt{Text: *systemPrompt}
	}
	if *allowedTools != "" {
		for _, tool := range strings.Split(*allowedTools, ",") {
			if tool = strings.TrimSpace(tool); tool != "" {
				query.AllowedTools = append(query.AllowedTools, tool)
			}
		}
	}

	opts := client.Options{
		Template:        firstNonEmpty(*template, cfg.Sandbox.Template),
		Timeout:         cfg.Sandbox.TimeoutDuration(),
		ConnectionURL:   *url,
		Debug:           *debug,
		SandboxAPIKey:   cfg.Credentials.SandboxKey(""),
		AnthropicAPIKey: cfg.Credentials.AnthropicKey(""),
		Query:           query,
		Port:            cfg.Sandbox.Port,
		CPUs:            cfg.Sandbox.CPUs,
		MemoryMB:        cfg.Sandbox.MemoryMB,
	}
	if *timeout > 0 {
		opts.Timeout = *timeout
	}

	if *url == "" {
		manager, closeManager, err := openManager(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeManager()
		opts.Provider = manager
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(opts)
	fmt.Fprintln(os.Stderr, "Starting agent relay...")
	if err := c.Start(ctx); err != nil {
		fatalf("%v", err)
	}
	if sb := c.Sandbox(); sb != nil {
		fmt.Fprintf(os.Stderr, "Sandbox %s at %s (expires %s)\n", sb.ID, sb.Host(opts.Port), sb.ExpiresAt.Local().Format(time.Kitchen))
	}

	turnDone := make(chan struct{}, 1)
	c.OnMessage(func(msg client.Message) {
		if text, ok := client.AssistantText(msg); ok {
			fmt.Println(text)
			return
		}
		if res, ok := client.Result(msg); ok {
			if res.IsError {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", res.Subtype, res.Text)
			}
			select {
			case turnDone <- struct{}{}:
			default:
			}
			return
		}
		if msg.Type == gateway.TypeError {
			fmt.Fprintf(os.Stderr, "relay error (%s): %s\n", msg.Code, msg.Error)
		}
	})

	err := chat(ctx, c, turnDone)

	if *keep {
		if sb := c.Sandbox(); sb != nil {
			fmt.Fprintf(os.Stderr, "Leaving sandbox %s running\n", sb.ID)
			return
		}
	}
	if stopErr := c.Stop(context.Background()); stopErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", stopErr)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

// chat sends each stdin line as a turn and waits for its result
func chat(ctx context.Context, c *client.Client, turnDone <-chan struct{}) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Fprint(os.Stderr, "> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return errors.New("relay connection closed")
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := c.SendText(line); err != nil {
			return err
		}

		select {
		case <-turnDone:
		case <-ctx.Done():
			_ = c.Interrupt()
			return nil
		case <-c.Done():
			return errors.New("relay connection closed")
		}
	}
}

func cmdSandbox(args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		sandboxList(args[1:])
	case "kill":
		sandboxKill(args[1:])
	case "reap":
		sandboxReap(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown sandbox command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func sandboxList(args []string) {
	fs := flag.NewFlagSet("sandbox list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to agentrelay.jsonc")
	all := fs.Bool("all", false, "Include sandboxes that already ended")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	manager, closeManager, err := openManager(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeManager()

	status := sandbox.StatusRunning
	if *all {
		status = ""
	}
	records, err := manager.Records(status)
	if err != nil {
		fatalf("%v", err)
	}
	if len(records) == 0 {
		fmt.Println("No sandboxes found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tENDPOINT\tTEMPLATE\tCREATED\tEXPIRES")
	for _, rec := range records {
		expires := "-"
		if rec.ExpiresAt != nil {
			expires = rec.ExpiresAt.Local().Format(time.DateTime)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Status, rec.Endpoint, rec.Template,
			rec.CreatedAt.Local().Format(time.DateTime), expires)
	}
	_ = w.Flush()
}

func sandboxKill(args []string) {
	fs := flag.NewFlagSet("sandbox kill", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to agentrelay.jsonc")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fatalf("sandbox id is required")
	}

	cfg := loadConfig(*configPath)
	manager, closeManager, err := openManager(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeManager()

	for _, id := range fs.Args() {
		if err := manager.Kill(context.Background(), id); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Killed %s\n", id)
	}
}

func sandboxReap(args []string) {
	fs := flag.NewFlagSet("sandbox reap", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to agentrelay.jsonc")
	watch := fs.Bool("watch", false, "Keep running and reap on the configured schedule")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	manager, closeManager, err := openManager(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeManager()

	if !*watch {
		killed, err := manager.Reap(context.Background())
		fmt.Printf("Reaped %d sandbox(es)\n", killed)
		if err != nil {
			fatalf("%v", err)
		}
		return
	}

	reaper, err := sandbox.NewReaper(manager, cfg.Sandbox.ReapSchedule)
	if err != nil {
		fatalf("%v", err)
	}
	reaper.Start()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownChan
	reaper.Stop()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
