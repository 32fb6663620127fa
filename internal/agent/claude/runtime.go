package claude

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/HyphaGroup/agentrelay/internal/agent"
	"github.com/HyphaGroup/agentrelay/internal/container"
	"github.com/HyphaGroup/agentrelay/internal/logger"
)

// Launcher starts the CLI process and exposes its stdio
type Launcher interface {
	Launch(ctx context.Context, argv, env []string, dir string) (*container.InteractiveExec, error)
}

// Runtime implements agent.Runtime for the Claude Code CLI
type Runtime struct {
	command   string
	extraArgs []string
	launcher  Launcher
}

// Ensure Runtime implements agent.Runtime
var _ agent.Runtime = (*Runtime)(nil)

// NewRuntime creates a runtime that runs command through launcher. A nil
// launcher runs the CLI as a local process.
func NewRuntime(command string, extraArgs []string, launcher Launcher) *Runtime {
	if command == "" {
		command = "claude"
	}
	if launcher == nil {
		launcher = LocalLauncher{}
	}
	return &Runtime{
		command:   command,
		extraArgs: extraArgs,
		launcher:  launcher,
	}
}

// Name returns the runtime name
func (r *Runtime) Name() string {
	return "claude"
}

// Open starts the CLI and returns a streaming executor fed by input
func (r *Runtime) Open(ctx context.Context, input agent.TurnSource, opts *agent.Options) (agent.StreamingExecutor, error) {
	if opts == nil {
		return nil, errors.New("options are required")
	}

	argv, err := r.buildArgs(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	proc, err := r.launcher.Launch(ctx, argv, buildEnv(opts), opts.Cwd)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", r.command, err)
	}

	logger.Info("Started %s in %s", r.command, opts.Cwd)
	return newStreamingExecutor(ctx, cancel, proc, input), nil
}

// Ping checks that the CLI binary can be found
func (r *Runtime) Ping(ctx context.Context) error {
	if _, ok := r.launcher.(LocalLauncher); !ok {
		return nil
	}
	if _, err := exec.LookPath(r.command); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", r.command, err)
	}
	return nil
}

// Close releases runtime resources
func (r *Runtime) Close() error {
	return nil
}

// LocalLauncher runs the CLI as a child process of the gateway
type LocalLauncher struct{}

// Launch implements Launcher.
func (LocalLauncher) Launch(ctx context.Context, argv, env []string, dir string) (*container.InteractiveExec, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	wait := func() (int, error) {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		if err != nil {
			return -1, err
		}
		return 0, nil
	}

	return container.NewInteractiveExec(stdin, stdout, stderr, wait), nil
}

// ContainerLauncher runs the CLI inside an existing container
type ContainerLauncher struct {
	Runtime     container.Runtime
	ContainerID string
	User        string
}

// Launch implements Launcher.
func (l ContainerLauncher) Launch(ctx context.Context, argv, env []string, dir string) (*container.InteractiveExec, error) {
	return l.Runtime.ExecInteractive(ctx, l.ContainerID, container.ExecConfig{
		Cmd:        argv,
		Env:        env,
		WorkingDir: dir,
		User:       l.User,
	})
}
