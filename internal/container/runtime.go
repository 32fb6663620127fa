// Package container abstracts the container engine that hosts sandboxes and,
// optionally, the agent engine process itself.
package container

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a container does not exist
var ErrNotFound = errors.New("container not found")

// Runtime defines the container runtime abstraction
type Runtime interface {
	// Lifecycle
	Create(ctx context.Context, config CreateConfig) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string, force bool) error

	// Execution
	ExecInteractive(ctx context.Context, containerID string, config ExecConfig) (*InteractiveExec, error)

	// Inspection
	Inspect(ctx context.Context, containerID string) (*ContainerInfo, error)
	List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
	Logs(ctx context.Context, containerID string, opts LogsOptions) (string, error)

	// Images
	ImageExists(ctx context.Context, imageName string) (bool, error)
	Pull(ctx context.Context, imageName string) error

	// Health
	Ping(ctx context.Context) error
	Close() error

	// Metadata
	Name() string
}

// InteractiveExec represents an interactive command execution with I/O pipes
type InteractiveExec struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	done   chan struct{}
	wait   func() (int, error)
}

// NewInteractiveExec creates a new InteractiveExec
func NewInteractiveExec(stdin io.WriteCloser, stdout, stderr io.ReadCloser, wait func() (int, error)) *InteractiveExec {
	return &InteractiveExec{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		done:   make(chan struct{}),
		wait:   wait,
	}
}

// Done returns a channel that is closed when the process exits
func (e *InteractiveExec) Done() <-chan struct{} {
	return e.done
}

// Wait waits for the process to exit and returns the exit code
func (e *InteractiveExec) Wait() (int, error) {
	code, err := e.wait()
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	return code, err
}

// Close closes all I/O streams
func (e *InteractiveExec) Close() error {
	if e.Stdin != nil {
		_ = e.Stdin.Close()
	}
	if e.Stdout != nil {
		_ = e.Stdout.Close()
	}
	if e.Stderr != nil {
		_ = e.Stderr.Close()
	}
	return nil
}

// CreateConfig for container creation
type CreateConfig struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Labels     map[string]string
	AutoRemove bool
	Memory     string // Memory limit (e.g., "4G", "2048M")
	CPUs       int    // Number of CPUs

	// PublishedPorts are TCP ports of the container reachable from the host
	PublishedPorts []PortBinding
}

// PortBinding publishes a container TCP port on the host
type PortBinding struct {
	ContainerPort int
	HostIP        string // defaults to 127.0.0.1
	HostPort      int    // 0 picks an ephemeral port
}

// ExecConfig for command execution
type ExecConfig struct {
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
}

// LogsOptions for log retrieval
type LogsOptions struct {
	Tail       string
	Timestamps bool
}

// ContainerInfo contains inspection data
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Status    ContainerStatus
	Labels    map[string]string
	IPAddress string

	// Ports maps published container ports to host endpoints ("host:port")
	Ports map[int]string

	CreatedAt time.Time
	StartedAt time.Time
}

// ContainerStatus enum
type ContainerStatus string

const (
	StatusCreated ContainerStatus = "created"
	StatusRunning ContainerStatus = "running"
	StatusPaused  ContainerStatus = "paused"
	StatusStopped ContainerStatus = "stopped"
	StatusExited  ContainerStatus = "exited"
	StatusDead    ContainerStatus = "dead"
	StatusUnknown ContainerStatus = "unknown"
)

// ParseStatus maps an engine state string to a ContainerStatus
func ParseStatus(state string) ContainerStatus {
	switch state {
	case "created":
		return StatusCreated
	case "running":
		return StatusRunning
	case "paused":
		return StatusPaused
	case "exited":
		return StatusExited
	case "dead":
		return StatusDead
	default:
		return StatusUnknown
	}
}
