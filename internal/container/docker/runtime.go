package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/HyphaGroup/agentrelay/internal/container"
	"github.com/HyphaGroup/agentrelay/internal/logger"
)

const defaultHostIP = "127.0.0.1"

// Runtime implements container.Runtime using Docker SDK
type Runtime struct {
	client *client.Client
}

var _ container.Runtime = (*Runtime)(nil)

// NewRuntime creates a new Docker runtime
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runtime{client: cli}, nil
}

// Name returns the runtime name
func (r *Runtime) Name() string {
	return "docker"
}

// Ping verifies connectivity to Docker daemon
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close closes the Docker client connection
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Create creates a new container
func (r *Runtime) Create(ctx context.Context, cfg container.CreateConfig) (string, error) {
	exposed, bindings, err := portBindings(cfg.PublishedPorts)
	if err != nil {
		return "", err
	}

	containerConfig := &dockercontainer.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		Labels:       cfg.Labels,
		ExposedPorts: exposed,
		Tty:          false,
	}

	hostConfig := &dockercontainer.HostConfig{
		AutoRemove:   cfg.AutoRemove,
		PortBindings: bindings,
		Init:         boolPtr(true),
		Resources:    buildResourceConstraints(cfg.Memory, cfg.CPUs),
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return resp.ID, nil
}

// portBindings converts published ports to the engine's port set and map
func portBindings(ports []container.PortBinding) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %d: %w", p.ContainerPort, err)
		}

		hostIP := p.HostIP
		if hostIP == "" {
			hostIP = defaultHostIP
		}
		hostPort := ""
		if p.HostPort > 0 {
			hostPort = strconv.Itoa(p.HostPort)
		}

		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostIP: hostIP, HostPort: hostPort})
	}
	return exposed, bindings, nil
}

// Start starts a container
func (r *Runtime) Start(ctx context.Context, containerID string) error {
	if err := r.client.ContainerStart(ctx, containerID, dockercontainer.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// Stop stops a container
func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	return mapNotFound(r.client.ContainerStop(ctx, containerID, dockercontainer.StopOptions{}))
}

// Remove removes a container
func (r *Runtime) Remove(ctx context.Context, containerID string, force bool) error {
	return mapNotFound(r.client.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: force}))
}

// ExecInteractive starts an interactive command execution with I/O pipes
func (r *Runtime) ExecInteractive(ctx context.Context, containerID string, cfg container.ExecConfig) (*container.InteractiveExec, error) {
	execConfig := dockercontainer.ExecOptions{
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  true,
		Tty:          false,
		User:         cfg.User,
	}

	execResp, err := r.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := r.client.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()

	// Demux stdout/stderr in background
	go func() {
		defer func() { _ = stdoutWriter.Close() }()
		defer func() { _ = stderrWriter.Close() }()
		_, _ = stdcopy.StdCopy(stdoutWriter, stderrWriter, attachResp.Reader)
	}()

	execID := execResp.ID
	wait := func() (int, error) {
		for {
			inspectResp, err := r.client.ContainerExecInspect(ctx, execID)
			if err != nil {
				return -1, fmt.Errorf("failed to inspect exec: %w", err)
			}
			if !inspectResp.Running {
				return inspectResp.ExitCode, nil
			}
			select {
			case <-ctx.Done():
				return -1, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	stdin := &hijackedWriteCloser{conn: attachResp}

	return container.NewInteractiveExec(stdin, stdoutReader, stderrReader, wait), nil
}

// hijackedWriteCloser wraps a HijackedResponse to implement io.WriteCloser
type hijackedWriteCloser struct {
	conn types.HijackedResponse
}

func (h *hijackedWriteCloser) Write(p []byte) (n int, err error) {
	return h.conn.Conn.Write(p)
}

func (h *hijackedWriteCloser) Close() error {
	h.conn.Close()
	return nil
}

// Inspect returns container information
func (r *Runtime) Inspect(ctx context.Context, containerID string) (*container.ContainerInfo, error) {
	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, mapNotFound(err)
	}

	info := &container.ContainerInfo{
		ID:     inspect.ID,
		Name:   inspect.Name,
		Image:  inspect.Image,
		Status: container.StatusUnknown,
	}
	if inspect.State != nil {
		info.Status = container.ParseStatus(inspect.State.Status)
		info.StartedAt, _ = time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	if inspect.NetworkSettings != nil {
		info.IPAddress = inspect.NetworkSettings.IPAddress
		info.Ports = hostEndpoints(inspect.NetworkSettings.Ports)
	}
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, inspect.Created)

	return info, nil
}

// hostEndpoints maps each bound container port to its first host endpoint
func hostEndpoints(ports nat.PortMap) map[int]string {
	out := make(map[int]string)
	for port, bindings := range ports {
		if port.Proto() != "tcp" || len(bindings) == 0 {
			continue
		}
		b := bindings[0]
		host := b.HostIP
		if host == "" || host == "0.0.0.0" {
			host = defaultHostIP
		}
		out[port.Int()] = net.JoinHostPort(host, b.HostPort)
	}
	return out
}

// List returns containers (running or not) carrying all of labels
func (r *Runtime) List(ctx context.Context, labels map[string]string) ([]container.ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	summaries, err := r.client.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]container.ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		info := container.ContainerInfo{
			ID:        s.ID,
			Image:     s.Image,
			Status:    container.ParseStatus(s.State),
			Labels:    s.Labels,
			Ports:     make(map[int]string),
			CreatedAt: time.Unix(s.Created, 0),
		}
		if len(s.Names) > 0 {
			info.Name = s.Names[0]
		}
		for _, p := range s.Ports {
			if p.Type == "tcp" && p.PublicPort != 0 {
				host := p.IP
				if host == "" || host == "0.0.0.0" {
					host = defaultHostIP
				}
				info.Ports[int(p.PrivatePort)] = net.JoinHostPort(host, strconv.Itoa(int(p.PublicPort)))
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Logs retrieves container logs
func (r *Runtime) Logs(ctx context.Context, containerID string, opts container.LogsOptions) (string, error) {
	options := dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: opts.Timestamps,
		Tail:       opts.Tail,
	}

	if options.Tail == "" {
		options.Tail = "1000"
	}

	logs, err := r.client.ContainerLogs(ctx, containerID, options)
	if err != nil {
		return "", fmt.Errorf("failed to get container logs: %w", mapNotFound(err))
	}
	defer func() { _ = logs.Close() }()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}

	return buf.String(), nil
}

// ImageExists checks if a Docker image exists locally
func (r *Runtime) ImageExists(ctx context.Context, imageName string) (bool, error) {
	_, err := r.client.ImageInspect(ctx, imageName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image: %w", err)
	}
	return true, nil
}

// Pull pulls an image from a registry
func (r *Runtime) Pull(ctx context.Context, imageName string) error {
	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	type pullProgress struct {
		Status string `json:"status"`
		ID     string `json:"id"`
		Error  string `json:"error"`
	}

	decoder := json.NewDecoder(reader)
	for {
		var msg pullProgress
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to decode pull output: %w", err)
		}

		if msg.Error != "" {
			return fmt.Errorf("pull error: %s", msg.Error)
		}
		if msg.ID == "" && msg.Status != "" {
			logger.Info("   %s", msg.Status)
		}
	}

	return nil
}

func mapNotFound(err error) error {
	if err != nil && client.IsErrNotFound(err) {
		return fmt.Errorf("%w: %v", container.ErrNotFound, err)
	}
	return err
}

func boolPtr(b bool) *bool {
	return &b
}

// buildResourceConstraints creates Docker resource constraints from config
func buildResourceConstraints(memory string, cpus int) dockercontainer.Resources {
	resources := dockercontainer.Resources{}

	if memory != "" {
		memBytes := parseMemoryString(memory)
		if memBytes > 0 {
			resources.Memory = memBytes
		}
	}

	// 1 CPU = 1e9 NanoCPUs
	if cpus > 0 {
		resources.NanoCPUs = int64(cpus) * 1e9
	}

	return resources
}

// parseMemoryString converts memory strings like "4G", "2048M" to bytes
func parseMemoryString(mem string) int64 {
	if mem == "" {
		return 0
	}

	var multiplier int64 = 1
	numStr := mem

	if len(mem) > 1 {
		suffix := mem[len(mem)-1]
		switch suffix {
		case 'K', 'k':
			multiplier = 1024
			numStr = mem[:len(mem)-1]
		case 'M', 'm':
			multiplier = 1024 * 1024
			numStr = mem[:len(mem)-1]
		case 'G', 'g':
			multiplier = 1024 * 1024 * 1024
			numStr = mem[:len(mem)-1]
		case 'T', 't':
			multiplier = 1024 * 1024 * 1024 * 1024
			numStr = mem[:len(mem)-1]
		}
	}

	value, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0
	}
	return value * multiplier
}
