package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/agentrelay/internal/container"
	"github.com/HyphaGroup/agentrelay/internal/logger"
)

// failureLogLines is how much container output a failed Create reports
const failureLogLines = 20

// DockerOptions configures a DockerProvider
type DockerOptions struct {
	// Port is the gateway port inside the sandbox (default 3000)
	Port int
	// ReadyTimeout bounds the wait for the gateway's /health (default 30s)
	ReadyTimeout time.Duration
	// HealthCheck probes a gateway endpoint; defaults to GET http://<endpoint>/health
	HealthCheck func(ctx context.Context, endpoint string) error
}

// DockerProvider runs each sandbox as a container on a container.Runtime
type DockerProvider struct {
	runtime container.Runtime
	opts    DockerOptions
}

var _ Provider = (*DockerProvider)(nil)

// NewDockerProvider creates a provider backed by rt
func NewDockerProvider(rt container.Runtime, opts DockerOptions) *DockerProvider {
	if opts.Port <= 0 {
		opts.Port = 3000
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.HealthCheck == nil {
		opts.HealthCheck = httpHealthCheck
	}
	return &DockerProvider{runtime: rt, opts: opts}
}

// Port returns the gateway port inside each sandbox
func (p *DockerProvider) Port() int {
	return p.opts.Port
}

// Create starts a container from the template image and waits until its
// gateway answers /health. A sandbox that fails to come up is removed.
func (p *DockerProvider) Create(ctx context.Context, template string, opts CreateOptions) (*Sandbox, error) {
	if err := container.EnsureImage(ctx, p.runtime, template); err != nil {
		return nil, err
	}

	id := "sbx_" + uuid.New().String()[:8]
	now := time.Now().UTC()
	var expires time.Time
	if opts.Timeout > 0 {
		expires = now.Add(opts.Timeout)
	}

	labels := map[string]string{
		LabelManaged:  "true",
		LabelID:       id,
		LabelTemplate: template,
	}
	if !expires.IsZero() {
		labels[LabelExpires] = expires.Format(time.RFC3339)
	}

	cfg := container.CreateConfig{
		Name:           "agentrelay-" + id[len("sbx_"):],
		Image:          template,
		Env:            envList(opts.Env),
		Labels:         labels,
		AutoRemove:     true,
		CPUs:           opts.CPUs,
		PublishedPorts: []container.PortBinding{{ContainerPort: p.opts.Port}},
	}
	if opts.MemoryMB > 0 {
		cfg.Memory = fmt.Sprintf("%dM", opts.MemoryMB)
	}

	containerID, err := p.runtime.Create(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}

	sb, err := p.startAndWait(ctx, containerID)
	if err != nil {
		if tail := p.logTail(context.WithoutCancel(ctx), containerID); tail != "" {
			err = fmt.Errorf("%w\ncontainer output:\n%s", err, tail)
		}
		if rmErr := p.runtime.Remove(context.WithoutCancel(ctx), containerID, true); rmErr != nil && !errors.Is(rmErr, container.ErrNotFound) {
			logger.Error("Failed to remove sandbox container %s: %v", containerID, rmErr)
		}
		return nil, err
	}

	sb.ID = id
	sb.Template = template
	sb.CreatedAt = now
	sb.ExpiresAt = expires
	logger.Info("📦 Sandbox %s started (%s)", id, sb.Host(p.opts.Port))
	return sb, nil
}

func (p *DockerProvider) startAndWait(ctx context.Context, containerID string) (*Sandbox, error) {
	if err := p.runtime.Start(ctx, containerID); err != nil {
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	info, err := p.runtime.Inspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect sandbox container: %w", err)
	}
	endpoint := info.Ports[p.opts.Port]
	if endpoint == "" {
		return nil, fmt.Errorf("%w: %d", ErrPortNotExposed, p.opts.Port)
	}

	if err := p.waitReady(ctx, endpoint); err != nil {
		return nil, err
	}
	return &Sandbox{ContainerID: containerID, Ports: info.Ports}, nil
}

// logTail returns the last lines the sandbox container printed, or "" when
// they cannot be read
func (p *DockerProvider) logTail(ctx context.Context, containerID string) string {
	logs, err := p.runtime.Logs(ctx, containerID, container.LogsOptions{Tail: strconv.Itoa(failureLogLines)})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(logs)
}

func (p *DockerProvider) waitReady(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = p.opts.HealthCheck(ctx, endpoint); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("sandbox gateway at %s not ready: %w", endpoint, lastErr)
		case <-ticker.C:
		}
	}
}

func httpHealthCheck(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// Kill stops the sandbox's container and removes it. A failed stop still
// falls through to a forced remove.
func (p *DockerProvider) Kill(ctx context.Context, id string) error {
	infos, err := p.runtime.List(ctx, map[string]string{LabelID: id})
	if err != nil {
		return fmt.Errorf("failed to find sandbox %s: %w", id, err)
	}
	if len(infos) == 0 {
		return fmt.Errorf("%w: %s", ErrSandboxNotFound, id)
	}

	for _, info := range infos {
		if err := p.runtime.Stop(ctx, info.ID); err != nil && !errors.Is(err, container.ErrNotFound) {
			logger.Error("Failed to stop sandbox %s: %v", id, err)
		}
		if err := p.runtime.Remove(ctx, info.ID, true); err != nil && !errors.Is(err, container.ErrNotFound) {
			return fmt.Errorf("failed to remove sandbox %s: %w", id, err)
		}
	}
	logger.Info("🗑️  Sandbox %s killed", id)
	return nil
}

// List returns the sandboxes whose containers still exist
func (p *DockerProvider) List(ctx context.Context) ([]*Sandbox, error) {
	infos, err := p.runtime.List(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	sandboxes := make([]*Sandbox, 0, len(infos))
	for _, info := range infos {
		sb := &Sandbox{
			ID:          info.Labels[LabelID],
			ContainerID: info.ID,
			Template:    info.Labels[LabelTemplate],
			CreatedAt:   info.CreatedAt,
			Ports:       info.Ports,
		}
		if v := info.Labels[LabelExpires]; v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				sb.ExpiresAt = t
			}
		}
		sandboxes = append(sandboxes, sb)
	}
	sort.Slice(sandboxes, func(i, j int) bool {
		return sandboxes[i].CreatedAt.Before(sandboxes[j].CreatedAt)
	})
	return sandboxes, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
