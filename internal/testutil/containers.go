package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/agentrelay/internal/container"
)

// MockRuntime is a test double for container.Runtime.
// It records calls and allows configuring responses for testing.
type MockRuntime struct {
	mu sync.Mutex

	// Configurable responses
	CreateError     error
	StartError      error
	StopError       error
	RemoveError     error
	ExecError       error
	InspectError    error
	ListError       error
	LogsResponse    string
	PullError       error
	PingError       error
	ImageExistsFunc func(imageName string) (bool, error)

	// HostIP is reported for every published port (default 127.0.0.1)
	HostIP string

	// Call tracking
	CreateCalls []container.CreateConfig
	StartCalls  []string
	StopCalls   []string
	RemoveCalls []RemoveCall
	ExecCalls   []ExecCall
	LogsCalls   []string
	PullCalls   []string

	// Container state (for stateful mocking)
	Containers map[string]*container.ContainerInfo

	nextID   int
	nextPort int
}

// RemoveCall records a Remove call.
type RemoveCall struct {
	ContainerID string
	Force       bool
}

// ExecCall records an ExecInteractive call.
type ExecCall struct {
	ContainerID string
	Config      container.ExecConfig
}

// NewMockRuntime creates a new mock runtime with sensible defaults.
func NewMockRuntime(t *testing.T) *MockRuntime {
	t.Helper()
	return &MockRuntime{
		HostIP:     "127.0.0.1",
		Containers: make(map[string]*container.ContainerInfo),
		nextPort:   49152,
	}
}

// Create implements container.Runtime. Published ports without a host
// port get sequential ephemeral ports.
func (m *MockRuntime) Create(ctx context.Context, config container.CreateConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateCalls = append(m.CreateCalls, config)
	if m.CreateError != nil {
		return "", m.CreateError
	}

	m.nextID++
	id := fmt.Sprintf("mock-%d", m.nextID)

	ports := make(map[int]string)
	for _, p := range config.PublishedPorts {
		hostPort := p.HostPort
		if hostPort == 0 {
			hostPort = m.nextPort
			m.nextPort++
		}
		ports[p.ContainerPort] = fmt.Sprintf("%s:%d", m.HostIP, hostPort)
	}

	labels := make(map[string]string, len(config.Labels))
	for k, v := range config.Labels {
		labels[k] = v
	}

	m.Containers[id] = &container.ContainerInfo{
		ID:        id,
		Name:      config.Name,
		Image:     config.Image,
		Status:    container.StatusCreated,
		Labels:    labels,
		Ports:     ports,
		CreatedAt: time.Now(),
	}

	return id, nil
}

// Start implements container.Runtime.
func (m *MockRuntime) Start(ctx context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StartCalls = append(m.StartCalls, containerID)
	if m.StartError != nil {
		return m.StartError
	}

	info, ok := m.Containers[containerID]
	if !ok {
		return fmt.Errorf("%w: %s", container.ErrNotFound, containerID)
	}
	info.Status = container.StatusRunning
	info.StartedAt = time.Now()
	return nil
}

// Stop implements container.Runtime.
func (m *MockRuntime) Stop(ctx context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StopCalls = append(m.StopCalls, containerID)
	if m.StopError != nil {
		return m.StopError
	}

	info, ok := m.Containers[containerID]
	if !ok {
		return fmt.Errorf("%w: %s", container.ErrNotFound, containerID)
	}
	info.Status = container.StatusStopped
	return nil
}

// Remove implements container.Runtime.
func (m *MockRuntime) Remove(ctx context.Context, containerID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RemoveCalls = append(m.RemoveCalls, RemoveCall{containerID, force})
	if m.RemoveError != nil {
		return m.RemoveError
	}

	if _, ok := m.Containers[containerID]; !ok {
		return fmt.Errorf("%w: %s", container.ErrNotFound, containerID)
	}
	delete(m.Containers, containerID)
	return nil
}

// ExecInteractive implements container.Runtime. The returned process
// exits shortly after it starts.
func (m *MockRuntime) ExecInteractive(ctx context.Context, containerID string, config container.ExecConfig) (*container.InteractiveExec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ExecCalls = append(m.ExecCalls, ExecCall{containerID, config})
	if m.ExecError != nil {
		return nil, m.ExecError
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = stdinR.Close()
		_ = stdoutW.Close()
		_ = stderrW.Close()
	}()

	return container.NewInteractiveExec(stdinW, stdoutR, stderrR, func() (int, error) {
		return 0, nil
	}), nil
}

// Inspect implements container.Runtime.
func (m *MockRuntime) Inspect(ctx context.Context, containerID string) (*container.ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InspectError != nil {
		return nil, m.InspectError
	}
	info, ok := m.Containers[containerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", container.ErrNotFound, containerID)
	}
	clone := *info
	return &clone, nil
}

// List implements container.Runtime.
func (m *MockRuntime) List(ctx context.Context, labels map[string]string) ([]container.ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListError != nil {
		return nil, m.ListError
	}

	var out []container.ContainerInfo
	for _, info := range m.Containers {
		if matchLabels(info.Labels, labels) {
			out = append(out, *info)
		}
	}
	return out, nil
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// Logs implements container.Runtime.
func (m *MockRuntime) Logs(ctx context.Context, containerID string, opts container.LogsOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LogsCalls = append(m.LogsCalls, containerID)
	if _, ok := m.Containers[containerID]; !ok {
		return "", fmt.Errorf("%w: %s", container.ErrNotFound, containerID)
	}
	return m.LogsResponse, nil
}

// ImageExists implements container.Runtime.
func (m *MockRuntime) ImageExists(ctx context.Context, imageName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ImageExistsFunc != nil {
		return m.ImageExistsFunc(imageName)
	}
	return true, nil
}

// Pull implements container.Runtime.
func (m *MockRuntime) Pull(ctx context.Context, imageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PullCalls = append(m.PullCalls, imageName)
	return m.PullError
}

// Ping implements container.Runtime.
func (m *MockRuntime) Ping(ctx context.Context) error {
	return m.PingError
}

// Close implements container.Runtime.
func (m *MockRuntime) Close() error {
	return nil
}

// Name implements container.Runtime.
func (m *MockRuntime) Name() string {
	return "mock"
}

// SetContainerStatus sets the status for a specific container.
func (m *MockRuntime) SetContainerStatus(containerID string, status container.ContainerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Containers[containerID] == nil {
		m.Containers[containerID] = &container.ContainerInfo{ID: containerID}
	}
	m.Containers[containerID].Status = status
}

// ContainerCount returns the number of containers that have not been removed.
func (m *MockRuntime) ContainerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Containers)
}

// AssertCreateCalled asserts Create was called with expected image.
func (m *MockRuntime) AssertCreateCalled(t *testing.T, expectedImage string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.CreateCalls {
		if m.CreateCalls[i].Image == expectedImage {
			return
		}
	}
	t.Errorf("Create not called with image %q, calls: %v", expectedImage, m.CreateCalls)
}

// AssertRemoveCalled asserts Remove was called with the given container ID.
func (m *MockRuntime) AssertRemoveCalled(t *testing.T, containerID string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, call := range m.RemoveCalls {
		if call.ContainerID == containerID {
			return
		}
	}
	t.Errorf("Remove not called with container %q, calls: %v", containerID, m.RemoveCalls)
}

// Verify MockRuntime implements Runtime interface
var _ container.Runtime = (*MockRuntime)(nil)
