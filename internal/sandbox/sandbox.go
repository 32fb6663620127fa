// Package sandbox provisions isolated hosts that run the relay gateway,
// keeps a record of them, and reaps the ones that outlive their timeout.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSandboxNotFound = errors.New("sandbox not found")
	ErrPortNotExposed  = errors.New("sandbox port not exposed")
)

// Labels attached to every sandbox container
const (
	LabelManaged  = "agentrelay.managed"
	LabelID       = "agentrelay.sandbox"
	LabelTemplate = "agentrelay.template"
	LabelExpires  = "agentrelay.expires"
)

// Sandbox is a running host for one relay gateway
type Sandbox struct {
	ID          string
	ContainerID string
	Template    string
	CreatedAt   time.Time
	ExpiresAt   time.Time

	// Ports maps container ports to host endpoints ("host:port")
	Ports map[int]string
}

// Host returns the "host:port" endpoint where the sandbox's port is
// reachable, or "" if the port is not published.
func (s *Sandbox) Host(port int) string {
	return s.Ports[port]
}

// Expired reports whether the sandbox has outlived its timeout at now.
// A sandbox without a deadline never expires.
func (s *Sandbox) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// CreateOptions configures a new sandbox
type CreateOptions struct {
	// APIKey authenticates against hosted providers; local providers ignore it
	APIKey   string
	Timeout  time.Duration
	CPUs     int
	MemoryMB int
	Env      map[string]string
}

// Provider creates and destroys sandboxes
type Provider interface {
	Create(ctx context.Context, template string, opts CreateOptions) (*Sandbox, error)
	Kill(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Sandbox, error)
}
