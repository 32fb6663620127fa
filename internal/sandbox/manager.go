package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HyphaGroup/agentrelay/internal/logger"
	"github.com/HyphaGroup/agentrelay/internal/metrics"
	"github.com/HyphaGroup/agentrelay/internal/validation"
)

// Manager wraps a Provider with a persistent record of every sandbox it
// creates. It satisfies Provider itself.
type Manager struct {
	provider Provider
	store    *Store
	port     int
	now      func() time.Time
}

var _ Provider = (*Manager)(nil)

// NewManager creates a manager; port is the gateway port recorded as each
// sandbox's endpoint.
func NewManager(provider Provider, store *Store, port int) *Manager {
	return &Manager{provider: provider, store: store, port: port, now: time.Now}
}

// Create provisions a sandbox and records it. A sandbox that cannot be
// recorded is killed again.
func (m *Manager) Create(ctx context.Context, template string, opts CreateOptions) (*Sandbox, error) {
	sb, err := m.provider.Create(ctx, template, opts)
	if err != nil {
		return nil, err
	}

	if err := m.store.Insert(sb, sb.Host(m.port)); err != nil {
		if killErr := m.provider.Kill(context.WithoutCancel(ctx), sb.ID); killErr != nil {
			logger.Error("Failed to kill unrecorded sandbox %s: %v", sb.ID, killErr)
		}
		return nil, err
	}
	return sb, nil
}

// Kill destroys a sandbox and marks its record killed. A sandbox whose
// container is already gone is marked gone instead.
func (m *Manager) Kill(ctx context.Context, id string) error {
	if err := validation.ValidateSandboxID(id); err != nil {
		return err
	}

	status := StatusKilled
	if err := m.provider.Kill(ctx, id); err != nil {
		if !errors.Is(err, ErrSandboxNotFound) {
			return err
		}
		status = StatusGone
	}

	if err := m.store.MarkEnded(id, status, m.now()); err != nil {
		if errors.Is(err, ErrSandboxNotFound) && status == StatusKilled {
			return nil
		}
		return err
	}
	return nil
}

// List returns the live sandboxes
func (m *Manager) List(ctx context.Context) ([]*Sandbox, error) {
	return m.provider.List(ctx)
}

// Records returns the recorded history, optionally filtered by status
func (m *Manager) Records(status Status) ([]*Record, error) {
	return m.store.List(status)
}

// Reap kills live sandboxes past their deadline and marks records whose
// containers vanished as gone. It returns the number of sandboxes killed.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	now := m.now()

	live, err := m.provider.List(ctx)
	if err != nil {
		return 0, err
	}

	alive := make(map[string]bool, len(live))
	killed := 0
	var errs []error
	for _, sb := range live {
		if !sb.Expired(now) {
			alive[sb.ID] = true
			continue
		}
		if err := m.provider.Kill(ctx, sb.ID); err != nil && !errors.Is(err, ErrSandboxNotFound) {
			alive[sb.ID] = true
			errs = append(errs, fmt.Errorf("kill %s: %w", sb.ID, err))
			continue
		}
		killed++
		logger.Info("⏰ Sandbox %s expired at %s", sb.ID, sb.ExpiresAt.Format(time.RFC3339))
		if err := m.store.MarkEnded(sb.ID, StatusExpired, now); err != nil && !errors.Is(err, ErrSandboxNotFound) {
			errs = append(errs, err)
		}
	}

	running, err := m.store.List(StatusRunning)
	if err != nil {
		errs = append(errs, err)
	}
	for _, rec := range running {
		if !alive[rec.ID] {
			if err := m.store.MarkEnded(rec.ID, StatusGone, now); err != nil {
				errs = append(errs, err)
			}
		}
	}

	metrics.SetSandboxesRunning(float64(len(alive)))
	return killed, errors.Join(errs...)
}
