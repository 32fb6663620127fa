package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/agentrelay/internal/agent"
	"github.com/HyphaGroup/agentrelay/internal/config"
	"github.com/HyphaGroup/agentrelay/internal/logger"
	"github.com/HyphaGroup/agentrelay/internal/metrics"
)

// closeTimeout bounds how long Close waits for the engine to exit
const closeTimeout = 5 * time.Second

// ErrNotRunning is returned by Interrupt when no session is streaming
var ErrNotRunning = errors.New("session is not running")

// Output receives what the bridge forwards. Both methods report whether a
// client was connected to receive the message.
type Output interface {
	SendEvent(event *agent.StreamEvent) bool
	SendError(message string) bool
}

// Bridge owns the single agent session of the process. It opens the session
// at most once, feeds it from the input queue, and forwards its output to
// whichever client is connected at the time. Output produced while nobody
// is connected is dropped.
type Bridge struct {
	runtime  agent.Runtime
	queue    *InputQueue
	output   Output
	defaults *agent.Options

	startOnce sync.Once
	startErr  error

	mu       sync.RWMutex
	state    State
	executor agent.StreamingExecutor
	opts     *agent.Options
	err      error

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBridge creates a bridge in the uninitialized state
func NewBridge(runtime agent.Runtime, queue *InputQueue, output Output, defaults *agent.Options) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		runtime:  runtime,
		queue:    queue,
		output:   output,
		defaults: defaults,
		state:    StateUninitialized,
		ctx:      ctx,
		cancel:   cancel,
	}
	metrics.SetSessionState(string(StateUninitialized), stateNames())
	return b
}

// Start opens the session with cfg overlaid onto the defaults. Only the
// first call has an effect; later calls return its result.
func (b *Bridge) Start(cfg config.QueryConfig) error {
	b.startOnce.Do(func() {
		b.startErr = b.start(cfg)
	})
	return b.startErr
}

func (b *Bridge) start(cfg config.QueryConfig) error {
	opts := agent.BuildOptions(b.defaults, cfg)

	logger.Info("Opening %s session (cwd=%s, model=%q)", b.runtime.Name(), opts.Cwd, opts.Model)

	executor, err := b.runtime.Open(b.ctx, b.queue, opts)
	if err != nil {
		err = fmt.Errorf("failed to open session: %w", err)
		b.fail(err)
		return err
	}

	b.mu.Lock()
	b.executor = executor
	b.opts = opts
	b.state = StateRunning
	b.mu.Unlock()
	metrics.SetSessionState(string(StateRunning), stateNames())

	b.wg.Add(1)
	go b.forward(executor)
	return nil
}

// forward delivers session output until the session fails, ends, or the
// bridge is closed. Events are drained until the executor closes Events();
// the terminal error, if any, is already waiting on Errors() by then, so
// everything produced before a failure reaches the client first.
func (b *Bridge) forward(executor agent.StreamingExecutor) {
	defer b.wg.Done()

	events := executor.Events()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				select {
				case err := <-executor.Errors():
					if err != nil {
						b.fail(err)
						return
					}
				default:
				}
				b.end()
				return
			}
			if event.IsControl() {
				continue
			}
			if b.output.SendEvent(event) {
				metrics.RecordEventForwarded()
			} else {
				metrics.RecordEventDrop(metrics.DropNoConnection)
			}

		case <-b.ctx.Done():
			return
		}
	}
}

// fail moves the bridge to failed and surfaces err once
func (b *Bridge) fail(err error) {
	b.mu.Lock()
	if b.state.IsTerminal() {
		b.mu.Unlock()
		return
	}
	b.state = StateFailed
	b.err = err
	executor := b.executor
	b.mu.Unlock()

	metrics.SetSessionState(string(StateFailed), stateNames())
	logger.Error("Agent session failed: %v", err)

	if executor != nil {
		_ = executor.Close()
	}
	b.output.SendError(err.Error())
}

func (b *Bridge) end() {
	b.mu.Lock()
	if b.state.IsTerminal() {
		b.mu.Unlock()
		return
	}
	b.state = StateEnded
	b.mu.Unlock()

	metrics.SetSessionState(string(StateEnded), stateNames())
	logger.Info("Agent session ended")
}

// Interrupt cancels the in-flight turn. Queued turns are kept and the
// session keeps running.
func (b *Bridge) Interrupt() error {
	b.mu.RLock()
	state := b.state
	executor := b.executor
	b.mu.RUnlock()

	if state != StateRunning || executor == nil {
		return ErrNotRunning
	}
	return executor.Interrupt()
}

// State returns the current state
func (b *Bridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Err returns the failure that moved the bridge to failed, if any
func (b *Bridge) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

// Options returns the options the session was opened with, or nil
func (b *Bridge) Options() *agent.Options {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opts
}

// RuntimeSessionID returns the engine's session id once known
func (b *Bridge) RuntimeSessionID() string {
	b.mu.RLock()
	executor := b.executor
	b.mu.RUnlock()
	if executor == nil {
		return ""
	}
	return executor.RuntimeSessionID()
}

// QueueDepth returns the number of turns not yet consumed
func (b *Bridge) QueueDepth() int {
	return b.queue.Len()
}

// Close stops forwarding, shuts the session down and waits for the engine
// to exit
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()

		b.mu.RLock()
		executor := b.executor
		b.mu.RUnlock()
		if executor != nil {
			_ = executor.Close()
			select {
			case <-executor.Done():
			case <-time.After(closeTimeout):
				logger.Error("Agent session did not exit within %v", closeTimeout)
			}
		}
		b.wg.Wait()
	})
	return nil
}
