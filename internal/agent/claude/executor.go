// Package claude provides the Claude Code CLI engine runtime.
//
// executor.go - StreamingExecutor implementation
//
// This file contains:
// - StreamingExecutor struct implementing agent.StreamingExecutor
// - The turn pump that drains the input source into stdin
// - Event stream processing from stdout (readEvents)
//
// The executor manages one long-lived CLI process. Turns and control
// requests share stdin and are serialized by writeMu.

package claude

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/HyphaGroup/agentrelay/internal/agent"
	"github.com/HyphaGroup/agentrelay/internal/container"
	"github.com/HyphaGroup/agentrelay/internal/logger"
)

const (
	maxScanTokenSize = 10 * 1024 * 1024
	stderrTailSize   = 4096
)

// StreamingExecutor manages a bidirectional stream-json CLI session
type StreamingExecutor struct {
	exec      *container.InteractiveExec
	eventCh   chan *agent.StreamEvent
	errCh     chan error
	doneCh    chan struct{}
	stderrCh  chan struct{}
	requestID atomic.Int64
	writeMu   sync.Mutex
	mu        sync.RWMutex
	sessionID string
	stderr    tailBuffer
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// Ensure StreamingExecutor implements agent.StreamingExecutor
var _ agent.StreamingExecutor = (*StreamingExecutor)(nil)

func newStreamingExecutor(ctx context.Context, cancel context.CancelFunc, proc *container.InteractiveExec, input agent.TurnSource) *StreamingExecutor {
	e := &StreamingExecutor{
		exec:     proc,
		eventCh:  make(chan *agent.StreamEvent, 100),
		errCh:    make(chan error, 1),
		doneCh:   make(chan struct{}),
		stderrCh: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go e.readStderr()
	go e.readEvents()
	go e.pumpTurns(input)
	return e
}

// pumpTurns writes each turn from input to stdin until the session stops
func (e *StreamingExecutor) pumpTurns(input agent.TurnSource) {
	for {
		turn, err := input.Next(e.ctx)
		if err != nil {
			return
		}
		if err := e.writeFrame(turn); err != nil {
			logger.Error("Failed to write turn to claude: %v", err)
			e.abort(fmt.Errorf("failed to deliver turn to claude: %w", err))
			return
		}
	}
}

// abort ends the session with err. The error is queued before Close so it is
// on errCh by the time eventCh closes.
func (e *StreamingExecutor) abort(err error) {
	e.report(err)
	_ = e.Close()
}

// report queues the terminal error; only the first one is kept
func (e *StreamingExecutor) report(err error) {
	select {
	case e.errCh <- err:
	default:
	}
}

// Interrupt sends an interrupt control request for the in-flight turn
func (e *StreamingExecutor) Interrupt() error {
	if e.IsClosed() {
		return fmt.Errorf("executor is closed")
	}
	return e.writeFrame(NewInterruptRequest(e.requestID.Add(1)))
}

func (e *StreamingExecutor) writeFrame(v any) error {
	data, err := encodeLine(v)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.exec.Stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

// Events returns the channel for receiving stream events
func (e *StreamingExecutor) Events() <-chan *agent.StreamEvent {
	return e.eventCh
}

// Errors returns the channel for receiving the terminal error
func (e *StreamingExecutor) Errors() <-chan error {
	return e.errCh
}

// Done returns a channel that closes when the process has exited
func (e *StreamingExecutor) Done() <-chan struct{} {
	return e.doneCh
}

// Close stops the CLI. Closing stdin ends the session; the context
// cancellation kills the process if it lingers.
func (e *StreamingExecutor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	_ = e.exec.Close()
	return nil
}

// IsClosed returns whether the executor has been closed
func (e *StreamingExecutor) IsClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// RuntimeSessionID returns the CLI session id from the init event
func (e *StreamingExecutor) RuntimeSessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}

func (e *StreamingExecutor) setSessionID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = id
}

// readEvents reads JSONL events from stdout and sends them to the event
// channel. When stdout ends it reports a non-zero exit on errCh before
// closing eventCh.
func (e *StreamingExecutor) readEvents() {
	defer close(e.eventCh)
	defer close(e.doneCh)

	scanner := bufio.NewScanner(e.exec.Stdout)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		event, err := agent.ParseStreamEvent(line)
		if err != nil {
			logger.Info("Skipping non-event output from claude: %v", err)
			continue
		}
		if event.Type == agent.StreamEventSystem && event.Subtype == "init" && event.SessionID != "" {
			e.setSessionID(event.SessionID)
		}

		select {
		case e.eventCh <- event:
		case <-e.ctx.Done():
			e.drain()
			return
		}
	}
	scanErr := scanner.Err()

	<-e.stderrCh
	code, waitErr := e.exec.Wait()

	if e.IsClosed() {
		return
	}

	var err error
	switch {
	case scanErr != nil && !errors.Is(scanErr, io.ErrClosedPipe):
		err = fmt.Errorf("reading claude output: %w", scanErr)
	case waitErr != nil:
		err = fmt.Errorf("claude process failed: %w", waitErr)
	case code != 0:
		err = fmt.Errorf("claude exited with code %d%s", code, e.stderr.summary())
	}
	if err != nil {
		e.report(err)
	}
}

// drain reaps the process after a shutdown so it does not linger
func (e *StreamingExecutor) drain() {
	<-e.stderrCh
	_, _ = e.exec.Wait()
}

func (e *StreamingExecutor) readStderr() {
	defer close(e.stderrCh)
	if e.exec.Stderr == nil {
		return
	}
	_, _ = io.Copy(&e.stderr, e.exec.Stderr)
}

// tailBuffer keeps the last stderrTailSize bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrTailSize; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (t *tailBuffer) summary() string {
	s := strings.TrimSpace(t.String())
	if s == "" {
		return ""
	}
	return ": " + s
}
