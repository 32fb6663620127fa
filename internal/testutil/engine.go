package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HyphaGroup/agentrelay/internal/agent"
)

// FakeRuntime is a test double for agent.Runtime. Every Open returns a
// FakeSession that drains the input source into a channel the test reads.
type FakeRuntime struct {
	mu       sync.Mutex
	sessions []*FakeSession

	// OpenError is returned from Open when set
	OpenError error
	// Echo makes sessions emit an assistant event for every consumed turn
	Echo bool
}

var _ agent.Runtime = (*FakeRuntime)(nil)

// NewFakeRuntime creates a fake engine
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{}
}

// Open implements agent.Runtime.
func (r *FakeRuntime) Open(ctx context.Context, input agent.TurnSource, opts *agent.Options) (agent.StreamingExecutor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.OpenError != nil {
		return nil, r.OpenError
	}

	s := newFakeSession(ctx, input, opts, r.Echo)
	r.sessions = append(r.sessions, s)
	return s, nil
}

// Ping implements agent.Runtime.
func (r *FakeRuntime) Ping(ctx context.Context) error { return nil }

// Close implements agent.Runtime.
func (r *FakeRuntime) Close() error { return nil }

// Name implements agent.Runtime.
func (r *FakeRuntime) Name() string { return "fake" }

// SetOpenError makes later Open calls fail with err
func (r *FakeRuntime) SetOpenError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.OpenError = err
}

// OpenCount returns how many sessions were opened
func (r *FakeRuntime) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Session returns the most recently opened session, or nil
func (r *FakeRuntime) Session() *FakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}

// WaitSession waits until a session has been opened
func (r *FakeRuntime) WaitSession(t *testing.T) *FakeSession {
	t.Helper()
	var s *FakeSession
	WaitFor(t, func() bool {
		s = r.Session()
		return s != nil
	}, "session was never opened")
	return s
}

// FakeSession is a test double for agent.StreamingExecutor
type FakeSession struct {
	Options *agent.Options

	turns  chan json.RawMessage
	events chan *agent.StreamEvent
	errs   chan error
	done   chan struct{}
	echo   bool

	interrupts atomic.Int32

	mu       sync.Mutex
	finished bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ agent.StreamingExecutor = (*FakeSession)(nil)

func newFakeSession(ctx context.Context, input agent.TurnSource, opts *agent.Options, echo bool) *FakeSession {
	ctx, cancel := context.WithCancel(ctx)
	s := &FakeSession{
		Options: opts,
		turns:   make(chan json.RawMessage, 100),
		events:  make(chan *agent.StreamEvent, 100),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		echo:    echo,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.wg.Add(1)
	go s.pump(input)
	return s
}

func (s *FakeSession) pump(input agent.TurnSource) {
	defer s.wg.Done()
	for {
		turn, err := input.Next(s.ctx)
		if err != nil {
			return
		}
		select {
		case s.turns <- turn:
		case <-s.ctx.Done():
			return
		}
		if s.echo {
			s.Emit(fmt.Sprintf(`{"type":"assistant","echo":%s}`, turn))
		}
	}
}

// Turns returns the channel of consumed turns, in consumption order
func (s *FakeSession) Turns() <-chan json.RawMessage {
	return s.turns
}

// NextTurn waits for the next consumed turn
func (s *FakeSession) NextTurn(t *testing.T) json.RawMessage {
	t.Helper()
	select {
	case turn := <-s.turns:
		return turn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a turn")
		return nil
	}
}

// Emit pushes a raw engine event; it is a no-op once the session finished
func (s *FakeSession) Emit(raw string) {
	ev, err := agent.ParseStreamEvent([]byte(raw))
	if err != nil {
		panic(fmt.Sprintf("testutil: bad fake event %q: %v", raw, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.events <- ev
}

// Fail ends the session with err
func (s *FakeSession) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.errs <- err
	close(s.events)
	close(s.done)
}

// End closes the session output without an error
func (s *FakeSession) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	close(s.events)
	close(s.done)
}

// InterruptCount returns how many interrupts were received
func (s *FakeSession) InterruptCount() int {
	return int(s.interrupts.Load())
}

// Interrupt implements agent.StreamingExecutor.
func (s *FakeSession) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.closed {
		return errors.New("session is not running")
	}
	s.interrupts.Add(1)
	return nil
}

// Events implements agent.StreamingExecutor.
func (s *FakeSession) Events() <-chan *agent.StreamEvent { return s.events }

// Errors implements agent.StreamingExecutor.
func (s *FakeSession) Errors() <-chan error { return s.errs }

// Done implements agent.StreamingExecutor.
func (s *FakeSession) Done() <-chan struct{} { return s.done }

// Close implements agent.StreamingExecutor.
func (s *FakeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.End()
	return nil
}

// RuntimeSessionID implements agent.StreamingExecutor.
func (s *FakeSession) RuntimeSessionID() string { return "fake-session" }

// IsClosed implements agent.StreamingExecutor.
func (s *FakeSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
