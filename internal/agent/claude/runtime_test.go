package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/agentrelay/internal/agent"
	"github.com/HyphaGroup/agentrelay/internal/container"
	"github.com/HyphaGroup/agentrelay/internal/testutil"
)

// fakeProcess is a CLI stand-in wired through in-memory pipes
type fakeProcess struct {
	argv   []string
	env    []string
	dir    string
	stdinR *io.PipeReader
	stdin  *bufio.Reader
	stdout *io.PipeWriter
	stderr *io.PipeWriter
	exit   chan int
}

func (p *fakeProcess) readFrame(t *testing.T) map[string]any {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := p.stdin.ReadString('\n')
		ch <- result{line, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("reading stdin: %v", r.err)
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(r.line), &frame); err != nil {
			t.Fatalf("stdin frame %q is not JSON: %v", r.line, err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stdin frame")
		return nil
	}
}

func (p *fakeProcess) emit(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(p.stdout, line+"\n"); err != nil {
		t.Fatalf("writing stdout: %v", err)
	}
}

// fakeLauncher hands each launch a fresh fakeProcess
type fakeLauncher struct {
	procs chan *fakeProcess
	err   error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{procs: make(chan *fakeProcess, 1)}
}

func (l *fakeLauncher) Launch(ctx context.Context, argv, env []string, dir string) (*container.InteractiveExec, error) {
	if l.err != nil {
		return nil, l.err
	}
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	p := &fakeProcess{
		argv:   argv,
		env:    env,
		dir:    dir,
		stdinR: stdinR,
		stdin:  bufio.NewReader(stdinR),
		stdout: stdoutW,
		stderr: stderrW,
		exit:   make(chan int, 1),
	}

	wait := func() (int, error) {
		select {
		case code := <-p.exit:
			return code, nil
		case <-ctx.Done():
			_ = stdinR.Close()
			return -1, nil
		}
	}
	l.procs <- p
	return container.NewInteractiveExec(stdinW, stdoutR, stderrR, wait), nil
}

func (l *fakeLauncher) process(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-l.procs:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("process was not launched")
		return nil
	}
}

// chanSource is a TurnSource backed by a channel
type chanSource chan json.RawMessage

func (s chanSource) Next(ctx context.Context) (json.RawMessage, error) {
	select {
	case turn := <-s:
		return turn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func openTestExecutor(t *testing.T) (agent.StreamingExecutor, *fakeProcess, chanSource) {
	t.Helper()
	launcher := newFakeLauncher()
	r := NewRuntime("claude", nil, launcher)
	input := make(chanSource, 10)

	opts := agent.DefaultOptions("/work")
	opts.Env["ANTHROPIC_API_KEY"] = "sk-test"
	exec, err := r.Open(context.Background(), input, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = exec.Close() })
	return exec, launcher.process(t), input
}

func nextEvent(t *testing.T, exec agent.StreamingExecutor) *agent.StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-exec.Events():
		if !ok {
			t.Fatal("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestRuntimeName(t *testing.T) {
	r := NewRuntime("", nil, nil)
	if r.Name() != "claude" {
		t.Errorf("Name() = %q, want 'claude'", r.Name())
	}
}

func TestRuntimeOpenLaunchesCLI(t *testing.T) {
	_, proc, _ := openTestExecutor(t)

	if proc.dir != "/work" {
		t.Errorf("dir = %q, want /work", proc.dir)
	}
	if proc.argv[0] != "claude" || !hasArg(proc.argv, "--print") {
		t.Errorf("argv = %v", proc.argv)
	}
	if len(proc.env) != 1 || proc.env[0] != "ANTHROPIC_API_KEY=sk-test" {
		t.Errorf("env = %v", proc.env)
	}
}

func TestRuntimeOpenLaunchError(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.err = errors.New("no such file")
	r := NewRuntime("claude", nil, launcher)

	_, err := r.Open(context.Background(), make(chanSource), agent.DefaultOptions("/work"))
	if err == nil || !strings.Contains(err.Error(), "no such file") {
		t.Errorf("Open() error = %v, want launch error", err)
	}
	if _, err := r.Open(context.Background(), make(chanSource), nil); err == nil {
		t.Error("Open(nil options) expected error")
	}
}

func TestExecutorWritesTurnsInOrder(t *testing.T) {
	_, proc, input := openTestExecutor(t)

	for i := 0; i < 5; i++ {
		input <- testutil.UserTurn(fmt.Sprintf("turn %d", i))
	}
	for i := 0; i < 5; i++ {
		frame := proc.readFrame(t)
		msg, _ := frame["message"].(map[string]any)
		if want := fmt.Sprintf("turn %d", i); msg["content"] != want {
			t.Errorf("frame %d content = %v, want %q", i, msg["content"], want)
		}
	}
}

func TestExecutorInterrupt(t *testing.T) {
	exec, proc, _ := openTestExecutor(t)

	errCh := make(chan error, 1)
	go func() { errCh <- exec.Interrupt() }()

	frame := proc.readFrame(t)
	if err := <-errCh; err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	if frame["type"] != "control_request" {
		t.Errorf("type = %v, want control_request", frame["type"])
	}
	req, _ := frame["request"].(map[string]any)
	if req["subtype"] != "interrupt" {
		t.Errorf("subtype = %v, want interrupt", req["subtype"])
	}
	if id, _ := frame["request_id"].(string); !strings.HasPrefix(id, "req_1_") {
		t.Errorf("request_id = %q", id)
	}
}

func TestExecutorReadsEvents(t *testing.T) {
	exec, proc, _ := openTestExecutor(t)

	go func() {
		_, _ = io.WriteString(proc.stdout, `{"type":"system","subtype":"init","session_id":"abc"}`+"\n")
		_, _ = io.WriteString(proc.stdout, "not json\n")
		_, _ = io.WriteString(proc.stdout, testutil.AssistantEvent("hi")+"\n")
	}()

	ev := nextEvent(t, exec)
	if ev.Type != agent.StreamEventSystem || ev.SessionID != "abc" {
		t.Errorf("first event = %+v", ev)
	}
	ev = nextEvent(t, exec)
	if ev.Type != agent.StreamEventAssistant {
		t.Errorf("second event type = %q, want assistant", ev.Type)
	}
	if exec.RuntimeSessionID() != "abc" {
		t.Errorf("RuntimeSessionID() = %q, want abc", exec.RuntimeSessionID())
	}
}

func TestExecutorReportsNonZeroExit(t *testing.T) {
	exec, proc, _ := openTestExecutor(t)

	go func() {
		_, _ = io.WriteString(proc.stderr, "Invalid API key\n")
		_ = proc.stderr.Close()
		_ = proc.stdout.Close()
		proc.exit <- 1
	}()

	for range exec.Events() {
	}

	select {
	case err := <-exec.Errors():
		if err == nil || !strings.Contains(err.Error(), "code 1") || !strings.Contains(err.Error(), "Invalid API key") {
			t.Errorf("error = %v", err)
		}
	default:
		t.Fatal("no error reported before events closed")
	}
	<-exec.Done()
}

func TestExecutorCleanExit(t *testing.T) {
	exec, proc, _ := openTestExecutor(t)

	go func() {
		_ = proc.stderr.Close()
		_ = proc.stdout.Close()
		proc.exit <- 0
	}()

	for range exec.Events() {
	}
	select {
	case err := <-exec.Errors():
		t.Errorf("unexpected error %v", err)
	default:
	}
}

func TestExecutorClose(t *testing.T) {
	exec, _, _ := openTestExecutor(t)

	if err := exec.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := exec.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if !exec.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}

	select {
	case <-exec.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not finish after Close")
	}
	select {
	case err := <-exec.Errors():
		t.Errorf("Close reported error %v", err)
	default:
	}
	if err := exec.Interrupt(); err == nil {
		t.Error("Interrupt() after Close expected error")
	}
}

func TestExecutorFailsWhenTurnCannotBeWritten(t *testing.T) {
	exec, proc, input := openTestExecutor(t)

	_ = proc.stdinR.CloseWithError(errors.New("broken pipe"))
	input <- agent.NewUserTurn("lost")

	done := make(chan struct{})
	go func() {
		for range exec.Events() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events did not close after the write failure")
	}

	select {
	case err := <-exec.Errors():
		if err == nil || !strings.Contains(err.Error(), "failed to deliver turn") {
			t.Errorf("error = %v, want delivery failure", err)
		}
	default:
		t.Fatal("no error reported before events closed")
	}
	if !exec.IsClosed() {
		t.Error("IsClosed() = false after a failed write")
	}
}
