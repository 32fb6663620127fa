package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/agentrelay/internal/agent"
	"github.com/HyphaGroup/agentrelay/internal/audit"
	"github.com/HyphaGroup/agentrelay/internal/config"
	"github.com/HyphaGroup/agentrelay/internal/gateway"
	"github.com/HyphaGroup/agentrelay/internal/sandbox"
	"github.com/HyphaGroup/agentrelay/internal/testutil"
)

// fakeProvider hands out one sandbox pointing at a fixed endpoint
type fakeProvider struct {
	endpoint string

	mu      sync.Mutex
	created []sandbox.CreateOptions
	killed  []string
}

func (p *fakeProvider) Create(ctx context.Context, template string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, opts)
	return &sandbox.Sandbox{
		ID:        "sbx_test",
		Template:  template,
		CreatedAt: time.Now(),
		Ports:     map[int]string{3000: p.endpoint},
	}, nil
}

func (p *fakeProvider) Kill(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = append(p.killed, id)
	return nil
}

func (p *fakeProvider) List(ctx context.Context) ([]*sandbox.Sandbox, error) {
	return nil, nil
}

func (p *fakeProvider) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.killed)
}

type relay struct {
	server   *gateway.Server
	runtime  *testutil.FakeRuntime
	http     *httptest.Server
	provider *fakeProvider
}

func newRelay(t *testing.T) *relay {
	t.Helper()

	rt := testutil.NewFakeRuntime()
	s, err := gateway.NewServer(gateway.Options{
		WorkspaceDir: t.TempDir(),
		Runtime:      rt,
		Audit:        audit.NewWithWriter(io.Discard, true),
		Version:      "test",
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Shutdown(context.Background())
	})

	return &relay{
		server:   s,
		runtime:  rt,
		http:     ts,
		provider: &fakeProvider{endpoint: strings.TrimPrefix(ts.URL, "http://")},
	}
}

func (r *relay) start(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.AnthropicAPIKey == "" {
		opts.AnthropicAPIKey = "sk-test"
	}
	if opts.ConnectionURL == "" && opts.Provider == nil {
		opts.Provider = r.provider
	}
	c := New(opts)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func TestClient_StartWithSandbox(t *testing.T) {
	r := newRelay(t)
	c := r.start(t, Options{
		Timeout:       time.Minute,
		SandboxAPIKey: "sbx-key",
		Query:         config.QueryConfig{Model: "claude-sonnet-4-5"},
	})

	if c.Sandbox() == nil || c.Sandbox().ID != "sbx_test" {
		t.Fatalf("Sandbox() = %v, want sbx_test", c.Sandbox())
	}
	if got := r.provider.created[0]; got.APIKey != "sbx-key" || got.Timeout != time.Minute {
		t.Errorf("CreateOptions = %+v, want key and timeout passed through", got)
	}

	fake := r.runtime.WaitSession(t)
	if fake.Options.Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q, want claude-sonnet-4-5", fake.Options.Model)
	}
	if fake.Options.Env[config.AnthropicAPIKeyEnv] != "sk-test" {
		t.Errorf("engine env %s not set from the client", config.AnthropicAPIKeyEnv)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if r.provider.killCount() != 1 {
		t.Errorf("killed = %d sandboxes, want 1", r.provider.killCount())
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if r.provider.killCount() != 1 {
		t.Errorf("second Stop() killed again")
	}
}

func TestClient_ConnectionURL(t *testing.T) {
	r := newRelay(t)
	c := r.start(t, Options{ConnectionURL: r.http.URL + "/"})

	if c.Sandbox() != nil {
		t.Errorf("Sandbox() = %v, want nil", c.Sandbox())
	}
	if len(r.provider.created) != 0 {
		t.Errorf("provider used with a connection URL")
	}
	r.runtime.WaitSession(t)
}

func TestClient_SendAndReceive(t *testing.T) {
	r := newRelay(t)
	c := r.start(t, Options{})
	fake := r.runtime.WaitSession(t)

	got := make(chan Message, 10)
	c.OnMessage(func(m Message) { got <- m })

	if err := c.SendText("hello"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if turn, want := string(fake.NextTurn(t)), string(agent.NewUserTurn("hello")); turn != want {
		t.Errorf("turn = %s, want %s", turn, want)
	}

	fake.Emit(testutil.AssistantEvent("hi there"))
	fake.Emit(testutil.ResultEvent("done"))

	msg := receive(t, got)
	if text, ok := AssistantText(msg); !ok || text != "hi there" {
		t.Errorf("AssistantText() = %q, %v, want hi there", text, ok)
	}
	msg = receive(t, got)
	if res, ok := Result(msg); !ok || res.Text != "done" || res.IsError {
		t.Errorf("Result() = %+v, %v, want done", res, ok)
	}
}

func TestClient_Unsubscribe(t *testing.T) {
	r := newRelay(t)
	c := r.start(t, Options{})
	fake := r.runtime.WaitSession(t)

	first := make(chan Message, 10)
	second := make(chan Message, 10)
	unsubscribe := c.OnMessage(func(m Message) { first <- m })
	c.OnMessage(func(m Message) { second <- m })

	unsubscribe()
	unsubscribe()

	fake.Emit(testutil.AssistantEvent("x"))
	receive(t, second)

	select {
	case m := <-first:
		t.Errorf("unsubscribed handler received %v", m)
	default:
	}
}

func TestClient_FileOperations(t *testing.T) {
	r := newRelay(t)
	c := r.start(t, Options{})
	ctx := context.Background()

	if err := c.WriteFile(ctx, "notes.txt", []byte("hello")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	binary := []byte{0xff, 0x00, 0xfe}
	if err := c.WriteFile(ctx, "blob.bin", binary); err != nil {
		t.Fatalf("WriteFile(binary) error = %v", err)
	}

	data, err := c.ReadFile(ctx, "notes.txt")
	if err != nil || string(data) != "hello" {
		t.Errorf("ReadFile() = %q, %v, want hello", data, err)
	}
	data, err = c.ReadFile(ctx, "blob.bin")
	if err != nil || !bytes.Equal(data, binary) {
		t.Errorf("ReadFile(binary) = %v, %v, want %v", data, err, binary)
	}

	names, err := c.ListFiles(ctx, "")
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if strings.Join(names, ",") != "blob.bin,notes.txt" {
		t.Errorf("ListFiles() = %v, want [blob.bin notes.txt]", names)
	}

	if err := c.RemoveFile(ctx, "notes.txt"); err != nil {
		t.Fatalf("RemoveFile() error = %v", err)
	}

	_, err = c.ReadFile(ctx, "notes.txt")
	var serr *ServerError
	if !errors.As(err, &serr) {
		t.Fatalf("ReadFile(removed) error = %v, want *ServerError", err)
	}
	if serr.Code != string(gateway.CodeFileOperationFailure) || !strings.HasPrefix(serr.Message, "Failed to read file") {
		t.Errorf("ServerError = %+v, want file_operation_failure", serr)
	}
}

func TestClient_FileRepliesNotBroadcast(t *testing.T) {
	r := newRelay(t)
	c := r.start(t, Options{})

	got := make(chan Message, 10)
	c.OnMessage(func(m Message) { got <- m })

	if err := c.WriteFile(context.Background(), "a.txt", []byte("x")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	select {
	case m := <-got:
		t.Errorf("handler received file reply %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_HandlerCanUseFileOperations(t *testing.T) {
	r := newRelay(t)
	c := r.start(t, Options{})
	fake := r.runtime.WaitSession(t)
	ctx := context.Background()

	if err := c.WriteFile(ctx, "state.txt", []byte("saved")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	type readResult struct {
		data []byte
		err  error
	}
	got := make(chan readResult, 1)
	c.OnMessage(func(m Message) {
		if _, ok := AssistantText(m); !ok {
			return
		}
		data, err := c.ReadFile(ctx, "state.txt")
		got <- readResult{data, err}
	})

	fake.Emit(testutil.AssistantEvent("check the file"))

	select {
	case res := <-got:
		if res.err != nil || string(res.data) != "saved" {
			t.Errorf("ReadFile() from handler = %q, %v, want saved", res.data, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadFile() from a handler never returned")
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := New(Options{})
	if err := c.SendText("x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText() error = %v, want ErrNotConnected", err)
	}
	if _, err := c.ListFiles(context.Background(), ""); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListFiles() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_StartErrors(t *testing.T) {
	t.Setenv(config.AnthropicAPIKeyEnv, "")

	c := New(Options{Provider: &fakeProvider{}})
	if err := c.Start(context.Background()); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("Start() without key error = %v, want ErrMissingAPIKey", err)
	}

	c = New(Options{AnthropicAPIKey: "sk"})
	if err := c.Start(context.Background()); !errors.Is(err, ErrNoProvider) {
		t.Errorf("Start() without provider error = %v, want ErrNoProvider", err)
	}
}

func TestClient_KeyFromEnvironment(t *testing.T) {
	t.Setenv(config.AnthropicAPIKeyEnv, "sk-env")
	r := newRelay(t)

	c := New(Options{Provider: r.provider})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	fake := r.runtime.WaitSession(t)
	if fake.Options.Env[config.AnthropicAPIKeyEnv] != "sk-env" {
		t.Errorf("engine env = %v, want key from environment", fake.Options.Env)
	}
}

func TestClient_ConfigRejectedKillsSandbox(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Invalid config"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	provider := &fakeProvider{endpoint: strings.TrimPrefix(ts.URL, "http://")}
	c := New(Options{Provider: provider, AnthropicAPIKey: "sk"})

	err := c.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("Start() error = %v, want 400", err)
	}
	if provider.killCount() != 1 {
		t.Errorf("killed = %d sandboxes, want 1", provider.killCount())
	}
	if c.Sandbox() != nil {
		t.Errorf("Sandbox() = %v after failed start, want nil", c.Sandbox())
	}
}

func TestClient_SecondClientRejected(t *testing.T) {
	r := newRelay(t)
	r.start(t, Options{ConnectionURL: r.http.URL})

	c := New(Options{ConnectionURL: r.http.URL, AnthropicAPIKey: "sk"})
	err := c.Start(context.Background())
	var serr *ServerError
	if !errors.As(err, &serr) {
		t.Fatalf("Start() error = %v, want *ServerError", err)
	}
	if serr.Code != string(gateway.CodeAlreadyConnected) {
		t.Errorf("Code = %q, want already_connected", serr.Code)
	}
}

func TestClient_DoneAfterServerShutdown(t *testing.T) {
	r := newRelay(t)
	c := r.start(t, Options{})

	if err := r.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() not closed after the connection dropped")
	}
	if err := c.SendText("x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText() error = %v, want ErrNotConnected", err)
	}
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return Message{}
	}
}
