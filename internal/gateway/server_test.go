package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/agentrelay/internal/audit"
	"github.com/HyphaGroup/agentrelay/internal/session"
	"github.com/HyphaGroup/agentrelay/internal/testutil"
)

type testRelay struct {
	server  *Server
	runtime *testutil.FakeRuntime
	http    *httptest.Server
	wsURL   string
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	rt := testutil.NewFakeRuntime()
	s, err := NewServer(Options{
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

	return &testRelay{
		server:  s,
		runtime: rt,
		http:    ts,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (r *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(r.wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// connect dials and consumes the connected acknowledgement
func (r *testRelay) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	ws := r.dial(t)
	if f := readFrame(t, ws); f["type"] != TypeConnected {
		t.Fatalf("first frame = %v, want connected", f)
	}
	return ws
}

func (r *testRelay) postConfig(t *testing.T, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(r.http.URL+"/config", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /config error = %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp)
}

func (r *testRelay) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(r.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	return body
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame %s is not JSON: %v", data, err)
	}
	return frame
}

func sendFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func userMessage(text string) map[string]any {
	return map[string]any{"type": TypeUserMessage, "data": testutil.UserTurn(text)}
}

func TestRelay_TurnsDeliveredInOrder(t *testing.T) {
	r := newTestRelay(t)
	ws := r.connect(t)
	fake := r.runtime.WaitSession(t)

	texts := []string{"first", "second", "third"}
	for _, text := range texts {
		sendFrame(t, ws, userMessage(text))
	}

	for _, text := range texts {
		got := fake.NextTurn(t)
		if want := testutil.UserTurn(text); string(got) != string(want) {
			t.Errorf("turn = %s, want %s", got, want)
		}
	}
	if r.runtime.OpenCount() != 1 {
		t.Errorf("OpenCount() = %d, want 1", r.runtime.OpenCount())
	}
}

func TestRelay_ForwardsEngineOutput(t *testing.T) {
	r := newTestRelay(t)
	ws := r.connect(t)
	fake := r.runtime.WaitSession(t)

	fake.Emit(`{"type":"control_response","response":{}}`)
	fake.Emit(testutil.AssistantEvent("hello"))
	fake.Emit(testutil.ResultEvent("done"))

	f := readFrame(t, ws)
	if f["type"] != TypeSDKMessage {
		t.Fatalf("frame type = %v, want sdk_message", f["type"])
	}
	if data := f["data"].(map[string]any); data["type"] != "assistant" {
		t.Errorf("data.type = %v, want assistant (control events are not forwarded)", data["type"])
	}

	f = readFrame(t, ws)
	if data := f["data"].(map[string]any); data["type"] != "result" || data["result"] != "done" {
		t.Errorf("data = %v, want result done", data)
	}
}

func TestRelay_SecondConnectionRejected(t *testing.T) {
	r := newTestRelay(t)
	a := r.connect(t)
	r.runtime.WaitSession(t)

	b := r.dial(t)
	f := readFrame(t, b)
	if f["type"] != TypeError || f["code"] != string(CodeAlreadyConnected) {
		t.Fatalf("frame = %v, want already_connected error", f)
	}
	if f["error"] != alreadyConnectedMessage {
		t.Errorf("error = %v, want %q", f["error"], alreadyConnectedMessage)
	}

	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := b.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("ReadMessage() error = %v, want close %d", err, websocket.ClosePolicyViolation)
	}

	// The first connection is unaffected
	sendFrame(t, a, map[string]any{"type": TypeListFiles})
	if f := readFrame(t, a); f["type"] != TypeFileResult {
		t.Errorf("frame on live connection = %v, want file_result", f)
	}
}

func TestRelay_ReconnectKeepsSession(t *testing.T) {
	r := newTestRelay(t)
	a := r.connect(t)
	fake := r.runtime.WaitSession(t)

	_ = a.Close()
	testutil.WaitFor(t, func() bool { return r.server.Gate().Live() == nil }, "connection was never released")

	b := r.connect(t)
	sendFrame(t, b, userMessage("after reconnect"))
	if got := fake.NextTurn(t); string(got) != string(testutil.UserTurn("after reconnect")) {
		t.Errorf("turn = %s, want after reconnect", got)
	}
	if r.runtime.OpenCount() != 1 {
		t.Errorf("OpenCount() = %d, want 1", r.runtime.OpenCount())
	}
}

func TestRelay_InterruptKeepsLaterTurns(t *testing.T) {
	r := newTestRelay(t)
	ws := r.connect(t)
	fake := r.runtime.WaitSession(t)

	sendFrame(t, ws, userMessage("long task"))
	fake.NextTurn(t)

	sendFrame(t, ws, map[string]any{"type": TypeInterrupt})
	sendFrame(t, ws, userMessage("next task"))

	if got := fake.NextTurn(t); string(got) != string(testutil.UserTurn("next task")) {
		t.Errorf("turn = %s, want next task", got)
	}
	testutil.WaitFor(t, func() bool { return fake.InterruptCount() == 1 }, "interrupt never reached the session")
}

func TestRelay_InterruptWhenNotRunningIsIgnored(t *testing.T) {
	r := newTestRelay(t)
	ws := r.connect(t)
	fake := r.runtime.WaitSession(t)

	fake.End()
	testutil.WaitFor(t, func() bool { return r.server.Bridge().State() == session.StateEnded }, "session never ended")

	sendFrame(t, ws, map[string]any{"type": TypeInterrupt})
	sendFrame(t, ws, map[string]any{"type": TypeListFiles})

	if f := readFrame(t, ws); f["type"] != TypeFileResult {
		t.Errorf("frame = %v, want file_result with no error before it", f)
	}
}

func TestRelay_ConfigSnapshotAtFirstConnection(t *testing.T) {
	r := newTestRelay(t)

	if status, _ := r.postConfig(t, `{"model":"claude-opus-4","anthropicApiKey":"sk-first"}`); status != http.StatusOK {
		t.Fatalf("POST /config status = %d, want 200", status)
	}

	r.connect(t)
	fake := r.runtime.WaitSession(t)

	if status, _ := r.postConfig(t, `{"model":"claude-haiku-4"}`); status != http.StatusOK {
		t.Fatalf("POST /config status = %d, want 200", status)
	}

	if fake.Options.Model != "claude-opus-4" {
		t.Errorf("session model = %q, want claude-opus-4", fake.Options.Model)
	}
	if fake.Options.Env["ANTHROPIC_API_KEY"] != "sk-first" {
		t.Errorf("ANTHROPIC_API_KEY = %q, want sk-first", fake.Options.Env["ANTHROPIC_API_KEY"])
	}
	if got := r.server.Store().Get().Model; got != "claude-haiku-4" {
		t.Errorf("stored model = %q, want claude-haiku-4", got)
	}
}

func TestRelay_FileCommands(t *testing.T) {
	r := newTestRelay(t)
	ws := r.connect(t)

	sendFrame(t, ws, map[string]any{"type": TypeCreateFile, "path": "hello.txt", "content": "Hello, World!"})
	if f := readFrame(t, ws); f["operation"] != "create_file" || f["result"] != "success" {
		t.Fatalf("create = %v, want success", f)
	}

	sendFrame(t, ws, map[string]any{"type": TypeReadFile, "path": "hello.txt"})
	f := readFrame(t, ws)
	if f["result"] != "Hello, World!" || f["encoding"] != "utf-8" {
		t.Errorf("read = %v, want Hello, World! in utf-8", f)
	}

	sendFrame(t, ws, map[string]any{"type": TypeCreateFile, "path": "bin.dat", "content": "AAEC", "encoding": "base64"})
	readFrame(t, ws)
	sendFrame(t, ws, map[string]any{"type": TypeReadFile, "path": "bin.dat", "encoding": "base64"})
	if f := readFrame(t, ws); f["result"] != "AAEC" || f["encoding"] != "base64" {
		t.Errorf("read base64 = %v, want AAEC", f)
	}

	sendFrame(t, ws, map[string]any{"type": TypeListFiles, "path": "."})
	f = readFrame(t, ws)
	names, _ := f["result"].([]any)
	if len(names) != 2 || names[0] != "bin.dat" || names[1] != "hello.txt" {
		t.Errorf("list = %v, want [bin.dat hello.txt]", f["result"])
	}

	sendFrame(t, ws, map[string]any{"type": TypeDeleteFile, "path": "hello.txt"})
	if f := readFrame(t, ws); f["operation"] != "delete_file" || f["result"] != "success" {
		t.Errorf("delete = %v, want success", f)
	}

	sendFrame(t, ws, map[string]any{"type": TypeReadFile, "path": "hello.txt"})
	f = readFrame(t, ws)
	if f["code"] != string(CodeFileOperationFailure) {
		t.Errorf("read deleted = %v, want file_operation_failure", f)
	}
	if msg, _ := f["error"].(string); !strings.HasPrefix(msg, "Failed to read file: ") {
		t.Errorf("error = %q, want Failed to read file prefix", msg)
	}

	sendFrame(t, ws, map[string]any{"type": TypeReadFile, "path": "../outside.txt"})
	if f := readFrame(t, ws); f["code"] != string(CodeFileOperationFailure) {
		t.Errorf("read outside = %v, want file_operation_failure", f)
	}
}

func TestRelay_MalformedFrameKeepsConnection(t *testing.T) {
	r := newTestRelay(t)
	ws := r.connect(t)
	fake := r.runtime.WaitSession(t)

	tests := []string{
		`not json`,
		`{"type":"shutdown"}`,
		`{"type":"user_message"}`,
	}
	for _, raw := range tests {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
		f := readFrame(t, ws)
		if f["code"] != string(CodeMalformedMessage) {
			t.Errorf("frame for %s = %v, want malformed_message", raw, f)
		}
		if msg, _ := f["error"].(string); !strings.HasPrefix(msg, "Invalid message format: ") {
			t.Errorf("error = %q, want Invalid message format prefix", msg)
		}
	}

	sendFrame(t, ws, userMessage("still here"))
	if got := fake.NextTurn(t); string(got) != string(testutil.UserTurn("still here")) {
		t.Errorf("turn = %s, want still here", got)
	}
}

func TestRelay_SessionFailure(t *testing.T) {
	r := newTestRelay(t)
	ws := r.connect(t)
	fake := r.runtime.WaitSession(t)

	fake.Fail(errors.New("claude exited with code 1"))

	f := readFrame(t, ws)
	if f["code"] != string(CodeSessionFailure) || f["error"] != "claude exited with code 1" {
		t.Errorf("frame = %v, want session_failure", f)
	}

	status, body := r.get(t, "/ready")
	if status != http.StatusServiceUnavailable {
		t.Errorf("GET /ready status = %d, want 503", status)
	}
	if body["session"] != "failed" || body["reason"] != "claude exited with code 1" {
		t.Errorf("GET /ready body = %v", body)
	}

	// The session is never reopened
	_ = ws.Close()
	testutil.WaitFor(t, func() bool { return r.server.Gate().Live() == nil }, "connection was never released")
	r.connect(t)
	if r.runtime.OpenCount() != 1 {
		t.Errorf("OpenCount() = %d, want 1", r.runtime.OpenCount())
	}
}

func TestRelay_OpenFailure(t *testing.T) {
	r := newTestRelay(t)
	r.runtime.SetOpenError(errors.New("claude not found"))

	ws := r.connect(t)
	f := readFrame(t, ws)
	if f["code"] != string(CodeSessionFailure) {
		t.Fatalf("frame = %v, want session_failure", f)
	}
	if msg, _ := f["error"].(string); !strings.Contains(msg, "claude not found") {
		t.Errorf("error = %q, want it to mention claude not found", msg)
	}
	if r.server.Bridge().State() != session.StateFailed {
		t.Errorf("State() = %s, want failed", r.server.Bridge().State())
	}
}

func TestRelay_ConfigEndpoint(t *testing.T) {
	r := newTestRelay(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"invalid json", `{not json`, http.StatusBadRequest, "Invalid JSON"},
		{"empty body", ``, http.StatusBadRequest, "Invalid JSON"},
		{"wrong type", `{"model":4}`, http.StatusBadRequest, "Invalid config: "},
		{"bad mcp server", `{"mcpServers":{"x":{"type":"stdio","url":"u"}}}`, http.StatusBadRequest, "Invalid config: "},
		{"valid", `{"model":"claude-sonnet-4-5","allowedTools":["Read"]}`, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := r.postConfig(t, tt.body)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if tt.wantError == "" {
				if body["success"] != true {
					t.Errorf("body = %v, want success", body)
				}
				return
			}
			if msg, _ := body["error"].(string); !strings.HasPrefix(msg, tt.wantError) {
				t.Errorf("error = %q, want prefix %q", msg, tt.wantError)
			}
		})
	}

	if got := r.server.Store().Get().Model; got != "claude-sonnet-4-5" {
		t.Errorf("stored model = %q, want claude-sonnet-4-5 (rejected bodies must not change it)", got)
	}
}

func TestRelay_GetConfigRedactsKey(t *testing.T) {
	r := newTestRelay(t)

	status, body := r.postConfig(t, `{"anthropicApiKey":"sk-secret"}`)
	if status != http.StatusOK {
		t.Fatalf("POST /config status = %d", status)
	}
	if cfg := body["config"].(map[string]any); cfg["anthropicApiKey"] != "sk-secret" {
		t.Errorf("POST echo = %v, want key echoed", cfg)
	}

	_, body = r.get(t, "/config")
	if cfg := body["config"].(map[string]any); cfg["anthropicApiKey"] == "sk-secret" {
		t.Errorf("GET /config leaked the key: %v", cfg)
	}
}

func TestRelay_HealthAndReady(t *testing.T) {
	r := newTestRelay(t)

	status, body := r.get(t, "/health")
	if status != http.StatusOK || body["status"] != "ok" {
		t.Errorf("GET /health = %d %v", status, body)
	}

	status, body = r.get(t, "/ready")
	if status != http.StatusOK || body["session"] != "uninitialized" || body["connected"] != false {
		t.Errorf("GET /ready = %d %v", status, body)
	}

	r.connect(t)
	r.runtime.WaitSession(t)
	status, body = r.get(t, "/ready")
	if status != http.StatusOK || body["session"] != "running" || body["connected"] != true {
		t.Errorf("GET /ready = %d %v", status, body)
	}
}

func TestRelay_ShutdownClosesConnection(t *testing.T) {
	r := newTestRelay(t)
	ws := r.connect(t)
	r.runtime.WaitSession(t)

	if err := r.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Errorf("ReadMessage() error = %v, want close %d", err, websocket.CloseGoingAway)
	}
}

func TestServer_ShutdownBeforeServe(t *testing.T) {
	s, err := NewServer(Options{
		WorkspaceDir: t.TempDir(),
		Runtime:      testutil.NewFakeRuntime(),
		Audit:        audit.NewWithWriter(io.Discard, true),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() kept running after Shutdown")
	}
}

func TestServer_ServeThenShutdown(t *testing.T) {
	s, err := NewServer(Options{
		WorkspaceDir: t.TempDir(),
		Runtime:      testutil.NewFakeRuntime(),
		Audit:        audit.NewWithWriter(io.Discard, true),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	testutil.WaitFor(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, "server never answered /health")

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after Shutdown")
	}
}
