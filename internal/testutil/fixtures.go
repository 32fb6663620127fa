package testutil

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/HyphaGroup/agentrelay/internal/agent"
)

// WaitFor polls cond until it holds or two seconds pass.
func WaitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// UserTurn returns a stream-json user message carrying text.
func UserTurn(text string) json.RawMessage {
	return agent.NewUserTurn(text)
}

// AssistantEvent returns a raw assistant event with a single text block.
func AssistantEvent(text string) string {
	data, _ := json.Marshal(text)
	return fmt.Sprintf(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":%s}]}}`, data)
}

// ResultEvent returns a raw successful result event.
func ResultEvent(text string) string {
	data, _ := json.Marshal(text)
	return fmt.Sprintf(`{"type":"result","subtype":"success","is_error":false,"result":%s}`, data)
}
