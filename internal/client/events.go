package client

import (
	"encoding/json"
	"strings"

	"github.com/HyphaGroup/agentrelay/internal/agent"
	"github.com/HyphaGroup/agentrelay/internal/gateway"
)

type sdkEvent struct {
	Type    agent.StreamEventType `json:"type"`
	Subtype string                `json:"subtype"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

func decodeSDK(msg Message) (*sdkEvent, bool) {
	if msg.Type != gateway.TypeSDKMessage || len(msg.Data) == 0 {
		return nil, false
	}
	var ev sdkEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return nil, false
	}
	return &ev, true
}

// AssistantText returns the concatenated text blocks of an assistant
// sdk_message.
func AssistantText(msg Message) (string, bool) {
	ev, ok := decodeSDK(msg)
	if !ok || ev.Type != agent.StreamEventAssistant {
		return "", false
	}

	var b strings.Builder
	for _, block := range ev.Message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

// TurnResult reports the final result of a turn, if msg is one
type TurnResult struct {
	Subtype string
	Text    string
	IsError bool
}

// Result extracts the turn result from a result sdk_message
func Result(msg Message) (*TurnResult, bool) {
	ev, ok := decodeSDK(msg)
	if !ok || ev.Type != agent.StreamEventResult {
		return nil, false
	}
	return &TurnResult{Subtype: ev.Subtype, Text: ev.Result, IsError: ev.IsError}, true
}
