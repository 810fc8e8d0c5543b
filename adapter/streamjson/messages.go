// Package streamjson decodes the stream-json line protocol spoken by the
// claude and amp CLIs and builds the messages written back on stdin.
package streamjson

import (
	"encoding/json"
)

// MessageType discriminates top-level lines.
type MessageType string

const (
	TypeSystem               MessageType = "system"
	TypeAssistant            MessageType = "assistant"
	TypeUser                 MessageType = "user"
	TypeResult               MessageType = "result"
	TypeStreamEvent          MessageType = "stream_event"
	TypeControlRequest       MessageType = "control_request"
	TypeControlResponse      MessageType = "control_response"
	TypeControlCancelRequest MessageType = "control_cancel_request"
)

// SystemMessage is emitted once per process, subtype "init" carries the
// agent-assigned session id.
type SystemMessage struct {
	Type           MessageType `json:"type"`
	Subtype        string      `json:"subtype"`
	SessionID      string      `json:"session_id"`
	Model          string      `json:"model,omitempty"`
	CWD            string      `json:"cwd,omitempty"`
	PermissionMode string      `json:"permissionMode,omitempty"`
	Version        string      `json:"claude_code_version,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
}

// Usage is token accounting attached to messages and results.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
}

// MessageContent is the inner body of assistant and user lines.
type MessageContent struct {
	StopReason *string         `json:"stop_reason"`
	ID         string          `json:"id,omitempty"`
	Model      string          `json:"model,omitempty"`
	Role       string          `json:"role"`
	Content    FlexibleContent `json:"content"`
	Usage      Usage           `json:"usage,omitempty"`
}

// AssistantMessage is a complete assistant message.
type AssistantMessage struct {
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	Type            MessageType    `json:"type"`
	SessionID       string         `json:"session_id"`
	UUID            string         `json:"uuid"`
	Message         MessageContent `json:"message"`
}

// UserMessage echoes user input and tool results.
type UserMessage struct {
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	Type            MessageType    `json:"type"`
	SessionID       string         `json:"session_id"`
	UUID            string         `json:"uuid"`
	Message         MessageContent `json:"message"`
}

// ResultMessage closes a turn.
type ResultMessage struct {
	Type         MessageType `json:"type"`
	Subtype      string      `json:"subtype"`
	SessionID    string      `json:"session_id"`
	Result       string      `json:"result"`
	Error        string      `json:"error,omitempty"`
	Usage        Usage       `json:"usage"`
	TotalCostUSD float64     `json:"total_cost_usd"`
	NumTurns     int         `json:"num_turns"`
	DurationMs   int64       `json:"duration_ms"`
	IsError      bool        `json:"is_error"`
}

// FlexibleContent is either a plain string or an array of content blocks.
type FlexibleContent struct {
	raw json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	fc.raw = append(fc.raw[:0], data...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (fc FlexibleContent) MarshalJSON() ([]byte, error) {
	if fc.raw == nil {
		return []byte("null"), nil
	}
	return fc.raw, nil
}

// Blocks returns the content as blocks. A plain string becomes one text block.
func (fc FlexibleContent) Blocks() ([]ContentBlock, error) {
	if len(fc.raw) == 0 || string(fc.raw) == "null" {
		return nil, nil
	}
	if fc.raw[0] == '"' {
		var s string
		if err := json.Unmarshal(fc.raw, &s); err != nil {
			return nil, err
		}
		return []ContentBlock{{Type: BlockText, Text: s}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(fc.raw, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}
