package pi

import (
	"encoding/json"
	"strings"
)

// Command types written to stdin.
const (
	CommandPrompt   = "prompt"
	CommandAbort    = "abort"
	CommandGetState = "get_state"
)

// Event types read from stdout.
const (
	TypeResponse            = "response"
	TypeAgentStart          = "agent_start"
	TypeAgentEnd            = "agent_end"
	TypeTurnStart           = "turn_start"
	TypeTurnEnd             = "turn_end"
	TypeMessageStart        = "message_start"
	TypeMessageUpdate       = "message_update"
	TypeMessageEnd          = "message_end"
	TypeToolExecutionStart  = "tool_execution_start"
	TypeToolExecutionUpdate = "tool_execution_update"
	TypeToolExecutionEnd    = "tool_execution_end"
	TypeAutoCompactionStart = "auto_compaction_start"
	TypeAutoCompactionEnd   = "auto_compaction_end"
	TypeAutoRetryStart      = "auto_retry_start"
	TypeAutoRetryEnd        = "auto_retry_end"
	TypeHookError           = "hook_error"
	TypeExtensionUIRequest  = "extension_ui_request"
)

var ignored = map[string]bool{
	TypeTurnStart:           true,
	TypeTurnEnd:             true,
	TypeAutoCompactionStart: true,
	TypeAutoCompactionEnd:   true,
	TypeAutoRetryStart:      true,
	TypeAutoRetryEnd:        true,
	TypeExtensionUIRequest:  true,
}

// Message roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "toolResult"
)

// Stop reasons of an assistant message.
const (
	StopEnd     = "stop"
	StopLength  = "length"
	StopToolUse = "toolUse"
	StopError   = "error"
	StopAborted = "aborted"
)

// Assistant stream event types carried by message_update.
const (
	StreamTextDelta     = "text_delta"
	StreamThinkingDelta = "thinking_delta"
)

var knownStream = map[string]bool{
	"start":             true,
	"text_start":        true,
	StreamTextDelta:     true,
	"text_end":          true,
	"thinking_start":    true,
	StreamThinkingDelta: true,
	"thinking_end":      true,
	"toolcall_start":    true,
	"toolcall_delta":    true,
	"toolcall_end":      true,
	"done":              true,
	"error":             true,
}

// Image is an inline image attachment.
type Image struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// Command is one line written to the agent.
type Command struct {
	ID      string  `json:"id,omitempty"`
	Type    string  `json:"type"`
	Message string  `json:"message,omitempty"`
	Images  []Image `json:"images,omitempty"`
}

// Response acknowledges a command.
type Response struct {
	Data    json.RawMessage `json:"data,omitempty"`
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command"`
	Error   string          `json:"error,omitempty"`
	Success bool            `json:"success"`
}

// State is the data of a get_state response.
type State struct {
	Model *struct {
		ID       string `json:"id"`
		Provider string `json:"provider"`
	} `json:"model,omitempty"`
	SessionID   string `json:"sessionId"`
	SessionFile string `json:"sessionFile,omitempty"`
}

// Block is one content block of a message.
type Block struct {
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Data      string          `json:"data,omitempty"`
	MimeType  string          `json:"mimeType,omitempty"`
}

// Content is message content: a plain string or a block list.
type Content []Block

// UnmarshalJSON accepts both encodings.
func (c *Content) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = Content{{Type: "text", Text: s}}
		return nil
	}
	var blocks []Block
	if err := json.Unmarshal(b, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// Text concatenates the text blocks.
func (c Content) Text() string {
	var b strings.Builder
	for _, blk := range c {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// Usage is the token accounting of an assistant message.
type Usage struct {
	Cost *struct {
		Total float64 `json:"total"`
	} `json:"cost,omitempty"`
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	CacheRead  int64 `json:"cacheRead"`
	CacheWrite int64 `json:"cacheWrite"`
}

// Message is a conversation message.
type Message struct {
	Usage        *Usage  `json:"usage,omitempty"`
	Role         string  `json:"role"`
	StopReason   string  `json:"stopReason,omitempty"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
	ToolCallID   string  `json:"toolCallId,omitempty"`
	Content      Content `json:"content"`
	IsError      bool    `json:"isError,omitempty"`
}

// StreamEvent is the assistantMessageEvent of a message_update.
type StreamEvent struct {
	Type         string `json:"type"`
	Delta        string `json:"delta,omitempty"`
	ContentIndex int    `json:"contentIndex"`
}

// AgentStart opens a prompt's run.
type AgentStart struct{}

// AgentEnd closes a prompt's run.
type AgentEnd struct {
	Messages []Message `json:"messages,omitempty"`
}

// MessageStart announces a message.
type MessageStart struct {
	Message Message `json:"message"`
}

// MessageUpdate streams an assistant message.
type MessageUpdate struct {
	Message               Message     `json:"message"`
	AssistantMessageEvent StreamEvent `json:"assistantMessageEvent"`
}

// MessageEnd completes a message.
type MessageEnd struct {
	Message Message `json:"message"`
}

// ToolResult is a tool's (partial) output.
type ToolResult struct {
	Details json.RawMessage `json:"details,omitempty"`
	Content Content         `json:"content"`
}

// ToolExecution covers tool_execution_start, _update and _end.
type ToolExecution struct {
	Args          json.RawMessage `json:"args,omitempty"`
	PartialResult *ToolResult     `json:"partialResult,omitempty"`
	Result        *ToolResult     `json:"result,omitempty"`
	ToolCallID    string          `json:"toolCallId"`
	ToolName      string          `json:"toolName"`
	IsError       bool            `json:"isError,omitempty"`
}

// ToolStart is tool_execution_start.
type ToolStart ToolExecution

// ToolUpdate is tool_execution_update.
type ToolUpdate ToolExecution

// ToolEnd is tool_execution_end.
type ToolEnd ToolExecution

// HookError reports a failing extension hook.
type HookError struct {
	ExtensionPath string `json:"extensionPath,omitempty"`
	Event         string `json:"event,omitempty"`
	Error         string `json:"error"`
}

// Ignored is a known event with nothing to forward.
type Ignored struct {
	Type string
}
