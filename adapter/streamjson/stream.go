package streamjson

import (
	"encoding/json"
)

// StreamEvent wraps a partial-message update (claude --include-partial-messages).
type StreamEvent struct {
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Type            MessageType     `json:"type"`
	SessionID       string          `json:"session_id"`
	UUID            string          `json:"uuid"`
	Event           json.RawMessage `json:"event"`
}

// StreamEventType discriminates inner stream events.
type StreamEventType string

const (
	EventMessageStart      StreamEventType = "message_start"
	EventContentBlockStart StreamEventType = "content_block_start"
	EventContentBlockDelta StreamEventType = "content_block_delta"
	EventContentBlockStop  StreamEventType = "content_block_stop"
	EventMessageDelta      StreamEventType = "message_delta"
	EventMessageStop       StreamEventType = "message_stop"
)

// MessageStart opens an assistant message.
type MessageStart struct {
	Type    StreamEventType `json:"type"`
	Message MessageContent  `json:"message"`
}

// ContentBlockStart opens a block at Index.
type ContentBlockStart struct {
	Type         StreamEventType `json:"type"`
	ContentBlock ContentBlock    `json:"content_block"`
	Index        int             `json:"index"`
}

// ContentBlockDelta refines the block at Index.
type ContentBlockDelta struct {
	Type  StreamEventType `json:"type"`
	Delta BlockDelta      `json:"delta"`
	Index int             `json:"index"`
}

// BlockDelta is a text, thinking or partial tool-input delta.
type BlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// Delta types inside content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaSignature = "signature_delta"
)

// ContentBlockStop closes the block at Index.
type ContentBlockStop struct {
	Type  StreamEventType `json:"type"`
	Index int             `json:"index"`
}

// MessageDelta carries the stop reason and usage.
type MessageDelta struct {
	Type  StreamEventType `json:"type"`
	Delta struct {
		StopReason *string `json:"stop_reason"`
	} `json:"delta"`
	Usage Usage `json:"usage"`
}

// MessageStop closes the message.
type MessageStop struct {
	Type StreamEventType `json:"type"`
}
