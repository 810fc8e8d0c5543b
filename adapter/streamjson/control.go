package streamjson

import (
	"encoding/json"
	"fmt"
)

// ControlRequest is a request from the CLI that expects a control_response.
type ControlRequest struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

// Control request subtypes.
const (
	SubtypeCanUseTool = "can_use_tool"
	SubtypeInterrupt  = "interrupt"
)

// CanUseTool asks permission to run a tool.
type CanUseTool struct {
	Input       map[string]any `json:"input"`
	BlockedPath *string        `json:"blocked_path,omitempty"`
	Subtype     string         `json:"subtype"`
	ToolName    string         `json:"tool_name"`
	ToolUseID   string         `json:"tool_use_id,omitempty"`
}

// ControlCancelRequest withdraws an outstanding control request.
type ControlCancelRequest struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
}

// ControlResponse is written to stdin to answer a ControlRequest.
type ControlResponse struct {
	Type     MessageType     `json:"type"`
	Response ResponsePayload `json:"response"`
}

// ResponsePayload is the inner body of a control_response.
type ResponsePayload struct {
	Response  any    `json:"response,omitempty"`
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

// PermissionAllow grants a tool call, optionally with rewritten input.
type PermissionAllow struct {
	UpdatedInput map[string]any `json:"updatedInput"`
	Behavior     string         `json:"behavior"`
}

// PermissionDeny refuses a tool call.
type PermissionDeny struct {
	Behavior  string `json:"behavior"`
	Message   string `json:"message"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

// ControlRequestOut is a control_request written by the daemon.
type ControlRequestOut struct {
	Request   map[string]string `json:"request"`
	Type      MessageType       `json:"type"`
	RequestID string            `json:"request_id"`
}

// Marshal renders the response as one JSON line without the newline.
func (m ControlResponse) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal control_response: %w", err)
	}
	return b, nil
}
