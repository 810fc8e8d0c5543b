package streamjson

import (
	"encoding/json"
	"fmt"

	"github.com/bazelment/yoloswe/agentd/universal"
)

// UserInput is a user message written on stdin in stream-json input mode.
type UserInput struct {
	Type    string `json:"type"`
	Message struct {
		Content any    `json:"content"`
		Role    string `json:"role"`
	} `json:"message"`
}

// NewUserInput serializes universal content parts into a user message.
// Text-only prompts are sent as a plain string.
func NewUserInput(parts []universal.ContentPart) (UserInput, error) {
	var in UserInput
	in.Type = string(TypeUser)
	in.Message.Role = "user"

	var blocks []map[string]any
	textOnly := true
	for _, p := range parts {
		switch p.Type {
		case universal.PartText:
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case universal.PartImage:
			textOnly = false
			source := map[string]any{"type": "file", "path": p.Path, "media_type": p.Mime}
			if mime, b64, ok := p.InlineImage(); ok {
				source = map[string]any{"type": "base64", "media_type": mime, "data": b64}
			}
			blocks = append(blocks, map[string]any{"type": "image", "source": source})
		case universal.PartFileRef:
			blocks = append(blocks, map[string]any{"type": "text", "text": "@" + p.Path})
		case universal.PartJSON:
			blocks = append(blocks, map[string]any{"type": "text", "text": string(p.JSON)})
		default:
			return in, fmt.Errorf("content part %q cannot be sent as a prompt", p.Type)
		}
	}
	if textOnly {
		text := ""
		for _, b := range blocks {
			text += b["text"].(string)
		}
		in.Message.Content = text
		return in, nil
	}
	in.Message.Content = blocks
	return in, nil
}

// PromptText flattens a prompt to text for CLIs that take it as an argument.
func PromptText(parts []universal.ContentPart) string {
	var out string
	for _, p := range parts {
		switch p.Type {
		case universal.PartText:
			out += p.Text
		case universal.PartFileRef, universal.PartImage:
			out += "@" + p.Path
		case universal.PartJSON:
			out += string(p.JSON)
		}
	}
	return out
}

// NewPermissionAllow grants a tool call. input must be the original (or
// updated) tool input; the wire format forbids a null updatedInput.
func NewPermissionAllow(requestID string, input map[string]any) ControlResponse {
	if input == nil {
		input = map[string]any{}
	}
	return ControlResponse{
		Type: TypeControlResponse,
		Response: ResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response:  PermissionAllow{Behavior: "allow", UpdatedInput: input},
		},
	}
}

// NewPermissionDeny refuses a tool call.
func NewPermissionDeny(requestID, message string, interrupt bool) ControlResponse {
	return ControlResponse{
		Type: TypeControlResponse,
		Response: ResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response:  PermissionDeny{Behavior: "deny", Message: message, Interrupt: interrupt},
		},
	}
}

// NewInterrupt builds a control_request that stops the running turn.
func NewInterrupt(requestID string) ControlRequestOut {
	return ControlRequestOut{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request:   map[string]string{"subtype": SubtypeInterrupt},
	}
}

// Line marshals v and appends the newline terminator.
func Line(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
