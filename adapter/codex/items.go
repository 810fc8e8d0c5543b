package codex

import (
	"encoding/json"
	"strings"
)

// Item types carried by item/started and item/completed.
const (
	ItemAgentMessage     = "agentMessage"
	ItemUserMessage      = "userMessage"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "commandExecution"
	ItemFileChange       = "fileChange"
	ItemMcpToolCall      = "mcpToolCall"
	ItemWebSearch        = "webSearch"
)

func knownItemType(t string) bool {
	switch t {
	case ItemAgentMessage, ItemUserMessage, ItemReasoning, ItemCommandExecution,
		ItemFileChange, ItemMcpToolCall, ItemWebSearch:
		return true
	}
	return false
}

// Item statuses for tool-like items.
const (
	ItemStatusInProgress = "inProgress"
	ItemStatusCompleted  = "completed"
	ItemStatusFailed     = "failed"
	ItemStatusDeclined   = "declined"
)

// ThreadItem is the union of every item shape. Only the fields of Type are
// set.
type ThreadItem struct {
	Content          json.RawMessage    `json:"content,omitempty"`
	Arguments        json.RawMessage    `json:"arguments,omitempty"`
	Result           json.RawMessage    `json:"result,omitempty"`
	Error            *TurnError         `json:"error,omitempty"`
	AggregatedOutput *string            `json:"aggregatedOutput,omitempty"`
	ExitCode         *int               `json:"exitCode,omitempty"`
	DurationMs       *int64             `json:"durationMs,omitempty"`
	Type             string             `json:"type"`
	ID               string             `json:"id"`
	Text             string             `json:"text,omitempty"`
	Command          string             `json:"command,omitempty"`
	CWD              string             `json:"cwd,omitempty"`
	Status           string             `json:"status,omitempty"`
	Server           string             `json:"server,omitempty"`
	Tool             string             `json:"tool,omitempty"`
	Query            string             `json:"query,omitempty"`
	Summary          []string           `json:"summary,omitempty"`
	Changes          []FileUpdateChange `json:"changes,omitempty"`
}

// FileUpdateChange is one file touched by a fileChange item.
type FileUpdateChange struct {
	Kind PatchChangeKind `json:"kind"`
	Path string          `json:"path"`
	Diff string          `json:"diff"`
}

// PatchChangeKind says how a file changed.
type PatchChangeKind struct {
	MovePath *string `json:"move_path,omitempty"`
	Type     string  `json:"type"`
}

// UserContent decodes a userMessage item's content.
func (it ThreadItem) UserContent() ([]UserInput, error) {
	if len(it.Content) == 0 {
		return nil, nil
	}
	var in []UserInput
	err := json.Unmarshal(it.Content, &in)
	return in, err
}

// ReasoningContent decodes a reasoning item's raw content.
func (it ThreadItem) ReasoningContent() []string {
	var out []string
	if len(it.Content) > 0 {
		_ = json.Unmarshal(it.Content, &out)
	}
	return out
}

// Failed reports whether a tool-like item ended unsuccessfully.
func (it ThreadItem) Failed() bool {
	switch it.Status {
	case ItemStatusFailed, ItemStatusDeclined:
		return true
	}
	if it.ExitCode != nil && *it.ExitCode != 0 {
		return true
	}
	return it.Error != nil
}

// ToolName is the universal tool name for tool-like items.
func (it ThreadItem) ToolName() string {
	switch it.Type {
	case ItemCommandExecution:
		return "shell"
	case ItemFileChange:
		return "apply_patch"
	case ItemWebSearch:
		return "web_search"
	case ItemMcpToolCall:
		return it.Server + "/" + it.Tool
	}
	return it.Type
}

// ToolArguments renders the tool input as JSON text.
func (it ThreadItem) ToolArguments() string {
	var v any
	switch it.Type {
	case ItemCommandExecution:
		v = map[string]string{"command": it.Command, "cwd": it.CWD}
	case ItemFileChange:
		paths := make([]string, 0, len(it.Changes))
		for _, c := range it.Changes {
			paths = append(paths, c.Path)
		}
		v = map[string]any{"paths": paths}
	case ItemWebSearch:
		v = map[string]string{"query": it.Query}
	case ItemMcpToolCall:
		if len(it.Arguments) > 0 {
			return string(it.Arguments)
		}
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ToolOutput is the textual result of a completed tool-like item.
func (it ThreadItem) ToolOutput() string {
	switch {
	case it.Error != nil:
		return it.Error.Message
	case it.AggregatedOutput != nil:
		return *it.AggregatedOutput
	case len(it.Result) > 0:
		return mcpResultText(it.Result)
	}
	return ""
}

// mcpResultText flattens {"content":[{"type":"text","text":...}]} results,
// falling back to the raw JSON.
func mcpResultText(raw json.RawMessage) string {
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || len(res.Content) == 0 {
		return string(raw)
	}
	var b strings.Builder
	for _, c := range res.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}
