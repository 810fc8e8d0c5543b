package universal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ItemKind classifies an item.
type ItemKind string

const (
	KindMessage    ItemKind = "message"
	KindToolCall   ItemKind = "tool_call"
	KindToolResult ItemKind = "tool_result"
	KindSystem     ItemKind = "system"
	KindStatus     ItemKind = "status"
)

// ItemStatus is the lifecycle state of an item.
type ItemStatus string

const (
	StatusInProgress ItemStatus = "in_progress"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
)

// Terminal reports whether no further events may reference the item.
func (s ItemStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Role is the author of a message item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Item is a discrete content unit inside a session.
type Item struct {
	ItemID       string        `json:"item_id"`
	NativeItemID string        `json:"native_item_id,omitempty"`
	ParentID     string        `json:"parent_id,omitempty"`
	Kind         ItemKind      `json:"kind" jsonschema:"enum=message,enum=tool_call,enum=tool_result,enum=system,enum=status"`
	Role         Role          `json:"role,omitempty"`
	Status       ItemStatus    `json:"status" jsonschema:"enum=in_progress,enum=completed,enum=failed"`
	Content      []ContentPart `json:"content"`
}

// Clone returns a deep copy of the item's content list.
func (i Item) Clone() Item {
	if i.Content != nil {
		content := make([]ContentPart, len(i.Content))
		copy(content, i.Content)
		i.Content = content
	} else {
		i.Content = []ContentPart{}
	}
	return i
}

// Apply folds a delta into the item's content. Consecutive deltas of the
// same streaming part type extend the last part instead of adding a new one.
func (i *Item) Apply(delta ContentPart) {
	n := len(i.Content)
	if n > 0 && i.Content[n-1].extendable(delta) {
		i.Content[n-1].Extend(delta)
		return
	}
	i.Content = append(i.Content, delta)
}

// Text concatenates the text parts of the item.
func (i Item) Text() string {
	var b strings.Builder
	for _, p := range i.Content {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Validate checks the item's required fields.
func (i Item) Validate() error {
	if i.ItemID == "" {
		return errors.New("item_id is required")
	}
	switch i.Kind {
	case KindMessage, KindToolCall, KindToolResult, KindSystem, KindStatus:
	default:
		return fmt.Errorf("unknown item kind %q", i.Kind)
	}
	switch i.Status {
	case StatusInProgress, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("unknown item status %q", i.Status)
	}
	for idx, p := range i.Content {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("content[%d]: %w", idx, err)
		}
	}
	return nil
}

// PartType tags a content part variant.
type PartType string

const (
	PartText       PartType = "text"
	PartJSON       PartType = "json"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartFileRef    PartType = "file_ref"
	PartImage      PartType = "image"
	PartReasoning  PartType = "reasoning"
	PartStatus     PartType = "status"
)

// ContentPart is a tagged variant. Only the fields of its Type are set.
type ContentPart struct {
	JSON       json.RawMessage `json:"json,omitempty"`
	Type       PartType        `json:"type" jsonschema:"enum=text,enum=json,enum=tool_call,enum=tool_result,enum=file_ref,enum=image,enum=reasoning,enum=status"`
	Text       string          `json:"text,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Output     string          `json:"output,omitempty"`
	Path       string          `json:"path,omitempty"`
	Action     string          `json:"action,omitempty"`
	Diff       string          `json:"diff,omitempty"`
	Mime       string          `json:"mime,omitempty"`
	Visibility string          `json:"visibility,omitempty"`
	Label      string          `json:"label,omitempty"`
	Detail     string          `json:"detail,omitempty"`
}

// TextPart returns a text part.
func TextPart(text string) ContentPart { return ContentPart{Type: PartText, Text: text} }

// JSONPart returns a json part.
func JSONPart(v json.RawMessage) ContentPart { return ContentPart{Type: PartJSON, JSON: v} }

// ToolCallPart returns a tool_call part.
func ToolCallPart(name, arguments, callID string) ContentPart {
	return ContentPart{Type: PartToolCall, Name: name, Arguments: arguments, CallID: callID}
}

// ToolResultPart returns a tool_result part.
func ToolResultPart(callID, output string) ContentPart {
	return ContentPart{Type: PartToolResult, CallID: callID, Output: output}
}

// FileRefPart returns a file_ref part.
func FileRefPart(path, action, diff string) ContentPart {
	return ContentPart{Type: PartFileRef, Path: path, Action: action, Diff: diff}
}

// ImagePart returns an image part.
func ImagePart(path, mime string) ContentPart {
	return ContentPart{Type: PartImage, Path: path, Mime: mime}
}

// InlineImagePart returns an image part for base64 data carried in a native
// payload. The path is a data URI.
func InlineImagePart(mime, b64 string) ContentPart {
	if mime == "" {
		mime = "image/png"
	}
	return ImagePart("data:"+mime+";base64,"+b64, mime)
}

// InlineImage returns the mime type and base64 payload of an image part
// whose path is a base64 data URI.
func (p ContentPart) InlineImage() (mime, b64 string, ok bool) {
	if p.Type != PartImage {
		return "", "", false
	}
	rest, found := strings.CutPrefix(p.Path, "data:")
	if !found {
		return "", "", false
	}
	mime, b64, found = strings.Cut(rest, ";base64,")
	if !found {
		return "", "", false
	}
	return mime, b64, true
}

// ReasoningPart returns a reasoning part.
func ReasoningPart(text, visibility string) ContentPart {
	if visibility == "" {
		visibility = "public"
	}
	return ContentPart{Type: PartReasoning, Text: text, Visibility: visibility}
}

// StatusPart returns a status part.
func StatusPart(label, detail string) ContentPart {
	return ContentPart{Type: PartStatus, Label: label, Detail: detail}
}

// Extend appends the streamed field of delta to p. Parts without a
// streamed field are left unchanged.
func (p *ContentPart) Extend(delta ContentPart) {
	switch delta.Type {
	case PartText, PartReasoning:
		p.Text += delta.Text
	case PartToolCall:
		p.Arguments += delta.Arguments
	case PartToolResult:
		p.Output += delta.Output
	}
}

func (p ContentPart) extendable(next ContentPart) bool {
	if p.Type != next.Type {
		return false
	}
	switch p.Type {
	case PartText, PartReasoning:
		return true
	case PartToolCall, PartToolResult:
		return p.CallID == next.CallID
	}
	return false
}

// Validate checks that the fields required by the part's variant are set.
func (p ContentPart) Validate() error {
	switch p.Type {
	case PartText:
	case PartJSON:
		if len(p.JSON) > 0 && !json.Valid(p.JSON) {
			return errors.New("json part holds invalid JSON")
		}
	case PartToolCall:
		if p.CallID == "" {
			return errors.New("tool_call part requires call_id")
		}
	case PartToolResult:
		if p.CallID == "" {
			return errors.New("tool_result part requires call_id")
		}
	case PartFileRef:
		if p.Path == "" {
			return errors.New("file_ref part requires path")
		}
	case PartImage:
		if p.Path == "" {
			return errors.New("image part requires path")
		}
	case PartReasoning:
		if p.Visibility == "" {
			return errors.New("reasoning part requires visibility")
		}
	case PartStatus:
		if p.Label == "" {
			return errors.New("status part requires label")
		}
	default:
		return fmt.Errorf("unknown content part type %q", p.Type)
	}
	return nil
}
