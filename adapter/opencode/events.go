package opencode

import "encoding/json"

// Bus event types published on GET /event.
const (
	EventMessageUpdated     = "message.updated"
	EventPartUpdated        = "message.part.updated"
	EventSessionIdle        = "session.idle"
	EventSessionError       = "session.error"
	EventPermissionUpdated  = "permission.updated"
	EventPermissionAsked    = "permission.asked"
	EventPermissionReplied  = "permission.replied"
	EventQuestionAsked      = "question.asked"
	EventQuestionReplied    = "question.replied"
	EventQuestionRejected   = "question.rejected"
	EventServerConnected    = "server.connected"
	EventServerHeartbeat    = "server.heartbeat"
	EventSessionUpdated     = "session.updated"
	EventSessionCreated     = "session.created"
	EventSessionStatus      = "session.status"
	EventSessionDiff        = "session.diff"
	EventSessionCompacted   = "session.compacted"
	EventMessageRemoved     = "message.removed"
	EventPartRemoved        = "message.part.removed"
	EventFileEdited         = "file.edited"
	EventFileWatcherUpdated = "file.watcher.updated"
	EventTodoUpdated        = "todo.updated"
	EventLSPDiagnostics     = "lsp.client.diagnostics"
	EventLSPUpdated         = "lsp.updated"
)

// informational events carry nothing the universal stream models.
var informational = map[string]bool{
	EventServerConnected:    true,
	EventServerHeartbeat:    true,
	EventSessionUpdated:     true,
	EventSessionCreated:     true,
	EventSessionStatus:      true,
	EventSessionDiff:        true,
	EventSessionCompacted:   true,
	EventMessageRemoved:     true,
	EventPartRemoved:        true,
	EventFileEdited:         true,
	EventFileWatcherUpdated: true,
	EventTodoUpdated:        true,
	EventLSPDiagnostics:     true,
	EventLSPUpdated:         true,
}

// Envelope is one bus event.
type Envelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// MessageTime records message lifecycle timestamps in unix millis.
type MessageTime struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// MessageError is attached to a failed assistant message.
type MessageError struct {
	Data struct {
		Message string `json:"message"`
	} `json:"data"`
	Name string `json:"name"`
}

// Message errors with special meaning.
const ErrorNameAborted = "MessageAbortedError"

// MessageInfo is the metadata of a message.
type MessageInfo struct {
	Error      *MessageError `json:"error,omitempty"`
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionID"`
	Role       string        `json:"role"`
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Time       MessageTime   `json:"time"`
}

// MessageUpdated is the properties of message.updated.
type MessageUpdated struct {
	Info MessageInfo `json:"info"`
}

// Part types.
const (
	PartText       = "text"
	PartReasoning  = "reasoning"
	PartTool       = "tool"
	PartFile       = "file"
	PartStepStart  = "step-start"
	PartStepFinish = "step-finish"
	PartSnapshot   = "snapshot"
	PartPatch      = "patch"
	PartAgent      = "agent"
	PartRetry      = "retry"
	PartCompaction = "compaction"
	PartSubtask    = "subtask"
)

// Tool states.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// ToolState is the state of a tool part.
type ToolState struct {
	Input  json.RawMessage `json:"input,omitempty"`
	Status string          `json:"status"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	Title  string          `json:"title,omitempty"`
}

// Tokens is the token accounting of a step-finish part.
type Tokens struct {
	Cache struct {
		Read  int64 `json:"read"`
		Write int64 `json:"write"`
	} `json:"cache"`
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Reasoning int64 `json:"reasoning"`
}

// Part is the union of every part shape.
type Part struct {
	State     *ToolState `json:"state,omitempty"`
	Tokens    *Tokens    `json:"tokens,omitempty"`
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	MessageID string     `json:"messageID"`
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	Mime      string     `json:"mime,omitempty"`
	URL       string     `json:"url,omitempty"`
	Filename  string     `json:"filename,omitempty"`
	Cost      float64    `json:"cost,omitempty"`
}

// PartUpdated is the properties of message.part.updated.
type PartUpdated struct {
	Delta string `json:"delta,omitempty"`
	Part  Part   `json:"part"`
}

// SessionIdle is the properties of session.idle.
type SessionIdle struct {
	SessionID string `json:"sessionID"`
}

// SessionError is the properties of session.error.
type SessionError struct {
	Error     *MessageError `json:"error,omitempty"`
	SessionID string        `json:"sessionID"`
}

// PermissionRequest covers both permission.updated and permission.asked.
type PermissionRequest struct {
	Metadata   map[string]any `json:"metadata,omitempty"`
	Pattern    any            `json:"pattern,omitempty"`
	Tool       *ToolRef       `json:"tool,omitempty"`
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Type       string         `json:"type,omitempty"`
	Permission string         `json:"permission,omitempty"`
	Title      string         `json:"title,omitempty"`
	MessageID  string         `json:"messageID,omitempty"`
	CallID     string         `json:"callID,omitempty"`
	Patterns   []string       `json:"patterns,omitempty"`
}

// ToolRef points at the tool call that raised a request.
type ToolRef struct {
	MessageID string `json:"messageID"`
	CallID    string `json:"callID"`
}

// Action is the permission kind.
func (p PermissionRequest) Action() string {
	if p.Permission != "" {
		return p.Permission
	}
	return p.Type
}

// PermissionReplied is the properties of permission.replied.
type PermissionReplied struct {
	SessionID    string `json:"sessionID"`
	PermissionID string `json:"permissionID,omitempty"`
	RequestID    string `json:"requestID,omitempty"`
	Response     string `json:"response,omitempty"`
	Reply        string `json:"reply,omitempty"`
}

// ID returns the id of the answered request.
func (p PermissionReplied) ID() string {
	if p.PermissionID != "" {
		return p.PermissionID
	}
	return p.RequestID
}

// Answer returns the reply given.
func (p PermissionReplied) Answer() string {
	if p.Response != "" {
		return p.Response
	}
	return p.Reply
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionInfo is one question of a question.asked request.
type QuestionInfo struct {
	Question string           `json:"question"`
	Header   string           `json:"header,omitempty"`
	Options  []QuestionOption `json:"options,omitempty"`
	Multiple bool             `json:"multiple,omitempty"`
}

// QuestionAsked is the properties of question.asked.
type QuestionAsked struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	Questions []QuestionInfo `json:"questions"`
}

// QuestionReplied is the properties of question.replied and
// question.rejected.
type QuestionReplied struct {
	SessionID string     `json:"sessionID"`
	RequestID string     `json:"requestID"`
	Answers   [][]string `json:"answers,omitempty"`
	Rejected  bool       `json:"-"`
}

// Ignored is a known event that carries nothing to forward.
type Ignored struct {
	Type string
}
