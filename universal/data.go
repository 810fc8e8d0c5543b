package universal

import "encoding/json"

// SessionStartedData is the payload of session.started.
type SessionStartedData struct {
	Metadata map[string]any `json:"metadata,omitempty"`
	Agent    string         `json:"agent"`
	Model    string         `json:"model,omitempty"`
	CWD      string         `json:"cwd,omitempty"`
}

// EndReason explains why a session ended.
type EndReason string

const (
	EndCompleted  EndReason = "completed"
	EndError      EndReason = "error"
	EndTerminated EndReason = "terminated"
)

// StderrOutput is a bounded capture of a process's stderr.
type StderrOutput struct {
	Head       []string `json:"head"`
	Tail       []string `json:"tail,omitempty"`
	Truncated  bool     `json:"truncated"`
	TotalLines int      `json:"total_lines"`
}

// SessionEndedData is the payload of session.ended.
type SessionEndedData struct {
	ExitCode *int          `json:"exit_code,omitempty"`
	Stderr   *StderrOutput `json:"stderr,omitempty"`
	Reason   EndReason     `json:"reason" jsonschema:"enum=completed,enum=error,enum=terminated"`
	Message  string        `json:"message,omitempty"`
}

// TurnStatus is the outcome of a turn.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
	TurnAborted   TurnStatus = "aborted"
)

// Usage reports token accounting when the agent provides it.
type Usage struct {
	InputTokens       int64   `json:"input_tokens,omitempty"`
	CachedInputTokens int64   `json:"cached_input_tokens,omitempty"`
	OutputTokens      int64   `json:"output_tokens,omitempty"`
	ReasoningTokens   int64   `json:"reasoning_tokens,omitempty"`
	CostUSD           float64 `json:"cost_usd,omitempty"`
}

// TurnData is the payload of turn.started and turn.ended.
type TurnData struct {
	Usage  *Usage     `json:"usage,omitempty"`
	TurnID string     `json:"turn_id,omitempty"`
	Status TurnStatus `json:"status,omitempty"`
}

// ItemData is the payload of item.started and item.completed. It carries a
// snapshot of the item at emission time.
type ItemData struct {
	Item Item `json:"item"`
}

// ItemDeltaData is the payload of item.delta.
type ItemDeltaData struct {
	ItemID       string      `json:"item_id"`
	NativeItemID string      `json:"native_item_id,omitempty"`
	Delta        ContentPart `json:"delta"`
	// Part names the content part the delta streams into when an item
	// carries several independently streamed parts.
	Part string `json:"part,omitempty"`
	// Reset is set when the native snapshot did not extend the previous one
	// and Delta carries the full current value of Part, or of the whole
	// item when Part is empty.
	Reset bool `json:"reset,omitempty"`
}

// ErrorData is the payload of error.
type ErrorData struct {
	Details json.RawMessage `json:"details,omitempty"`
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
}

// PermissionReply is a caller's answer to a permission request.
type PermissionReply string

const (
	ReplyOnce   PermissionReply = "once"
	ReplyAlways PermissionReply = "always"
	ReplyReject PermissionReply = "reject"
)

// Valid reports whether r is a known reply.
func (r PermissionReply) Valid() bool {
	return r == ReplyOnce || r == ReplyAlways || r == ReplyReject
}

// HITLStatus tracks a permission or question exchange.
type HITLStatus string

const (
	HITLRequested HITLStatus = "requested"
	HITLAccepted  HITLStatus = "accepted"
	HITLRejected  HITLStatus = "rejected"
)

// PermissionData is the payload of permission.requested and permission.resolved.
type PermissionData struct {
	Metadata     map[string]any  `json:"metadata,omitempty"`
	PermissionID string          `json:"permission_id"`
	Action       string          `json:"action"`
	Status       HITLStatus      `json:"status" jsonschema:"enum=requested,enum=accepted,enum=rejected"`
	Reply        PermissionReply `json:"reply,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one prompt inside a question request.
type Question struct {
	Header      string           `json:"header,omitempty"`
	Prompt      string           `json:"prompt"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multi_select,omitempty"`
}

// QuestionData is the payload of question.requested and question.resolved.
type QuestionData struct {
	QuestionID string     `json:"question_id"`
	Status     HITLStatus `json:"status" jsonschema:"enum=requested,enum=accepted,enum=rejected"`
	Questions  []Question `json:"questions,omitempty"`
	Answers    [][]string `json:"answers,omitempty"`
}

// UnparsedData is the payload of agent.unparsed.
type UnparsedData struct {
	Error     string `json:"error"`
	Location  string `json:"location"`
	RawSHA256 string `json:"raw_sha256"`
	RawBytes  int    `json:"raw_bytes"`
	// Truncated is set when only a prefix of the payload was kept; the hash
	// and raw field then cover that prefix.
	Truncated bool `json:"truncated,omitempty"`
}
