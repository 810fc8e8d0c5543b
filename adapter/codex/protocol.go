package codex

// Client requests.
const (
	MethodInitialize    = "initialize"
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"

	// NotifyInitialized is sent by the client after initialize returns.
	NotifyInitialized = "initialized"
)

// Server notifications.
const (
	NotifyThreadStarted        = "thread/started"
	NotifyTurnStarted          = "turn/started"
	NotifyTurnCompleted        = "turn/completed"
	NotifyItemStarted          = "item/started"
	NotifyItemCompleted        = "item/completed"
	NotifyAgentMessageDelta    = "item/agentMessage/delta"
	NotifyReasoningTextDelta   = "item/reasoning/textDelta"
	NotifyReasoningSummary     = "item/reasoning/summaryTextDelta"
	NotifyCommandOutputDelta   = "item/commandExecution/outputDelta"
	NotifyFileChangeDelta      = "item/fileChange/outputDelta"
	NotifyTokenUsageUpdated    = "thread/tokenUsage/updated"
	NotifyError                = "error"
	NotifyRateLimitsUpdated    = "account/rateLimits/updated"
	NotifyTurnDiffUpdated      = "turn/diff/updated"
	NotifyTurnPlanUpdated      = "turn/plan/updated"
	NotifyMcpToolCallProgress  = "item/mcpToolCall/progress"
	NotifyReasoningSummaryPart = "item/reasoning/summaryPartAdded"
)

// legacyEventPrefix marks the v1 event mirror the server still emits
// alongside the v2 notifications above.
const legacyEventPrefix = "codex/event/"

// Server requests.
const (
	RequestCommandApproval    = "item/commandExecution/requestApproval"
	RequestFileChangeApproval = "item/fileChange/requestApproval"
)

// informational notifications carry nothing the universal stream models.
var informational = map[string]bool{
	NotifyRateLimitsUpdated:    true,
	NotifyTurnDiffUpdated:      true,
	NotifyTurnPlanUpdated:      true,
	NotifyMcpToolCallProgress:  true,
	NotifyReasoningSummaryPart: true,
}

// InitializeParams is sent once per server process.
type InitializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the daemon to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ThreadStartParams opens a thread.
type ThreadStartParams struct {
	Model          string `json:"model,omitempty"`
	CWD            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
}

// ThreadResumeParams reattaches to a persisted thread.
type ThreadResumeParams struct {
	ThreadID string `json:"threadId"`
}

// Thread is the server's view of a conversation.
type Thread struct {
	ID            string `json:"id"`
	Preview       string `json:"preview,omitempty"`
	ModelProvider string `json:"modelProvider,omitempty"`
	CWD           string `json:"cwd,omitempty"`
}

// ThreadStartResult is the result of thread/start and thread/resume.
type ThreadStartResult struct {
	Thread Thread `json:"thread"`
	Model  string `json:"model,omitempty"`
}

// UserInput is one element of a turn's input.
type UserInput struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// TurnStartParams starts a turn on a thread.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// TurnInterruptParams interrupts a running turn.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// TurnError describes why a turn failed.
type TurnError struct {
	Message string `json:"message"`
}

// Turn is the server's view of a turn.
type Turn struct {
	Error  *TurnError `json:"error,omitempty"`
	ID     string     `json:"id"`
	Status string     `json:"status"`
}

// Turn statuses.
const (
	TurnStatusCompleted   = "completed"
	TurnStatusInterrupted = "interrupted"
	TurnStatusFailed      = "failed"
	TurnStatusInProgress  = "inProgress"
)

// ThreadStartedNotification announces a thread.
type ThreadStartedNotification struct {
	Thread Thread `json:"thread"`
}

// TurnNotification is the params of turn/started and turn/completed.
type TurnNotification struct {
	ThreadID string `json:"threadId"`
	Turn     Turn   `json:"turn"`
}

// ItemNotification is the params of item/started and item/completed.
type ItemNotification struct {
	Item     ThreadItem `json:"item"`
	ThreadID string     `json:"threadId"`
	TurnID   string     `json:"turnId"`
}

// DeltaNotification is the params of every item delta notification.
type DeltaNotification struct {
	ThreadID     string `json:"threadId"`
	TurnID       string `json:"turnId"`
	ItemID       string `json:"itemId"`
	Delta        string `json:"delta"`
	SummaryIndex int    `json:"summaryIndex,omitempty"`
}

// TokenUsage is a breakdown of token counts.
type TokenUsage struct {
	InputTokens           int64 `json:"inputTokens"`
	CachedInputTokens     int64 `json:"cachedInputTokens"`
	OutputTokens          int64 `json:"outputTokens"`
	ReasoningOutputTokens int64 `json:"reasoningOutputTokens"`
	TotalTokens           int64 `json:"totalTokens"`
}

// TokenUsageNotification reports cumulative and last-turn usage.
type TokenUsageNotification struct {
	ThreadID   string `json:"threadId"`
	TurnID     string `json:"turnId"`
	TokenUsage struct {
		Total TokenUsage `json:"total"`
		Last  TokenUsage `json:"last"`
	} `json:"tokenUsage"`
}

// ErrorNotification reports a turn-level error.
type ErrorNotification struct {
	Error     TurnError `json:"error"`
	ThreadID  string    `json:"threadId"`
	TurnID    string    `json:"turnId"`
	WillRetry bool      `json:"willRetry"`
}

// ApprovalRequest is the params of both approval server requests.
type ApprovalRequest struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Reason    string   `json:"reason,omitempty"`
	Command   string   `json:"command,omitempty"`
	CWD       string   `json:"cwd,omitempty"`
	GrantRoot string   `json:"grantRoot,omitempty"`
	Argv      []string `json:"argv,omitempty"`
}

// Approval decisions.
const (
	DecisionAccept           = "accept"
	DecisionAcceptForSession = "acceptForSession"
	DecisionDecline          = "decline"
)

// ApprovalResponse answers an approval request.
type ApprovalResponse struct {
	Decision string `json:"decision"`
}
