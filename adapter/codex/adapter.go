// Package codex adapts the Codex app-server, a JSON-RPC 2.0 server over
// stdio that multiplexes threads. One server process is shared by every
// codex session; each session maps to one thread.
package codex

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bazelment/yoloswe/agentd/adapter"
	"github.com/bazelment/yoloswe/agentd/synth"
	"github.com/bazelment/yoloswe/agentd/tracker"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// ErrUnknownApproval is returned when replying to an approval that is not
// pending.
var ErrUnknownApproval = errors.New("no pending approval")

// Adapter maps the traffic of one thread.
type Adapter struct {
	em      *synth.Emitter
	logger  *slog.Logger
	pending map[string]Approval
	usage   *universal.Usage
	turnID  string
	mu      sync.Mutex
}

// New returns an adapter bound to em.
func New(em *synth.Emitter, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{em: em, logger: logger, pending: make(map[string]Approval)}
}

// Decode implements adapter.Decoder.
func (a *Adapter) Decode(raw []byte) (adapter.Native, error) { return Decode(raw) }

// ThreadOpened forwards the result of thread/start or thread/resume as the
// native session start.
func (a *Adapter) ThreadOpened(res ThreadStartResult, raw json.RawMessage) error {
	return a.em.SessionStarted(res.Thread.ID, universal.SessionStartedData{
		Model: res.Model,
		CWD:   res.Thread.CWD,
		Metadata: map[string]any{
			"model_provider": res.Thread.ModelProvider,
		},
	}, raw)
}

// CurrentTurn returns the id of the running turn, if any.
func (a *Adapter) CurrentTurn() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turnID
}

// HandleNativeEvent implements adapter.Adapter.
func (a *Adapter) HandleNativeEvent(ev adapter.Native) error {
	switch v := ev.Value.(type) {
	case ThreadStartedNotification:
		return a.em.SessionStarted(v.Thread.ID, universal.SessionStartedData{CWD: v.Thread.CWD}, ev.Raw)
	case TurnStarted:
		a.mu.Lock()
		a.turnID = v.Turn.ID
		a.usage = nil
		a.mu.Unlock()
		return a.em.TurnStarted(v.Turn.ID, ev.Raw)
	case TurnCompleted:
		return a.turnCompleted(TurnNotification(v), ev.Raw)
	case ItemStarted:
		return a.itemStarted(v.Item, ev.Raw)
	case ItemCompleted:
		return a.itemCompleted(v.Item, ev.Raw)
	case Delta:
		return a.delta(v, ev.Raw)
	case TokenUsageNotification:
		last := v.TokenUsage.Last
		a.mu.Lock()
		a.usage = &universal.Usage{
			InputTokens:       last.InputTokens,
			CachedInputTokens: last.CachedInputTokens,
			OutputTokens:      last.OutputTokens,
			ReasoningTokens:   last.ReasoningOutputTokens,
		}
		a.mu.Unlock()
		return nil
	case ErrorNotification:
		details, _ := json.Marshal(map[string]any{"will_retry": v.WillRetry, "turn_id": v.TurnID})
		return a.em.Forward(universal.EventError, universal.ErrorData{
			Message: v.Error.Message,
			Details: details,
		}, ev.Raw)
	case Approval:
		return a.approval(v, ev.Raw)
	case Ignored:
		return nil
	}
	return adapter.Unknown("$.method", ev.Type)
}

func (a *Adapter) turnCompleted(n TurnNotification, raw json.RawMessage) error {
	a.mu.Lock()
	usage := a.usage
	a.usage = nil
	a.turnID = ""
	a.mu.Unlock()

	var status universal.TurnStatus
	switch n.Turn.Status {
	case TurnStatusCompleted:
		status = universal.TurnCompleted
	case TurnStatusInterrupted:
		status = universal.TurnAborted
	case TurnStatusFailed:
		status = universal.TurnFailed
		msg := "turn failed"
		if n.Turn.Error != nil && n.Turn.Error.Message != "" {
			msg = n.Turn.Error.Message
		}
		if err := a.em.Forward(universal.EventError, universal.ErrorData{Message: msg, Code: "turn_failed"}, raw); err != nil {
			return err
		}
	default:
		return adapter.Unknown("$.params.turn.status", n.Turn.Status)
	}
	return a.em.TurnEnded(universal.TurnData{TurnID: n.Turn.ID, Status: status, Usage: usage}, raw)
}

func resultKey(id string) string { return "result:" + id }

func specFor(it ThreadItem) tracker.ItemSpec {
	switch it.Type {
	case ItemAgentMessage, ItemReasoning:
		return tracker.ItemSpec{Kind: universal.KindMessage, Role: universal.RoleAssistant, NativeID: it.ID}
	case ItemUserMessage:
		return tracker.ItemSpec{Kind: universal.KindMessage, Role: universal.RoleUser, NativeID: it.ID}
	}
	return tracker.ItemSpec{Kind: universal.KindToolCall, Role: universal.RoleAssistant, NativeID: it.ID}
}

func resultSpec(it ThreadItem) tracker.ItemSpec {
	return tracker.ItemSpec{Kind: universal.KindToolResult, Role: universal.RoleTool, ParentKey: it.ID}
}

func userParts(it ThreadItem) ([]universal.ContentPart, error) {
	in, err := it.UserContent()
	if err != nil {
		return nil, adapter.Malformed("$.params.item.content", ItemUserMessage, err)
	}
	parts := make([]universal.ContentPart, 0, len(in))
	for _, u := range in {
		switch u.Type {
		case "text":
			parts = append(parts, universal.TextPart(u.Text))
		case "localImage":
			parts = append(parts, universal.ImagePart(u.Path, ""))
		case "image":
			parts = append(parts, universal.ImagePart(u.URL, ""))
		default:
			return nil, adapter.Unknown("$.params.item.content[].type", u.Type)
		}
	}
	return parts, nil
}

func (a *Adapter) itemStarted(it ThreadItem, raw json.RawMessage) error {
	spec := specFor(it)
	switch it.Type {
	case ItemUserMessage:
		parts, err := userParts(it)
		if err != nil {
			return err
		}
		spec.Content = parts
	case ItemCommandExecution, ItemFileChange, ItemMcpToolCall, ItemWebSearch:
		spec.Content = []universal.ContentPart{universal.ToolCallPart(it.ToolName(), it.ToolArguments(), it.ID)}
	}
	return a.em.StartItem(it.ID, spec, raw)
}

func (a *Adapter) itemCompleted(it ThreadItem, raw json.RawMessage) error {
	spec := specFor(it)
	switch it.Type {
	case ItemAgentMessage:
		return a.em.Complete(it.ID, spec, universal.StatusCompleted, []universal.ContentPart{universal.TextPart(it.Text)}, raw)
	case ItemUserMessage:
		parts, err := userParts(it)
		if err != nil {
			return err
		}
		return a.em.Complete(it.ID, spec, universal.StatusCompleted, parts, raw)
	case ItemReasoning:
		var final []universal.ContentPart
		if len(it.Summary) > 0 {
			final = append(final, universal.ReasoningPart(strings.Join(it.Summary, "\n"), "public"))
		}
		if content := it.ReasoningContent(); len(content) > 0 {
			final = append(final, universal.ReasoningPart(strings.Join(content, "\n"), "private"))
		}
		return a.em.Complete(it.ID, spec, universal.StatusCompleted, final, raw)
	}

	call := []universal.ContentPart{universal.ToolCallPart(it.ToolName(), it.ToolArguments(), it.ID)}
	callStatus := universal.StatusCompleted
	if it.Status == ItemStatusDeclined {
		callStatus = universal.StatusFailed
	}
	if err := a.em.Complete(it.ID, spec, callStatus, call, raw); err != nil {
		return err
	}
	if it.Type == ItemWebSearch {
		return nil
	}

	final := []universal.ContentPart{universal.ToolResultPart(it.ID, it.ToolOutput())}
	for _, c := range it.Changes {
		final = append(final, universal.FileRefPart(c.Path, c.Kind.Type, c.Diff))
	}
	status := universal.StatusCompleted
	if it.Failed() {
		status = universal.StatusFailed
	}
	key := resultKey(it.ID)
	if !a.em.Known(key) {
		if err := a.em.StartItem(key, resultSpec(it), raw); err != nil {
			return err
		}
	}
	return a.em.Complete(key, resultSpec(it), status, final, raw)
}

func (a *Adapter) delta(d Delta, raw json.RawMessage) error {
	switch d.Method {
	case NotifyAgentMessageDelta:
		stub := tracker.ItemSpec{Kind: universal.KindMessage, Role: universal.RoleAssistant, NativeID: d.ItemID}
		return a.em.Delta(d.ItemID, stub, universal.TextPart(d.Delta), raw)
	case NotifyReasoningTextDelta, NotifyReasoningSummary:
		vis := "private"
		if d.Method == NotifyReasoningSummary {
			vis = "public"
		}
		stub := tracker.ItemSpec{Kind: universal.KindMessage, Role: universal.RoleAssistant, NativeID: d.ItemID}
		return a.em.Delta(d.ItemID, stub, universal.ReasoningPart(d.Delta, vis), raw)
	case NotifyCommandOutputDelta, NotifyFileChangeDelta:
		stub := tracker.ItemSpec{Kind: universal.KindToolResult, Role: universal.RoleTool, ParentKey: d.ItemID}
		return a.em.Delta(resultKey(d.ItemID), stub, universal.ToolResultPart(d.ItemID, d.Delta), raw)
	}
	return adapter.Unknown("$.method", d.Method)
}

// ApprovalID is the permission id exposed for a server request id.
func ApprovalID(id json.RawMessage) string {
	return "approval-" + strings.Trim(string(id), `"`)
}

func (a *Adapter) approval(req Approval, raw json.RawMessage) error {
	id := ApprovalID(req.ID)
	a.mu.Lock()
	a.pending[id] = req
	a.mu.Unlock()

	action := "command_execution"
	meta := map[string]any{"item_id": req.Params.ItemID}
	if req.Method == RequestFileChangeApproval {
		action = "file_change"
		if req.Params.GrantRoot != "" {
			meta["grant_root"] = req.Params.GrantRoot
		}
	} else {
		if req.Params.Command != "" {
			meta["command"] = req.Params.Command
		}
		if req.Params.CWD != "" {
			meta["cwd"] = req.Params.CWD
		}
	}
	if req.Params.Reason != "" {
		meta["reason"] = req.Params.Reason
	}
	return a.em.Forward(universal.EventPermissionRequest, universal.PermissionData{
		PermissionID: id,
		Action:       action,
		Status:       universal.HITLRequested,
		Metadata:     meta,
	}, raw)
}

// Decision maps a universal reply onto the app-server's decision.
func Decision(reply universal.PermissionReply) (string, error) {
	switch reply {
	case universal.ReplyOnce:
		return DecisionAccept, nil
	case universal.ReplyAlways:
		return DecisionAcceptForSession, nil
	case universal.ReplyReject:
		return DecisionDecline, nil
	}
	return "", fmt.Errorf("unknown permission reply %q", reply)
}

// ReplyPermission resolves a pending approval. It returns the JSON-RPC id
// to answer and the response body.
func (a *Adapter) ReplyPermission(id string, reply universal.PermissionReply) (json.RawMessage, ApprovalResponse, error) {
	decision, err := Decision(reply)
	if err != nil {
		return nil, ApprovalResponse{}, err
	}
	a.mu.Lock()
	req, ok := a.pending[id]
	delete(a.pending, id)
	a.mu.Unlock()
	if !ok {
		return nil, ApprovalResponse{}, fmt.Errorf("%w: %s", ErrUnknownApproval, id)
	}

	status := universal.HITLAccepted
	if reply == universal.ReplyReject {
		status = universal.HITLRejected
	}
	action := "command_execution"
	if req.Method == RequestFileChangeApproval {
		action = "file_change"
	}
	err = a.em.Resolve(universal.EventPermissionResolved, universal.PermissionData{
		PermissionID: id,
		Action:       action,
		Status:       status,
		Reply:        reply,
	})
	return req.ID, ApprovalResponse{Decision: decision}, err
}

// TurnInput converts a prompt into turn/start input elements.
func TurnInput(prompt []universal.ContentPart) ([]UserInput, error) {
	out := make([]UserInput, 0, len(prompt))
	for _, p := range prompt {
		switch p.Type {
		case universal.PartText:
			out = append(out, UserInput{Type: "text", Text: p.Text})
		case universal.PartImage:
			out = append(out, UserInput{Type: "localImage", Path: p.Path})
		case universal.PartFileRef:
			out = append(out, UserInput{Type: "text", Text: "@" + p.Path})
		case universal.PartJSON:
			out = append(out, UserInput{Type: "text", Text: string(p.JSON)})
		default:
			return nil, fmt.Errorf("content part %q cannot be sent as a prompt", p.Type)
		}
	}
	return out, nil
}
