// Package opencode adapts `opencode serve`, an HTTP server shared by every
// opencode session. Commands go over REST; events arrive on one SSE bus
// stream and are routed to sessions by their sessionID.
package opencode

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

// ErrUnknownRequest is returned when replying to a HITL request that is not
// pending.
var ErrUnknownRequest = errors.New("no pending request")

// Adapter maps the bus events of one opencode session.
type Adapter struct {
	em        *synth.Emitter
	logger    *slog.Logger
	roles     map[string]universal.Role
	perms     map[string]PermissionRequest
	questions map[string]QuestionAsked
	usage     *universal.Usage
	openUser  []string
	mu        sync.Mutex
	aborting  bool
}

// New returns an adapter bound to em.
func New(em *synth.Emitter, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		em:        em,
		logger:    logger,
		roles:     make(map[string]universal.Role),
		perms:     make(map[string]PermissionRequest),
		questions: make(map[string]QuestionAsked),
	}
}

// Decode implements adapter.Decoder.
func (a *Adapter) Decode(raw []byte) (adapter.Native, error) { return Decode(raw) }

// MarkAborting makes the next idle end the turn as aborted.
func (a *Adapter) MarkAborting() {
	a.mu.Lock()
	a.aborting = true
	a.mu.Unlock()
}

// HandleNativeEvent implements adapter.Adapter.
func (a *Adapter) HandleNativeEvent(ev adapter.Native) error {
	switch v := ev.Value.(type) {
	case MessageUpdated:
		return a.message(v.Info, ev.Raw)
	case PartUpdated:
		return a.part(v, ev.Raw)
	case SessionIdle:
		return a.idle(ev.Raw)
	case SessionError:
		return a.sessionError(v, ev.Raw)
	case PermissionRequest:
		return a.permission(v, ev.Raw)
	case PermissionReplied:
		return a.permissionReplied(v, ev.Raw)
	case QuestionAsked:
		return a.question(v, ev.Raw)
	case QuestionReplied:
		return a.questionReplied(v, ev.Raw)
	case Ignored:
		return nil
	}
	return adapter.Unknown("$.type", ev.Type)
}

func msgKey(id string) string    { return "msg:" + id }
func toolKey(id string) string   { return "tool:" + id }
func resultKey(id string) string { return "result:" + id }

func (a *Adapter) roleOf(messageID string) universal.Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.roles[messageID]; ok {
		return r
	}
	return universal.RoleAssistant
}

func messageSpec(id string, role universal.Role) tracker.ItemSpec {
	return tracker.ItemSpec{Kind: universal.KindMessage, Role: role, NativeID: id}
}

func (a *Adapter) message(info MessageInfo, raw json.RawMessage) error {
	role := universal.RoleAssistant
	if info.Role == "user" {
		role = universal.RoleUser
	}
	a.mu.Lock()
	a.roles[info.ID] = role
	var closeUser []string
	if role == universal.RoleAssistant {
		closeUser, a.openUser = a.openUser, nil
	}
	a.mu.Unlock()

	if err := a.completeAll(closeUser, raw); err != nil {
		return err
	}

	key := msgKey(info.ID)
	spec := messageSpec(info.ID, role)
	if !a.em.Known(key) {
		if err := a.em.StartItem(key, spec, raw); err != nil {
			return err
		}
		if role == universal.RoleUser {
			a.mu.Lock()
			a.openUser = append(a.openUser, key)
			a.mu.Unlock()
		}
	}
	if role == universal.RoleUser {
		return nil
	}

	if info.Error != nil {
		if info.Error.Name == ErrorNameAborted {
			a.MarkAborting()
		} else if err := a.em.Forward(universal.EventError, universal.ErrorData{
			Message: errorMessage(info.Error),
			Code:    info.Error.Name,
		}, raw); err != nil {
			return err
		}
		return a.closeItem(key, spec, universal.StatusFailed, nil, raw)
	}
	if info.Time.Completed > 0 {
		return a.closeItem(key, spec, universal.StatusCompleted, nil, raw)
	}
	return nil
}

func (a *Adapter) closeItem(key string, spec tracker.ItemSpec, status universal.ItemStatus, final []universal.ContentPart, raw json.RawMessage) error {
	if it, ok := a.em.Lookup(key); ok && it.Status.Terminal() {
		return nil
	}
	return a.em.Complete(key, spec, status, final, raw)
}

func (a *Adapter) completeAll(keys []string, raw json.RawMessage) error {
	for _, key := range keys {
		it, ok := a.em.Lookup(key)
		if !ok {
			continue
		}
		spec := messageSpec(it.NativeItemID, it.Role)
		if err := a.closeItem(key, spec, universal.StatusCompleted, nil, raw); err != nil {
			return err
		}
	}
	return nil
}

func errorMessage(e *MessageError) string {
	if e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Name
}

func (a *Adapter) part(u PartUpdated, raw json.RawMessage) error {
	p := u.Part
	key := msgKey(p.MessageID)
	stub := messageSpec(p.MessageID, a.roleOf(p.MessageID))

	switch p.Type {
	case PartText, PartReasoning:
		build := universal.TextPart
		if p.Type == PartReasoning {
			build = func(s string) universal.ContentPart { return universal.ReasoningPart(s, "") }
		}
		if u.Delta != "" {
			return a.em.TrackedDelta(key, p.ID, stub, build(u.Delta), p.Text, raw)
		}
		return a.em.CumulativeDelta(key, p.ID, stub, p.Text, build, raw)
	case PartFile:
		var part universal.ContentPart
		if strings.HasPrefix(p.Mime, "image/") {
			part = universal.ImagePart(p.URL, p.Mime)
		} else {
			part = universal.FileRefPart(p.Filename, "read", "")
		}
		return a.em.Delta(key, stub, part, raw)
	case PartTool:
		return a.tool(p, key, raw)
	case PartStepFinish:
		if p.Tokens == nil {
			return nil
		}
		a.mu.Lock()
		if a.usage == nil {
			a.usage = &universal.Usage{}
		}
		a.usage.InputTokens += p.Tokens.Input
		a.usage.OutputTokens += p.Tokens.Output
		a.usage.ReasoningTokens += p.Tokens.Reasoning
		a.usage.CachedInputTokens += p.Tokens.Cache.Read
		a.usage.CostUSD += p.Cost
		a.mu.Unlock()
		return nil
	}
	// Step boundaries, snapshots and patches have no universal shape.
	return nil
}

func (a *Adapter) tool(p Part, parent string, raw json.RawMessage) error {
	if p.State == nil {
		return adapter.Malformed("$.properties.part.state", PartTool, errors.New("missing tool state"))
	}
	key := toolKey(p.CallID)
	spec := tracker.ItemSpec{
		Kind:      universal.KindToolCall,
		Role:      universal.RoleAssistant,
		NativeID:  p.CallID,
		ParentKey: parent,
	}
	call := universal.ToolCallPart(p.Tool, string(p.State.Input), p.CallID)

	if !a.em.Known(key) {
		spec.Content = []universal.ContentPart{call}
		if err := a.em.StartItem(key, spec, raw); err != nil {
			return err
		}
		spec.Content = nil
	}

	var (
		status universal.ItemStatus
		output string
	)
	switch p.State.Status {
	case ToolPending, ToolRunning:
		return nil
	case ToolCompleted:
		status, output = universal.StatusCompleted, p.State.Output
	case ToolError:
		status, output = universal.StatusFailed, p.State.Error
	default:
		return adapter.Unknown("$.properties.part.state.status", p.State.Status)
	}

	if err := a.closeItem(key, spec, universal.StatusCompleted, []universal.ContentPart{call}, raw); err != nil {
		return err
	}
	rkey := resultKey(p.CallID)
	if a.em.Known(rkey) {
		return nil
	}
	rspec := tracker.ItemSpec{Kind: universal.KindToolResult, Role: universal.RoleTool, ParentKey: key}
	if err := a.em.StartItem(rkey, rspec, raw); err != nil {
		return err
	}
	return a.em.Complete(rkey, rspec, status, []universal.ContentPart{universal.ToolResultPart(p.CallID, output)}, raw)
}

func (a *Adapter) idle(raw json.RawMessage) error {
	a.mu.Lock()
	usage := a.usage
	aborting := a.aborting
	users := a.openUser
	a.usage, a.aborting, a.openUser = nil, false, nil
	a.mu.Unlock()

	if err := a.completeAll(users, raw); err != nil {
		return err
	}
	if !a.em.TurnOpen() {
		return nil
	}
	status := universal.TurnCompleted
	if aborting {
		status = universal.TurnAborted
	}
	return a.em.TurnEnded(universal.TurnData{Status: status, Usage: usage}, raw)
}

func (a *Adapter) sessionError(e SessionError, raw json.RawMessage) error {
	if e.Error == nil {
		return a.em.Forward(universal.EventError, universal.ErrorData{Message: "session error"}, raw)
	}
	if e.Error.Name == ErrorNameAborted {
		a.MarkAborting()
		return nil
	}
	return a.em.Forward(universal.EventError, universal.ErrorData{
		Message: errorMessage(e.Error),
		Code:    e.Error.Name,
	}, raw)
}

func (a *Adapter) permission(p PermissionRequest, raw json.RawMessage) error {
	a.mu.Lock()
	a.perms[p.ID] = p
	a.mu.Unlock()

	meta := map[string]any{}
	if p.Title != "" {
		meta["title"] = p.Title
	}
	if p.Pattern != nil {
		meta["pattern"] = p.Pattern
	}
	if len(p.Patterns) > 0 {
		meta["patterns"] = p.Patterns
	}
	callID := p.CallID
	if p.Tool != nil {
		callID = p.Tool.CallID
	}
	if callID != "" {
		meta["call_id"] = callID
	}
	for k, v := range p.Metadata {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}
	return a.em.Forward(universal.EventPermissionRequest, universal.PermissionData{
		PermissionID: p.ID,
		Action:       p.Action(),
		Status:       universal.HITLRequested,
		Metadata:     meta,
	}, raw)
}

// nativeReply maps opencode's reply words onto universal replies.
func nativeReply(s string) universal.PermissionReply {
	switch s {
	case "always":
		return universal.ReplyAlways
	case "reject":
		return universal.ReplyReject
	}
	return universal.ReplyOnce
}

func (a *Adapter) permissionReplied(r PermissionReplied, raw json.RawMessage) error {
	a.mu.Lock()
	p, ok := a.perms[r.ID()]
	delete(a.perms, r.ID())
	a.mu.Unlock()
	if !ok {
		// Answered through this daemon and already resolved.
		return nil
	}
	reply := nativeReply(r.Answer())
	status := universal.HITLAccepted
	if reply == universal.ReplyReject {
		status = universal.HITLRejected
	}
	return a.em.Forward(universal.EventPermissionResolved, universal.PermissionData{
		PermissionID: p.ID,
		Action:       p.Action(),
		Status:       status,
		Reply:        reply,
	}, raw)
}

// ReplyPermission resolves a pending permission and returns the word to
// post back to the server.
func (a *Adapter) ReplyPermission(id string, reply universal.PermissionReply) (string, error) {
	var word string
	switch reply {
	case universal.ReplyOnce:
		word = "once"
	case universal.ReplyAlways:
		word = "always"
	case universal.ReplyReject:
		word = "reject"
	default:
		return "", fmt.Errorf("unknown permission reply %q", reply)
	}
	a.mu.Lock()
	p, ok := a.perms[id]
	delete(a.perms, id)
	a.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	status := universal.HITLAccepted
	if reply == universal.ReplyReject {
		status = universal.HITLRejected
	}
	return word, a.em.Resolve(universal.EventPermissionResolved, universal.PermissionData{
		PermissionID: id,
		Action:       p.Action(),
		Status:       status,
		Reply:        reply,
	})
}

func (a *Adapter) question(q QuestionAsked, raw json.RawMessage) error {
	a.mu.Lock()
	a.questions[q.ID] = q
	a.mu.Unlock()

	qs := make([]universal.Question, 0, len(q.Questions))
	for _, info := range q.Questions {
		uq := universal.Question{Prompt: info.Question, Header: info.Header, MultiSelect: info.Multiple}
		for _, o := range info.Options {
			uq.Options = append(uq.Options, universal.QuestionOption{Label: o.Label, Description: o.Description})
		}
		qs = append(qs, uq)
	}
	return a.em.Forward(universal.EventQuestionRequested, universal.QuestionData{
		QuestionID: q.ID,
		Status:     universal.HITLRequested,
		Questions:  qs,
	}, raw)
}

func (a *Adapter) questionReplied(r QuestionReplied, raw json.RawMessage) error {
	a.mu.Lock()
	_, ok := a.questions[r.RequestID]
	delete(a.questions, r.RequestID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	data := universal.QuestionData{QuestionID: r.RequestID, Status: universal.HITLAccepted, Answers: r.Answers}
	if r.Rejected {
		data.Status = universal.HITLRejected
		data.Answers = nil
	}
	return a.em.Forward(universal.EventQuestionResolved, data, raw)
}

// ReplyQuestion resolves a pending question with one answer list per
// question.
func (a *Adapter) ReplyQuestion(id string, answers [][]string) error {
	return a.resolveQuestion(id, universal.QuestionData{QuestionID: id, Status: universal.HITLAccepted, Answers: answers})
}

// RejectQuestion dismisses a pending question.
func (a *Adapter) RejectQuestion(id string) error {
	return a.resolveQuestion(id, universal.QuestionData{QuestionID: id, Status: universal.HITLRejected})
}

func (a *Adapter) resolveQuestion(id string, data universal.QuestionData) error {
	a.mu.Lock()
	_, ok := a.questions[id]
	delete(a.questions, id)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return a.em.Resolve(universal.EventQuestionResolved, data)
}

// PromptParts converts a prompt into message parts for the REST API.
func PromptParts(prompt []universal.ContentPart) ([]InputPart, error) {
	out := make([]InputPart, 0, len(prompt))
	for _, p := range prompt {
		switch p.Type {
		case universal.PartText:
			out = append(out, InputPart{Type: PartText, Text: p.Text})
		case universal.PartImage:
			out = append(out, InputPart{Type: PartFile, Mime: p.Mime, URL: fileURL(p.Path), Filename: p.Path})
		case universal.PartFileRef:
			out = append(out, InputPart{Type: PartFile, Mime: "text/plain", URL: fileURL(p.Path), Filename: p.Path})
		case universal.PartJSON:
			out = append(out, InputPart{Type: PartText, Text: string(p.JSON)})
		default:
			return nil, fmt.Errorf("content part %q cannot be sent as a prompt", p.Type)
		}
	}
	return out, nil
}

func fileURL(path string) string {
	if strings.HasPrefix(path, "/") {
		return "file://" + path
	}
	return path
}
