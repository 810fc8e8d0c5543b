// Package pi adapts the pi coding agent's RPC mode: one dedicated process
// per session reading JSON commands on stdin and writing events on stdout.
package pi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/bazelment/yoloswe/agentd/adapter"
	"github.com/bazelment/yoloswe/agentd/synth"
	"github.com/bazelment/yoloswe/agentd/tracker"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// Adapter maps the events of one pi process.
type Adapter struct {
	em       *synth.Emitter
	logger   *slog.Logger
	usage    *universal.Usage
	nextTurn string
	msgKey   string
	stop     string
	msgs     int
	turns    int
	cmds     int
	mu       sync.Mutex
	aborting bool
}

// New returns an adapter bound to em.
func New(em *synth.Emitter, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{em: em, logger: logger}
}

// Decode implements adapter.Decoder.
func (a *Adapter) Decode(raw []byte) (adapter.Native, error) { return Decode(raw) }

// Prompted records the id of the turn the next agent_start opens.
func (a *Adapter) Prompted(turnID string) {
	a.mu.Lock()
	a.nextTurn = turnID
	a.mu.Unlock()
}

// MarkAborting makes the running turn end as aborted.
func (a *Adapter) MarkAborting() {
	a.mu.Lock()
	a.aborting = true
	a.mu.Unlock()
}

// HandleNativeEvent implements adapter.Adapter.
func (a *Adapter) HandleNativeEvent(ev adapter.Native) error {
	switch v := ev.Value.(type) {
	case Response:
		return a.response(v, ev.Raw)
	case AgentStart:
		a.mu.Lock()
		a.turns++
		id := a.nextTurn
		if id == "" {
			id = "turn-" + strconv.Itoa(a.turns)
		}
		a.nextTurn, a.usage, a.stop = "", nil, ""
		a.mu.Unlock()
		return a.em.TurnStarted(id, ev.Raw)
	case AgentEnd:
		return a.agentEnd(ev.Raw)
	case MessageStart:
		return a.messageStart(v.Message, ev.Raw)
	case MessageUpdate:
		return a.messageUpdate(v, ev.Raw)
	case MessageEnd:
		return a.messageEnd(v.Message, ev.Raw)
	case ToolStart:
		return a.toolStart(ToolExecution(v), ev.Raw)
	case ToolUpdate:
		return a.toolUpdate(ToolExecution(v), ev.Raw)
	case ToolEnd:
		return a.toolEnd(ToolExecution(v), ev.Raw)
	case HookError:
		details, _ := json.Marshal(map[string]string{"extension": v.ExtensionPath, "event": v.Event})
		return a.em.Forward(universal.EventError, universal.ErrorData{Message: v.Error, Code: TypeHookError, Details: details}, ev.Raw)
	case Ignored:
		return nil
	}
	return adapter.Unknown("$.type", ev.Type)
}

func (a *Adapter) response(r Response, raw json.RawMessage) error {
	if !r.Success {
		msg := r.Error
		if msg == "" {
			msg = r.Command + " failed"
		}
		return a.em.Forward(universal.EventError, universal.ErrorData{Message: msg, Code: r.Command}, raw)
	}
	if r.Command != CommandGetState || len(r.Data) == 0 {
		return nil
	}
	st, err := adapter.Decode[State](r.Data, "$.data", CommandGetState)
	if err != nil {
		return err
	}
	if st.SessionID == "" {
		return nil
	}
	return a.em.BindNativeSession(st.SessionID)
}

func (a *Adapter) agentEnd(raw json.RawMessage) error {
	a.mu.Lock()
	usage, stop, aborting := a.usage, a.stop, a.aborting
	a.usage, a.stop, a.aborting = nil, "", false
	a.mu.Unlock()

	status := universal.TurnCompleted
	switch {
	case aborting || stop == StopAborted:
		status = universal.TurnAborted
	case stop == StopError:
		status = universal.TurnFailed
	}
	return a.em.TurnEnded(universal.TurnData{Status: status, Usage: usage}, raw)
}

func messageSpec(role universal.Role) tracker.ItemSpec {
	return tracker.ItemSpec{Kind: universal.KindMessage, Role: role}
}

func userParts(c Content) []universal.ContentPart {
	var parts []universal.ContentPart
	for _, b := range c {
		switch b.Type {
		case "text":
			parts = append(parts, universal.TextPart(b.Text))
		case "image":
			parts = append(parts, universal.InlineImagePart(b.MimeType, b.Data))
		}
	}
	return parts
}

func assistantParts(c Content) []universal.ContentPart {
	var parts []universal.ContentPart
	for _, b := range c {
		switch b.Type {
		case "text":
			parts = append(parts, universal.TextPart(b.Text))
		case "thinking":
			parts = append(parts, universal.ReasoningPart(b.Thinking, "private"))
		}
	}
	return parts
}

func (a *Adapter) messageStart(m Message, raw json.RawMessage) error {
	if m.Role == RoleToolResult {
		// Tool output is mapped from tool_execution events.
		return nil
	}
	a.mu.Lock()
	a.msgs++
	key := "msg:" + strconv.Itoa(a.msgs)
	a.msgKey = key
	a.mu.Unlock()

	switch m.Role {
	case RoleUser:
		spec := messageSpec(universal.RoleUser)
		spec.Content = userParts(m.Content)
		return a.em.StartItem(key, spec, raw)
	case RoleAssistant:
		return a.em.StartItem(key, messageSpec(universal.RoleAssistant), raw)
	}
	return adapter.Unknown("$.message.role", m.Role)
}

func (a *Adapter) currentMessage() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msgKey
}

func (a *Adapter) messageUpdate(u MessageUpdate, raw json.RawMessage) error {
	key := a.currentMessage()
	stub := messageSpec(universal.RoleAssistant)
	switch u.AssistantMessageEvent.Type {
	case StreamTextDelta:
		return a.em.Delta(key, stub, universal.TextPart(u.AssistantMessageEvent.Delta), raw)
	case StreamThinkingDelta:
		return a.em.Delta(key, stub, universal.ReasoningPart(u.AssistantMessageEvent.Delta, "private"), raw)
	}
	// Block boundaries and tool call streaming carry nothing new; tool
	// calls are announced by tool_execution_start.
	return nil
}

func (a *Adapter) messageEnd(m Message, raw json.RawMessage) error {
	switch m.Role {
	case RoleToolResult:
		return nil
	case RoleUser:
		return a.em.Complete(a.currentMessage(), messageSpec(universal.RoleUser), universal.StatusCompleted, userParts(m.Content), raw)
	case RoleAssistant:
	default:
		return adapter.Unknown("$.message.role", m.Role)
	}

	a.mu.Lock()
	a.stop = m.StopReason
	if u := m.Usage; u != nil {
		if a.usage == nil {
			a.usage = &universal.Usage{}
		}
		a.usage.InputTokens += u.Input
		a.usage.OutputTokens += u.Output
		a.usage.CachedInputTokens += u.CacheRead
		if u.Cost != nil {
			a.usage.CostUSD += u.Cost.Total
		}
	}
	a.mu.Unlock()

	status := universal.StatusCompleted
	switch m.StopReason {
	case StopError:
		status = universal.StatusFailed
		msg := m.ErrorMessage
		if msg == "" {
			msg = "assistant message failed"
		}
		if err := a.em.Forward(universal.EventError, universal.ErrorData{Message: msg, Code: StopError}, raw); err != nil {
			return err
		}
	case StopAborted:
		status = universal.StatusFailed
	}
	return a.em.Complete(a.currentMessage(), messageSpec(universal.RoleAssistant), status, assistantParts(m.Content), raw)
}

func toolKey(id string) string   { return "tool:" + id }
func resultKey(id string) string { return "result:" + id }

func (a *Adapter) toolSpec(x ToolExecution) tracker.ItemSpec {
	return tracker.ItemSpec{
		Kind:      universal.KindToolCall,
		Role:      universal.RoleAssistant,
		NativeID:  x.ToolCallID,
		ParentKey: a.currentMessage(),
	}
}

func resultSpec(x ToolExecution) tracker.ItemSpec {
	return tracker.ItemSpec{Kind: universal.KindToolResult, Role: universal.RoleTool, ParentKey: toolKey(x.ToolCallID)}
}

func (a *Adapter) toolStart(x ToolExecution, raw json.RawMessage) error {
	call := []universal.ContentPart{universal.ToolCallPart(x.ToolName, string(x.Args), x.ToolCallID)}
	spec := a.toolSpec(x)
	spec.Content = call
	key := toolKey(x.ToolCallID)
	if err := a.em.StartItem(key, spec, raw); err != nil {
		return err
	}
	spec.Content = nil
	// Arguments are final once execution begins.
	if err := a.em.Complete(key, spec, universal.StatusCompleted, call, raw); err != nil {
		return err
	}
	return a.em.StartItem(resultKey(x.ToolCallID), resultSpec(x), raw)
}

func (a *Adapter) toolUpdate(x ToolExecution, raw json.RawMessage) error {
	if x.PartialResult == nil {
		return nil
	}
	id := x.ToolCallID
	build := func(s string) universal.ContentPart { return universal.ToolResultPart(id, s) }
	return a.em.CumulativeDelta(resultKey(id), "output", resultSpec(x), x.PartialResult.Content.Text(), build, raw)
}

func (a *Adapter) toolEnd(x ToolExecution, raw json.RawMessage) error {
	var out string
	if x.Result != nil {
		out = x.Result.Content.Text()
	}
	status := universal.StatusCompleted
	if x.IsError {
		status = universal.StatusFailed
	}
	return a.em.Complete(resultKey(x.ToolCallID), resultSpec(x), status,
		[]universal.ContentPart{universal.ToolResultPart(x.ToolCallID, out)}, raw)
}

func (a *Adapter) commandID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cmds++
	return "cmd-" + strconv.Itoa(a.cmds)
}

// PromptCommand builds a prompt command. Image parts are read from disk
// and inlined.
func (a *Adapter) PromptCommand(prompt []universal.ContentPart) (Command, error) {
	cmd := Command{ID: a.commandID(), Type: CommandPrompt}
	for _, p := range prompt {
		switch p.Type {
		case universal.PartText:
			cmd.Message += p.Text
		case universal.PartFileRef:
			cmd.Message += "@" + p.Path
		case universal.PartJSON:
			cmd.Message += string(p.JSON)
		case universal.PartImage:
			if mime, b64, ok := p.InlineImage(); ok {
				cmd.Images = append(cmd.Images, Image{Type: "image", Data: b64, MimeType: mime})
				continue
			}
			data, err := os.ReadFile(p.Path)
			if err != nil {
				return Command{}, fmt.Errorf("reading image: %w", err)
			}
			mime := p.Mime
			if mime == "" {
				mime = "image/png"
			}
			cmd.Images = append(cmd.Images, Image{Type: "image", Data: base64.StdEncoding.EncodeToString(data), MimeType: mime})
		default:
			return Command{}, fmt.Errorf("content part %q cannot be sent as a prompt", p.Type)
		}
	}
	return cmd, nil
}

// AbortCommand builds an abort command.
func (a *Adapter) AbortCommand() Command {
	return Command{ID: a.commandID(), Type: CommandAbort}
}

// StateCommand builds a get_state command; its response binds the native
// session id.
func (a *Adapter) StateCommand() Command {
	return Command{ID: a.commandID(), Type: CommandGetState}
}
