package streamjson

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

// ToolAskUserQuestion is the tool whose permission request is really a
// multiple-choice question for the user.
const ToolAskUserQuestion = "AskUserQuestion"

const subtypeInit = "init"

type blockRef struct {
	key  string
	tool bool
}

// Mapper translates stream-json lines for one session into universal
// events. It is shared by every agent speaking the protocol; partial
// messages and control requests only appear when the CLI emits them.
type Mapper struct {
	em       *synth.Emitter
	logger   *slog.Logger
	pending  map[string]PermissionRequest
	blocks   map[int]blockRef
	streamed map[string]bool
	seen     map[string]int
	msgKey   string
	nextTurn string
	mu       sync.Mutex
	aborting bool
}

// NewMapper binds a mapper to a session emitter.
func NewMapper(em *synth.Emitter, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{
		em:       em,
		logger:   logger,
		pending:  make(map[string]PermissionRequest),
		blocks:   make(map[int]blockRef),
		streamed: make(map[string]bool),
		seen:     make(map[string]int),
	}
}

// Decode implements adapter.Decoder.
func (m *Mapper) Decode(raw []byte) (adapter.Native, error) { return Decode(raw) }

// Prompted records that a prompt was delivered. The turn opens on the
// next native line, after the agent's own session start is forwarded.
func (m *Mapper) Prompted(turnID string) {
	m.mu.Lock()
	m.nextTurn = turnID
	m.mu.Unlock()
}

func (m *Mapper) openTurn() error {
	m.mu.Lock()
	id := m.nextTurn
	m.nextTurn = ""
	m.mu.Unlock()
	if id == "" {
		return nil
	}
	return m.em.BeginTurn(id)
}

// HandleNativeEvent implements adapter.Adapter.
func (m *Mapper) HandleNativeEvent(ev adapter.Native) error {
	if sys, ok := ev.Value.(SystemMessage); ok && sys.Subtype == subtypeInit {
		if err := m.handleSystem(sys, ev.Raw); err != nil {
			return err
		}
		return m.openTurn()
	}
	if err := m.openTurn(); err != nil {
		return err
	}
	switch v := ev.Value.(type) {
	case SystemMessage:
		return m.handleSystem(v, ev.Raw)
	case Partial:
		return m.handlePartial(v, ev.Raw)
	case AssistantMessage:
		return m.handleAssistant(v, ev.Raw)
	case UserMessage:
		return m.handleUser(v, ev.Raw)
	case ResultMessage:
		return m.handleResult(v, ev.Raw)
	case PermissionRequest:
		return m.handleControl(v, ev.Raw)
	case ControlCancelRequest:
		m.mu.Lock()
		_, ok := m.pending[v.RequestID]
		delete(m.pending, v.RequestID)
		m.mu.Unlock()
		if ok {
			m.logger.Debug("control request cancelled by agent", "request_id", v.RequestID)
		}
		return nil
	case ControlResponse:
		// Acknowledgement of a request the daemon wrote.
		return nil
	}
	return adapter.Unknown("$", ev.Type)
}

func (m *Mapper) handleSystem(msg SystemMessage, raw json.RawMessage) error {
	if msg.Subtype != subtypeInit {
		key := "system:" + msg.Subtype + ":" + fmt.Sprint(m.nextSeen("system:"+msg.Subtype))
		spec := tracker.ItemSpec{Kind: universal.KindSystem, Role: universal.RoleSystem}
		if err := m.em.StartItem(key, spec, raw); err != nil {
			return err
		}
		final := []universal.ContentPart{universal.StatusPart(msg.Subtype, "")}
		return m.em.Complete(key, spec, universal.StatusCompleted, final, raw)
	}
	return m.em.SessionStarted(msg.SessionID, universal.SessionStartedData{
		Model: msg.Model,
		CWD:   msg.CWD,
		Metadata: map[string]any{
			"permission_mode": msg.PermissionMode,
			"version":         msg.Version,
			"tools":           msg.Tools,
		},
	}, raw)
}

func (m *Mapper) nextSeen(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.seen[id]
	m.seen[id] = n + 1
	return n
}

func messageSpec(id string) tracker.ItemSpec {
	return tracker.ItemSpec{Kind: universal.KindMessage, Role: universal.RoleAssistant, NativeID: id}
}

func toolKey(id string) string   { return "tool:" + id }
func resultKey(id string) string { return "result:" + id }

func (m *Mapper) handlePartial(p Partial, raw json.RawMessage) error {
	switch ev := p.Event.(type) {
	case MessageStart:
		id := ev.Message.ID
		m.mu.Lock()
		m.msgKey = "msg:" + id
		m.streamed[id] = true
		m.blocks = make(map[int]blockRef)
		key := m.msgKey
		m.mu.Unlock()
		return m.em.StartItem(key, messageSpec(id), raw)

	case ContentBlockStart:
		m.mu.Lock()
		msgKey := m.msgKey
		if ev.ContentBlock.Type == BlockToolUse {
			m.blocks[ev.Index] = blockRef{key: toolKey(ev.ContentBlock.ID), tool: true}
		} else {
			m.blocks[ev.Index] = blockRef{key: msgKey}
		}
		m.mu.Unlock()
		switch ev.ContentBlock.Type {
		case BlockToolUse:
			b := ev.ContentBlock
			return m.em.StartItem(toolKey(b.ID), tracker.ItemSpec{
				Kind:      universal.KindToolCall,
				Role:      universal.RoleAssistant,
				NativeID:  b.ID,
				ParentKey: msgKey,
				Content:   []universal.ContentPart{universal.ToolCallPart(b.Name, "", b.ID)},
			}, raw)
		case BlockText, BlockThinking:
			return nil
		}
		return adapter.Unknown("$.event.content_block.type", string(ev.ContentBlock.Type))

	case ContentBlockDelta:
		ref, msgKey := m.block(ev.Index)
		switch ev.Delta.Type {
		case DeltaText:
			return m.em.Delta(msgKey, messageSpec(""), universal.TextPart(ev.Delta.Text), raw)
		case DeltaThinking:
			return m.em.Delta(msgKey, messageSpec(""), universal.ReasoningPart(ev.Delta.Thinking, ""), raw)
		case DeltaInputJSON:
			if !ref.tool {
				return adapter.Malformed("$.event.index", DeltaInputJSON, fmt.Errorf("block %d is not a tool_use block", ev.Index))
			}
			callID := ref.key[len("tool:"):]
			stub := tracker.ItemSpec{Kind: universal.KindToolCall, Role: universal.RoleAssistant, NativeID: callID}
			return m.em.Delta(ref.key, stub, universal.ToolCallPart("", ev.Delta.PartialJSON, callID), raw)
		}
		// signature_delta carries no user-visible content.
		return nil

	case ContentBlockStop:
		ref, _ := m.block(ev.Index)
		if !ref.tool {
			return nil
		}
		stub := tracker.ItemSpec{Kind: universal.KindToolCall, Role: universal.RoleAssistant}
		return m.em.Complete(ref.key, stub, universal.StatusCompleted, nil, raw)

	case MessageDelta:
		return nil

	case MessageStop:
		m.mu.Lock()
		key := m.msgKey
		m.msgKey = ""
		m.mu.Unlock()
		if key == "" {
			return adapter.Malformed("$.event", string(EventMessageStop), fmt.Errorf("no message in progress"))
		}
		return m.em.Complete(key, messageSpec(""), universal.StatusCompleted, nil, raw)
	}
	return adapter.Unknown("$.event.type", string(p.Envelope.Type))
}

func (m *Mapper) block(index int) (blockRef, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.blocks[index]
	if !ok {
		ref = blockRef{key: m.msgKey}
	}
	return ref, m.msgKey
}

// handleAssistant maps a complete assistant message. Messages already
// delivered through partial events are skipped.
func (m *Mapper) handleAssistant(msg AssistantMessage, raw json.RawMessage) error {
	id := msg.Message.ID
	m.mu.Lock()
	streamed := id != "" && m.streamed[id]
	m.mu.Unlock()
	if streamed {
		return nil
	}
	blocks, err := msg.Message.Content.Blocks()
	if err != nil {
		return adapter.Malformed("$.message.content", string(TypeAssistant), err)
	}

	var (
		content []universal.ContentPart
		tools   []ContentBlock
	)
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			content = append(content, universal.TextPart(b.Text))
		case BlockThinking:
			content = append(content, universal.ReasoningPart(b.Thinking, ""))
		case BlockToolUse:
			tools = append(tools, b)
		default:
			return adapter.Unknown("$.message.content[].type", string(b.Type))
		}
	}

	key := "msg:" + id
	if n := m.nextSeen(key); n > 0 {
		key = fmt.Sprintf("%s#%d", key, n)
	}
	spec := messageSpec(id)
	if msg.ParentToolUseID != nil {
		spec.ParentKey = toolKey(*msg.ParentToolUseID)
	}

	if len(content) > 0 || len(tools) == 0 {
		if err := m.completeWhole(key, spec, content, raw); err != nil {
			return err
		}
	}
	for _, b := range tools {
		args := string(b.Input)
		spec := tracker.ItemSpec{
			Kind:      universal.KindToolCall,
			Role:      universal.RoleAssistant,
			NativeID:  b.ID,
			ParentKey: key,
		}
		part := universal.ToolCallPart(b.Name, args, b.ID)
		if err := m.completeWhole(toolKey(b.ID), spec, []universal.ContentPart{part}, raw); err != nil {
			return err
		}
	}
	return nil
}

// completeWhole emits start, deltas and completion for an item that
// arrived in one piece. Agents without native deltas get their single
// delta from the synthesizer.
func (m *Mapper) completeWhole(key string, spec tracker.ItemSpec, content []universal.ContentPart, raw json.RawMessage) error {
	if err := m.em.StartItem(key, spec, raw); err != nil {
		return err
	}
	if m.em.Capabilities().NativeDeltas {
		for _, p := range content {
			if err := m.em.Delta(key, spec, p, raw); err != nil {
				return err
			}
		}
	}
	if content == nil {
		content = []universal.ContentPart{}
	}
	return m.em.Complete(key, spec, universal.StatusCompleted, content, raw)
}

func (m *Mapper) handleUser(msg UserMessage, raw json.RawMessage) error {
	blocks, err := msg.Message.Content.Blocks()
	if err != nil {
		return adapter.Malformed("$.message.content", string(TypeUser), err)
	}
	var (
		text    []universal.ContentPart
		results []ContentBlock
	)
	for _, b := range blocks {
		switch b.Type {
		case BlockToolResult:
			results = append(results, b)
		case BlockText:
			text = append(text, universal.TextPart(b.Text))
		case BlockImage:
			if part, ok := imagePart(b.Source); ok {
				text = append(text, part)
			}
		default:
			return adapter.Unknown("$.message.content[].type", string(b.Type))
		}
	}

	for _, b := range results {
		spec := tracker.ItemSpec{
			Kind:      universal.KindToolResult,
			Role:      universal.RoleTool,
			ParentKey: toolKey(b.ToolUseID),
		}
		status := universal.StatusCompleted
		if b.IsError {
			status = universal.StatusFailed
		}
		part := universal.ToolResultPart(b.ToolUseID, b.ResultText())
		if err := m.em.StartItem(resultKey(b.ToolUseID), spec, raw); err != nil {
			return err
		}
		if m.em.Capabilities().NativeDeltas {
			if err := m.em.Delta(resultKey(b.ToolUseID), spec, part, raw); err != nil {
				return err
			}
		}
		if err := m.em.Complete(resultKey(b.ToolUseID), spec, status, []universal.ContentPart{part}, raw); err != nil {
			return err
		}
	}
	if len(text) == 0 {
		return nil
	}
	key := "user:" + msg.UUID
	if msg.UUID == "" {
		key = fmt.Sprintf("user:#%d", m.nextSeen("user"))
	}
	spec := tracker.ItemSpec{Kind: universal.KindMessage, Role: universal.RoleUser, NativeID: msg.UUID}
	return m.completeWhole(key, spec, text, raw)
}

func imagePart(src *ImageSource) (universal.ContentPart, bool) {
	switch {
	case src == nil:
		return universal.ContentPart{}, false
	case src.Path != "":
		return universal.ImagePart(src.Path, src.MediaType), true
	case src.Data != "":
		return universal.InlineImagePart(src.MediaType, src.Data), true
	}
	return universal.ContentPart{}, false
}

func (m *Mapper) handleResult(res ResultMessage, raw json.RawMessage) error {
	m.mu.Lock()
	aborted := m.aborting
	m.aborting = false
	m.mu.Unlock()

	status := universal.TurnCompleted
	switch {
	case aborted:
		status = universal.TurnAborted
	case res.IsError || res.Subtype != "success":
		status = universal.TurnFailed
	}
	if status == universal.TurnFailed {
		msg := res.Error
		if msg == "" {
			msg = res.Result
		}
		if msg == "" {
			msg = res.Subtype
		}
		if err := m.em.Forward(universal.EventError, universal.ErrorData{
			Message: msg,
			Code:    res.Subtype,
		}, raw); err != nil {
			return err
		}
	}
	return m.em.TurnEnded(universal.TurnData{
		Status: status,
		Usage: &universal.Usage{
			InputTokens:       res.Usage.InputTokens,
			OutputTokens:      res.Usage.OutputTokens,
			CachedInputTokens: res.Usage.CacheReadInputTokens,
			CostUSD:           res.TotalCostUSD,
		},
	}, raw)
}

func (m *Mapper) handleControl(req PermissionRequest, raw json.RawMessage) error {
	if req.Tool.ToolName == ToolAskUserQuestion {
		questions, err := parseQuestions(req.Tool.Input)
		if err != nil {
			return adapter.Malformed("$.request.input.questions", SubtypeCanUseTool, err)
		}
		m.track(req)
		return m.em.Forward(universal.EventQuestionRequested, universal.QuestionData{
			QuestionID: req.RequestID,
			Status:     universal.HITLRequested,
			Questions:  questions,
		}, raw)
	}
	meta := map[string]any{"input": req.Tool.Input}
	if req.Tool.ToolUseID != "" {
		meta["tool_use_id"] = req.Tool.ToolUseID
	}
	if req.Tool.BlockedPath != nil {
		meta["blocked_path"] = *req.Tool.BlockedPath
	}
	m.track(req)
	return m.em.Forward(universal.EventPermissionRequest, universal.PermissionData{
		PermissionID: req.RequestID,
		Action:       req.Tool.ToolName,
		Status:       universal.HITLRequested,
		Metadata:     meta,
	}, raw)
}

func (m *Mapper) track(req PermissionRequest) {
	m.mu.Lock()
	m.pending[req.RequestID] = req
	m.mu.Unlock()
}

type askQuestion struct {
	Question    string                     `json:"question"`
	Header      string                     `json:"header"`
	Options     []universal.QuestionOption `json:"options"`
	MultiSelect bool                       `json:"multiSelect"`
}

func parseQuestions(input map[string]any) ([]universal.Question, error) {
	b, err := json.Marshal(input["questions"])
	if err != nil {
		return nil, err
	}
	var qs []askQuestion
	if err := json.Unmarshal(b, &qs); err != nil {
		return nil, err
	}
	if len(qs) == 0 {
		return nil, fmt.Errorf("no questions")
	}
	out := make([]universal.Question, 0, len(qs))
	for _, q := range qs {
		out = append(out, universal.Question{
			Header:      q.Header,
			Prompt:      q.Question,
			Options:     q.Options,
			MultiSelect: q.MultiSelect,
		})
	}
	return out, nil
}

// ErrUnknownRequest is returned when replying to a request that is not
// pending.
var ErrUnknownRequest = errors.New("no pending control request")

func (m *Mapper) take(id string, question bool) (PermissionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[id]
	if !ok || (req.Tool.ToolName == ToolAskUserQuestion) != question {
		return PermissionRequest{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	delete(m.pending, id)
	return req, nil
}

// ReplyPermission records the resolution and returns the control_response
// line to write on stdin.
func (m *Mapper) ReplyPermission(id string, reply universal.PermissionReply) ([]byte, error) {
	req, err := m.take(id, false)
	if err != nil {
		return nil, err
	}
	var (
		resp   ControlResponse
		status = universal.HITLAccepted
	)
	if reply == universal.ReplyReject {
		resp = NewPermissionDeny(id, "The user rejected this tool use.", false)
		status = universal.HITLRejected
	} else {
		resp = NewPermissionAllow(id, req.Tool.Input)
	}
	line, err := Line(resp)
	if err != nil {
		return nil, err
	}
	return line, m.em.Resolve(universal.EventPermissionResolved, universal.PermissionData{
		PermissionID: id,
		Action:       req.Tool.ToolName,
		Status:       status,
		Reply:        reply,
	})
}

// ReplyQuestion answers an AskUserQuestion request. answers[i] holds the
// selected labels for question i.
func (m *Mapper) ReplyQuestion(id string, answers [][]string) ([]byte, error) {
	req, err := m.take(id, true)
	if err != nil {
		return nil, err
	}
	questions, _ := parseQuestions(req.Tool.Input)
	byPrompt := make(map[string]any, len(questions))
	for i, q := range questions {
		if i < len(answers) {
			byPrompt[q.Prompt] = strings.Join(answers[i], ", ")
		}
	}
	input := make(map[string]any, len(req.Tool.Input)+1)
	for k, v := range req.Tool.Input {
		input[k] = v
	}
	input["answers"] = byPrompt
	line, err := Line(NewPermissionAllow(id, input))
	if err != nil {
		return nil, err
	}
	return line, m.em.Resolve(universal.EventQuestionResolved, universal.QuestionData{
		QuestionID: id,
		Status:     universal.HITLAccepted,
		Answers:    answers,
	})
}

// RejectQuestion declines an AskUserQuestion request.
func (m *Mapper) RejectQuestion(id string) ([]byte, error) {
	if _, err := m.take(id, true); err != nil {
		return nil, err
	}
	line, err := Line(NewPermissionDeny(id, "The user declined to answer.", false))
	if err != nil {
		return nil, err
	}
	return line, m.em.Resolve(universal.EventQuestionResolved, universal.QuestionData{
		QuestionID: id,
		Status:     universal.HITLRejected,
	})
}

// Interrupt returns the control_request line that stops the running turn
// and marks the next result as aborted.
func (m *Mapper) Interrupt(requestID string) ([]byte, error) {
	m.MarkAborting()
	return Line(NewInterrupt(requestID))
}

// MarkAborting flags the running turn as aborted by the caller.
func (m *Mapper) MarkAborting() {
	m.mu.Lock()
	m.aborting = true
	m.mu.Unlock()
}

// Pending returns the ids of unanswered control requests.
func (m *Mapper) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids
}
