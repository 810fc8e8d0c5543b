package claude

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/agentd/adapter"
	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/synth"
	"github.com/bazelment/yoloswe/agentd/tracker"
	"github.com/bazelment/yoloswe/agentd/universal"
)

type recorder struct {
	events []universal.Event
	mu     sync.Mutex
}

func (r *recorder) Publish(ev universal.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []universal.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]universal.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) ofType(t universal.EventType) []universal.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []universal.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newAdapter(t *testing.T) (*Adapter, *synth.Emitter, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := tracker.New(rec).Open(agent.Claude, "")
	em := synth.New(s, agent.DefaultSpecs()[agent.Claude])
	return New(em, nil), em, rec
}

func feed(t *testing.T, a *Adapter, em *synth.Emitter, lines string) {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(lines), "\n") {
		require.NoError(t, adapter.Feed(a, em, []byte(strings.TrimSpace(line))))
	}
}

const streamedTurn = `
{"type":"system","subtype":"init","session_id":"native-1","model":"claude-sonnet","cwd":"/work"}
{"type":"stream_event","session_id":"native-1","event":{"type":"message_start","message":{"id":"msg_1","role":"assistant","content":[]}}}
{"type":"stream_event","session_id":"native-1","event":{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}}
{"type":"stream_event","session_id":"native-1","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}}
{"type":"stream_event","session_id":"native-1","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}}
{"type":"stream_event","session_id":"native-1","event":{"type":"content_block_stop","index":0}}
{"type":"stream_event","session_id":"native-1","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"Bash","input":{}}}}
{"type":"stream_event","session_id":"native-1","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}}
{"type":"stream_event","session_id":"native-1","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}}
{"type":"stream_event","session_id":"native-1","event":{"type":"content_block_stop","index":1}}
{"type":"assistant","session_id":"native-1","message":{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"Hello"}]}}
{"type":"stream_event","session_id":"native-1","event":{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":12}}}
{"type":"stream_event","session_id":"native-1","event":{"type":"message_stop"}}
{"type":"user","session_id":"native-1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"a.go\nb.go"}]}}
{"type":"result","subtype":"success","is_error":false,"result":"Hello","session_id":"native-1","usage":{"input_tokens":10,"output_tokens":12},"total_cost_usd":0.01}
`

func TestStreamedTurn(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	a.Prompted("turn-1")
	feed(t, a, em, streamedTurn)

	assert.Equal(t, []universal.EventType{
		universal.EventSessionStarted,
		universal.EventTurnStarted,
		universal.EventItemStarted, // message
		universal.EventItemDelta,
		universal.EventItemDelta,
		universal.EventItemStarted, // tool call
		universal.EventItemDelta,
		universal.EventItemDelta,
		universal.EventItemCompleted,
		universal.EventItemCompleted,
		universal.EventItemStarted, // tool result
		universal.EventItemDelta,
		universal.EventItemCompleted,
		universal.EventTurnEnded,
	}, rec.types())
	assert.Empty(t, rec.ofType(universal.EventAgentUnparsed))

	started := rec.ofType(universal.EventSessionStarted)[0]
	assert.Equal(t, universal.SourceAgent, started.Source)
	assert.Equal(t, "native-1", started.NativeSessionID)
	assert.Equal(t, "claude-sonnet", started.Data.(universal.SessionStartedData).Model)

	completed := rec.ofType(universal.EventItemCompleted)
	tool := completed[0].Data.(universal.ItemData).Item
	assert.Equal(t, universal.KindToolCall, tool.Kind)
	require.Len(t, tool.Content, 1)
	assert.Equal(t, "Bash", tool.Content[0].Name)
	assert.JSONEq(t, `{"command":"ls"}`, tool.Content[0].Arguments)

	msg := completed[1].Data.(universal.ItemData).Item
	assert.Equal(t, "Hello", msg.Text())
	assert.Equal(t, msg.ItemID, tool.ParentID)

	result := completed[2].Data.(universal.ItemData).Item
	assert.Equal(t, universal.KindToolResult, result.Kind)
	assert.Equal(t, tool.ItemID, result.ParentID)
	assert.Equal(t, "a.go\nb.go", result.Content[0].Output)

	ended := rec.ofType(universal.EventTurnEnded)[0].Data.(universal.TurnData)
	assert.Equal(t, universal.TurnCompleted, ended.Status)
	assert.Equal(t, "turn-1", ended.TurnID)
	assert.InDelta(t, 0.01, ended.Usage.CostUSD, 1e-9)
}

func TestUnstreamedAssistantMessage(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"system","subtype":"init","session_id":"native-1"}
{"type":"assistant","session_id":"native-1","message":{"id":"msg_9","role":"assistant","content":[{"type":"text","text":"Hello"}]}}
`)
	assert.Equal(t, []universal.EventType{
		universal.EventSessionStarted,
		universal.EventItemStarted,
		universal.EventItemDelta,
		universal.EventItemCompleted,
	}, rec.types())
	delta := rec.ofType(universal.EventItemDelta)[0]
	assert.Equal(t, "Hello", delta.Data.(universal.ItemDeltaData).Delta.Text)
	assert.False(t, delta.Synthetic)
}

func TestFailedToolResultAndErrorResult(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	a.Prompted("turn-1")
	feed(t, a, em, `
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_2","is_error":true,"content":[{"type":"text","text":"boom"}]}]}}
{"type":"result","subtype":"error_during_execution","is_error":true,"result":"","session_id":"native-1"}
`)
	completed := rec.ofType(universal.EventItemCompleted)
	require.Len(t, completed, 1)
	item := completed[0].Data.(universal.ItemData).Item
	assert.Equal(t, universal.StatusFailed, item.Status)
	assert.Equal(t, "boom", item.Content[0].Output)

	errs := rec.ofType(universal.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "error_during_execution", errs[0].Data.(universal.ErrorData).Code)
	assert.Equal(t, universal.TurnFailed, rec.ofType(universal.EventTurnEnded)[0].Data.(universal.TurnData).Status)
}

func TestPermissionRoundTrip(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf build"},"tool_use_id":"toolu_3"}}`)

	req := rec.ofType(universal.EventPermissionRequest)
	require.Len(t, req, 1)
	data := req[0].Data.(universal.PermissionData)
	assert.Equal(t, "req-1", data.PermissionID)
	assert.Equal(t, "Bash", data.Action)
	assert.Equal(t, universal.HITLRequested, data.Status)

	line, err := a.ReplyPermission("req-1", universal.ReplyOnce)
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(line, &resp))
	inner := resp["response"].(map[string]any)["response"].(map[string]any)
	assert.Equal(t, "allow", inner["behavior"])
	assert.Equal(t, "rm -rf build", inner["updatedInput"].(map[string]any)["command"])

	resolved := rec.ofType(universal.EventPermissionResolved)
	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].Synthetic)
	assert.Equal(t, universal.HITLAccepted, resolved[0].Data.(universal.PermissionData).Status)

	_, err = a.ReplyPermission("req-1", universal.ReplyOnce)
	assert.Error(t, err)
}

func TestPermissionReject(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `{"type":"control_request","request_id":"req-2","request":{"subtype":"can_use_tool","tool_name":"Write","input":{"file_path":"/etc/passwd"}}}`)

	line, err := a.ReplyPermission("req-2", universal.ReplyReject)
	require.NoError(t, err)
	assert.Contains(t, string(line), `"behavior":"deny"`)
	assert.Equal(t, universal.HITLRejected, rec.ofType(universal.EventPermissionResolved)[0].Data.(universal.PermissionData).Status)
}

func TestAskUserQuestion(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `{"type":"control_request","request_id":"q-1","request":{"subtype":"can_use_tool","tool_name":"AskUserQuestion","input":{"questions":[{"question":"Which database?","header":"DB","multiSelect":false,"options":[{"label":"sqlite","description":"embedded"},{"label":"postgres"}]}]}}}`)

	assert.Empty(t, rec.ofType(universal.EventPermissionRequest))
	qs := rec.ofType(universal.EventQuestionRequested)
	require.Len(t, qs, 1)
	q := qs[0].Data.(universal.QuestionData)
	assert.Equal(t, "q-1", q.QuestionID)
	require.Len(t, q.Questions, 1)
	assert.Equal(t, "Which database?", q.Questions[0].Prompt)
	assert.Len(t, q.Questions[0].Options, 2)

	_, err := a.ReplyPermission("q-1", universal.ReplyOnce)
	require.Error(t, err, "questions are not answered as permissions")

	line, err := a.ReplyQuestion("q-1", [][]string{{"sqlite"}})
	require.NoError(t, err)
	assert.Contains(t, string(line), `"Which database?":"sqlite"`)
	resolved := rec.ofType(universal.EventQuestionResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, [][]string{{"sqlite"}}, resolved[0].Data.(universal.QuestionData).Answers)
}

func TestInterruptMarksTurnAborted(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	a.Prompted("turn-1")
	feed(t, a, em, `{"type":"system","subtype":"init","session_id":"native-1"}`)

	line, err := a.Interrupt("int-1")
	require.NoError(t, err)
	assert.Contains(t, string(line), `"subtype":"interrupt"`)

	feed(t, a, em, `{"type":"result","subtype":"error_during_execution","is_error":true,"session_id":"native-1"}`)
	assert.Empty(t, rec.ofType(universal.EventError))
	assert.Equal(t, universal.TurnAborted, rec.ofType(universal.EventTurnEnded)[0].Data.(universal.TurnData).Status)
}

func TestUnknownLinesBecomeUnparsed(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"system","subtype":"init","session_id":"native-1"}
{"type":"keep_alive"}
not json at all
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"still works"}}}
`)
	unparsed := rec.ofType(universal.EventAgentUnparsed)
	require.Len(t, unparsed, 2)
	assert.Equal(t, "$.type", unparsed[0].Data.(universal.UnparsedData).Location)
	assert.Equal(t, "$", unparsed[1].Data.(universal.UnparsedData).Location)
	// A delta with no message in progress still lands on a stub item.
	assert.Len(t, rec.ofType(universal.EventItemDelta), 1)
}

func TestUnknownBlockLeavesItemsUntouched(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"ok"},{"type":"mystery"}]}}
{"type":"assistant","message":{"id":"msg_9","role":"assistant","content":[{"type":"text","text":"hi"},{"type":"mystery"}]}}
`)
	for _, typ := range rec.types() {
		assert.NotContains(t, []universal.EventType{
			universal.EventItemStarted,
			universal.EventItemDelta,
			universal.EventItemCompleted,
		}, typ)
	}
	assert.Len(t, rec.ofType(universal.EventAgentUnparsed), 2)
	_, known := em.Lookup("result:toolu_1")
	assert.False(t, known)
}

func TestMalformedQuestionIsNotPending(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `{"type":"control_request","request_id":"q-9","request":{"subtype":"can_use_tool","tool_name":"AskUserQuestion","input":{"questions":"which?"}}}`)

	assert.Len(t, rec.ofType(universal.EventAgentUnparsed), 1)
	assert.Empty(t, rec.ofType(universal.EventQuestionRequested))
	_, err := a.ReplyQuestion("q-9", [][]string{{"x"}})
	assert.Error(t, err)
}

func TestInlineImageInUserMessage(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `{"type":"user","uuid":"u-1","message":{"role":"user","content":[{"type":"text","text":"see"},{"type":"image","source":{"type":"base64","media_type":"image/jpeg","data":"/9j/4AAQ"}}]}}`)

	for _, ev := range rec.events {
		require.NoError(t, ev.Validate(), "event %d (%s)", ev.Sequence, ev.Type)
	}
	done := rec.ofType(universal.EventItemCompleted)
	require.Len(t, done, 1)
	item := done[0].Data.(universal.ItemData).Item
	require.Len(t, item.Content, 2)
	img := item.Content[1]
	assert.Equal(t, universal.PartImage, img.Type)
	assert.Equal(t, "image/jpeg", img.Mime)
	mime, data, ok := img.InlineImage()
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", mime)
	assert.Equal(t, "/9j/4AAQ", data)
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()
	spec := agent.DefaultSpecs()[agent.Claude]
	args := BuildArgs(spec, "")
	assert.Contains(t, args, "--include-partial-messages")
	assert.NotContains(t, args, "--resume")

	spec.Args = []string{"--model", "opus"}
	args = BuildArgs(spec, "native-1")
	assert.Equal(t, []string{"--resume", "native-1", "--model", "opus"}, args[len(args)-4:])
}

func TestPromptLine(t *testing.T) {
	t.Parallel()
	line, err := PromptLine([]universal.ContentPart{universal.TextPart("hi")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"hi"}}`, strings.TrimSpace(string(line)))
}
