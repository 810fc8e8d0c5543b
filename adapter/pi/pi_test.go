package pi

import (
	"os"
	"path/filepath"
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

func (r *recorder) types() []universal.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]universal.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newAdapter(t *testing.T) (*Adapter, *synth.Emitter, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := tracker.New(rec).Open(agent.Pi, "")
	em := synth.New(s, agent.DefaultSpecs()[agent.Pi])
	return New(em, nil), em, rec
}

func feed(t *testing.T, a *Adapter, em *synth.Emitter, lines string) {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(lines), "\n") {
		require.NoError(t, adapter.Feed(a, em, []byte(strings.TrimSpace(line))))
	}
}

const toolTurn = `
{"type":"response","command":"prompt","success":true,"id":"cmd-1"}
{"type":"agent_start"}
{"type":"turn_start"}
{"type":"message_start","message":{"role":"user","content":[{"type":"text","text":"list files"}]}}
{"type":"message_end","message":{"role":"user","content":[{"type":"text","text":"list files"}]}}
{"type":"message_start","message":{"role":"assistant","content":[]}}
{"type":"message_update","message":{"role":"assistant","content":[]},"assistantMessageEvent":{"type":"text_start","contentIndex":0}}
{"type":"message_update","message":{"role":"assistant","content":[]},"assistantMessageEvent":{"type":"text_delta","contentIndex":0,"delta":"Sure"}}
{"type":"message_update","message":{"role":"assistant","content":[]},"assistantMessageEvent":{"type":"toolcall_start","contentIndex":1}}
{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"Sure"},{"type":"toolCall","id":"tc1","name":"bash","arguments":{"command":"ls"}}],"stopReason":"toolUse","usage":{"input":10,"output":4,"cacheRead":2,"cacheWrite":0,"cost":{"total":0.002}}}}
{"type":"tool_execution_start","toolCallId":"tc1","toolName":"bash","args":{"command":"ls"}}
{"type":"tool_execution_update","toolCallId":"tc1","toolName":"bash","args":{"command":"ls"},"partialResult":{"content":[{"type":"text","text":"a"}]}}
{"type":"tool_execution_update","toolCallId":"tc1","toolName":"bash","args":{"command":"ls"},"partialResult":{"content":[{"type":"text","text":"ab"}]}}
{"type":"tool_execution_update","toolCallId":"tc1","toolName":"bash","args":{"command":"ls"},"partialResult":{"content":[{"type":"text","text":"abc"}]}}
{"type":"tool_execution_end","toolCallId":"tc1","toolName":"bash","result":{"content":[{"type":"text","text":"abc"}]},"isError":false}
{"type":"message_start","message":{"role":"toolResult","toolCallId":"tc1","content":[{"type":"text","text":"abc"}]}}
{"type":"message_end","message":{"role":"toolResult","toolCallId":"tc1","content":[{"type":"text","text":"abc"}]}}
{"type":"turn_end"}
{"type":"message_start","message":{"role":"assistant","content":[]}}
{"type":"message_update","message":{"role":"assistant","content":[]},"assistantMessageEvent":{"type":"text_delta","contentIndex":0,"delta":"Done"}}
{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"Done"}],"stopReason":"stop","usage":{"input":20,"output":1,"cacheRead":0,"cacheWrite":0}}}
{"type":"agent_end","messages":[]}
`

func TestToolTurn(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	a.Prompted("t1")
	feed(t, a, em, toolTurn)

	assert.Empty(t, rec.ofType(universal.EventAgentUnparsed))
	types := rec.types()
	assert.Equal(t, universal.EventSessionStarted, types[0])
	assert.Equal(t, universal.EventTurnStarted, types[1])
	assert.Equal(t, universal.EventTurnEnded, types[len(types)-1])
	assert.True(t, rec.ofType(universal.EventSessionStarted)[0].Synthetic)
	assert.False(t, rec.ofType(universal.EventTurnStarted)[0].Synthetic)
	assert.Equal(t, "t1", rec.ofType(universal.EventTurnStarted)[0].Data.(universal.TurnData).TurnID)

	var outputs []string
	for _, ev := range rec.ofType(universal.EventItemDelta) {
		d := ev.Data.(universal.ItemDeltaData)
		if d.Delta.Type == universal.PartToolResult {
			outputs = append(outputs, d.Delta.Output)
			assert.False(t, d.Reset)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, outputs)

	started := rec.ofType(universal.EventItemStarted)
	require.Len(t, started, 5)
	first := started[1].Data.(universal.ItemData).Item
	call := started[2].Data.(universal.ItemData).Item
	result := started[3].Data.(universal.ItemData).Item
	assert.Equal(t, first.ItemID, call.ParentID)
	assert.Equal(t, call.ItemID, result.ParentID)

	done := rec.ofType(universal.EventItemCompleted)
	require.Len(t, done, 5)
	assert.Equal(t, "list files", done[0].Data.(universal.ItemData).Item.Text())
	assert.Equal(t, "Sure", done[1].Data.(universal.ItemData).Item.Text())
	assert.Equal(t, "abc", done[3].Data.(universal.ItemData).Item.Content[0].Output)
	assert.Equal(t, "Done", done[4].Data.(universal.ItemData).Item.Text())

	ended := rec.ofType(universal.EventTurnEnded)[0].Data.(universal.TurnData)
	assert.Equal(t, "t1", ended.TurnID)
	assert.Equal(t, universal.TurnCompleted, ended.Status)
	require.NotNil(t, ended.Usage)
	assert.Equal(t, int64(30), ended.Usage.InputTokens)
	assert.Equal(t, int64(2), ended.Usage.CachedInputTokens)
	assert.InDelta(t, 0.002, ended.Usage.CostUSD, 1e-9)
}

func TestAbortedTurn(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"agent_start"}
{"type":"message_start","message":{"role":"assistant","content":[]}}
{"type":"message_update","message":{"role":"assistant","content":[]},"assistantMessageEvent":{"type":"thinking_delta","contentIndex":0,"delta":"hmm"}}
{"type":"message_end","message":{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"}],"stopReason":"aborted"}}
{"type":"agent_end","messages":[]}
`)
	assert.Equal(t, "turn-1", rec.ofType(universal.EventTurnStarted)[0].Data.(universal.TurnData).TurnID)
	msg := rec.ofType(universal.EventItemCompleted)[0].Data.(universal.ItemData).Item
	assert.Equal(t, universal.StatusFailed, msg.Status)
	assert.Equal(t, universal.PartReasoning, msg.Content[0].Type)
	assert.Empty(t, rec.ofType(universal.EventError))
	assert.Equal(t, universal.TurnAborted, rec.ofType(universal.EventTurnEnded)[0].Data.(universal.TurnData).Status)
}

func TestErrorStopFailsTurn(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"agent_start"}
{"type":"message_start","message":{"role":"assistant","content":[]}}
{"type":"message_end","message":{"role":"assistant","content":[],"stopReason":"error","errorMessage":"rate limited"}}
{"type":"agent_end","messages":[]}
{"type":"response","command":"prompt","success":false,"error":"busy"}
`)
	errs := rec.ofType(universal.EventError)
	require.Len(t, errs, 2)
	assert.Equal(t, "rate limited", errs[0].Data.(universal.ErrorData).Message)
	assert.Equal(t, "prompt", errs[1].Data.(universal.ErrorData).Code)
	assert.Equal(t, universal.TurnFailed, rec.ofType(universal.EventTurnEnded)[0].Data.(universal.TurnData).Status)
}

func TestStateBindsNativeSession(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"response","command":"get_state","success":true,"data":{"sessionId":"pi-123","model":{"id":"m","provider":"p"}}}
{"type":"agent_start"}
`)
	assert.Equal(t, "pi-123", rec.ofType(universal.EventTurnStarted)[0].NativeSessionID)
}

func TestUnknownShapesBecomeUnparsed(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"teleport"}
{"type":"message_update","message":{"role":"assistant","content":[]},"assistantMessageEvent":{"type":"sparkle"}}
{"type":"message_start","message":{"role":"narrator","content":"x"}}
`)
	unparsed := rec.ofType(universal.EventAgentUnparsed)
	require.Len(t, unparsed, 3)
	assert.Equal(t, "$.assistantMessageEvent.type", unparsed[1].Data.(universal.UnparsedData).Location)
	assert.Equal(t, "$.message.role", unparsed[2].Data.(universal.UnparsedData).Location)
}

func TestCommands(t *testing.T) {
	t.Parallel()
	a, _, _ := newAdapter(t)
	img := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0o600))

	cmd, err := a.PromptCommand([]universal.ContentPart{universal.TextPart("look "), universal.ImagePart(img, "")})
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", cmd.ID)
	assert.Equal(t, "look ", cmd.Message)
	require.Len(t, cmd.Images, 1)
	assert.Equal(t, "cG5n", cmd.Images[0].Data)
	assert.Equal(t, "image/png", cmd.Images[0].MimeType)

	assert.Equal(t, Command{ID: "cmd-2", Type: CommandAbort}, a.AbortCommand())
	assert.Equal(t, CommandGetState, a.StateCommand().Type)

	_, err = a.PromptCommand([]universal.ContentPart{universal.ImagePart("/does/not/exist.png", "")})
	assert.Error(t, err)
}

func TestUserImageBecomesInlineImagePart(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"agent_start"}
{"type":"message_start","message":{"role":"user","content":[{"type":"text","text":"what is this"},{"type":"image","data":"iVBORw0K","mimeType":"image/png"}]}}
{"type":"message_end","message":{"role":"user","content":[{"type":"text","text":"what is this"},{"type":"image","data":"iVBORw0K","mimeType":"image/png"}]}}
`)
	for _, ev := range rec.events {
		require.NoError(t, ev.Validate(), "event %d (%s)", ev.Sequence, ev.Type)
	}
	started := rec.ofType(universal.EventItemStarted)
	require.NotEmpty(t, started)
	content := started[0].Data.(universal.ItemData).Item.Content
	require.Len(t, content, 2)
	assert.Equal(t, "data:image/png;base64,iVBORw0K", content[1].Path)

	// The echoed part can be sent back as a prompt without touching disk.
	cmd, err := a.PromptCommand(content)
	require.NoError(t, err)
	require.Len(t, cmd.Images, 1)
	assert.Equal(t, "iVBORw0K", cmd.Images[0].Data)
	assert.Equal(t, "image/png", cmd.Images[0].MimeType)
}
