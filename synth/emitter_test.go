package synth

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/tracker"
	"github.com/bazelment/yoloswe/agentd/universal"
)

type sink struct {
	events []universal.Event
	mu     sync.Mutex
}

func (s *sink) Publish(ev universal.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sink) all() []universal.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]universal.Event(nil), s.events...)
}

func newEmitter(t *testing.T, kind agent.Kind) (*Emitter, *sink) {
	t.Helper()
	out := &sink{}
	tr := tracker.New(out)
	s := tr.Open(kind, "")
	return New(s, agent.DefaultSpecs()[kind]), out
}

var messageStub = tracker.ItemSpec{Kind: universal.KindMessage, Role: universal.RoleAssistant}

func TestSyntheticSessionStartPrecedesFirstEvent(t *testing.T) {
	t.Parallel()
	em, out := newEmitter(t, agent.OpenCode)
	require.NoError(t, em.Forward(universal.EventError, universal.ErrorData{Message: "x"}, nil))

	events := out.all()
	require.Len(t, events, 2)
	assert.Equal(t, universal.EventSessionStarted, events[0].Type)
	assert.Equal(t, universal.SourceDaemon, events[0].Source)
	assert.True(t, events[0].Synthetic)
	assert.Equal(t, universal.SourceAgent, events[1].Source)
	assert.False(t, events[1].Synthetic)
}

func TestNativeSessionStartIsForwardedOnce(t *testing.T) {
	t.Parallel()
	em, out := newEmitter(t, agent.Claude)
	require.NoError(t, em.SessionStarted("native-1", universal.SessionStartedData{Model: "m"}, []byte(`{"type":"system"}`)))
	require.NoError(t, em.SessionStarted("native-1", universal.SessionStartedData{}, nil))

	events := out.all()
	require.Len(t, events, 1)
	assert.Equal(t, universal.SourceAgent, events[0].Source)
	assert.Equal(t, "native-1", events[0].NativeSessionID)
	assert.Equal(t, "claude", events[0].Data.(universal.SessionStartedData).Agent)
}

func TestNonStreamingAgentGetsSingleFullDelta(t *testing.T) {
	t.Parallel()
	em, out := newEmitter(t, agent.Amp)
	require.NoError(t, em.SessionStarted("T-1", universal.SessionStartedData{}, nil))
	require.NoError(t, em.StartItem("msg", messageStub, nil))
	require.NoError(t, em.Complete("msg", messageStub, universal.StatusCompleted, []universal.ContentPart{universal.TextPart("Hello")}, nil))

	events := out.all()
	require.Len(t, events, 4)
	assert.Equal(t, universal.EventItemStarted, events[1].Type)
	started := events[1].Data.(universal.ItemData).Item
	assert.Equal(t, universal.KindMessage, started.Kind)
	assert.Equal(t, universal.RoleAssistant, started.Role)

	assert.Equal(t, universal.EventItemDelta, events[2].Type)
	assert.Equal(t, "Hello", events[2].Data.(universal.ItemDeltaData).Delta.Text)
	assert.Equal(t, universal.EventItemCompleted, events[3].Type)
	for _, ev := range events {
		assert.Equal(t, universal.SourceAgent, ev.Source, ev.Type)
		assert.NoError(t, ev.Validate())
	}
}

func TestStreamingAgentGetsNoBufferedDelta(t *testing.T) {
	t.Parallel()
	em, out := newEmitter(t, agent.Codex)
	require.NoError(t, em.StartItem("m", messageStub, nil))
	require.NoError(t, em.Delta("m", messageStub, universal.TextPart("Hi"), nil))
	require.NoError(t, em.Complete("m", messageStub, universal.StatusCompleted, nil, nil))

	var deltas int
	for _, ev := range out.all() {
		if ev.Type == universal.EventItemDelta {
			deltas++
		}
	}
	assert.Equal(t, 1, deltas)
}

func TestStubStartBeforeOrphanDelta(t *testing.T) {
	t.Parallel()
	em, out := newEmitter(t, agent.Codex)
	require.NoError(t, em.Delta("orphan", messageStub, universal.TextPart("x"), nil))

	events := out.all()
	require.Len(t, events, 3)
	assert.Equal(t, universal.EventItemStarted, events[1].Type)
	assert.True(t, events[1].Synthetic)
	assert.Equal(t, universal.SourceDaemon, events[1].Source)
	assert.Equal(t, universal.EventItemDelta, events[2].Type)
	assert.False(t, events[2].Synthetic)
}

func TestCumulativeDeltas(t *testing.T) {
	t.Parallel()
	em, out := newEmitter(t, agent.Pi)
	stub := tracker.ItemSpec{Kind: universal.KindToolCall}
	build := func(s string) universal.ContentPart { return universal.ToolResultPart("call-1", s) }
	for _, snap := range []string{"a", "ab", "ab", "abc", "zz"} {
		require.NoError(t, em.CumulativeDelta("call-1", "", stub, snap, build, nil))
	}

	var deltas []string
	var resets []bool
	for _, ev := range out.all() {
		if d, ok := ev.Data.(universal.ItemDeltaData); ok {
			deltas = append(deltas, d.Delta.Output)
			resets = append(resets, d.Reset)
		}
	}
	assert.Equal(t, []string{"a", "b", "c", "zz"}, deltas)
	assert.Equal(t, []bool{false, false, false, true}, resets)

	item, ok := em.Lookup("call-1")
	require.True(t, ok)
	require.Len(t, item.Content, 1)
	assert.Equal(t, "zz", item.Content[0].Output)
}

func TestUnparsedDoesNotTouchItems(t *testing.T) {
	t.Parallel()
	em, out := newEmitter(t, agent.Pi)
	require.NoError(t, em.StartItem("m", messageStub, nil))
	require.NoError(t, em.Unparsed(errors.New("bad json"), "line 3", []byte("{nope")))
	require.NoError(t, em.Delta("m", messageStub, universal.TextPart("ok"), nil))

	events := out.all()
	require.Len(t, events, 4)
	u := events[2]
	assert.Equal(t, universal.EventAgentUnparsed, u.Type)
	data := u.Data.(universal.UnparsedData)
	assert.Equal(t, "line 3", data.Location)
	assert.Equal(t, HashRaw([]byte("{nope")), data.RawSHA256)
	assert.Equal(t, 5, data.RawBytes)
	assert.JSONEq(t, `"{nope"`, string(u.Raw))
	assert.Equal(t, int64(4), events[3].Sequence)

	item, _ := em.Lookup("m")
	assert.Equal(t, universal.StatusInProgress, item.Status)
}

func TestEndedWithErrorCapturesStderr(t *testing.T) {
	t.Parallel()
	em, out := newEmitter(t, agent.Pi)
	capture := NewStderrCapture()
	for i := 1; i <= 80; i++ {
		fmt.Fprintf(capture, "err %d\n", i)
	}
	require.NoError(t, em.StartItem("m", messageStub, nil))
	require.NoError(t, em.Ended(Exit{Code: ExitCode(1), Stderr: capture}))
	require.NoError(t, em.Ended(Exit{Code: ExitCode(1)}))

	events := out.all()
	last := events[len(events)-1]
	require.Equal(t, universal.EventSessionEnded, last.Type)
	assert.True(t, last.Synthetic)
	data := last.Data.(universal.SessionEndedData)
	assert.Equal(t, universal.EndError, data.Reason)
	require.NotNil(t, data.ExitCode)
	assert.Equal(t, 1, *data.ExitCode)
	require.NotNil(t, data.Stderr)
	assert.True(t, data.Stderr.Truncated)
	assert.Equal(t, 80, data.Stderr.TotalLines)
	assert.Equal(t, "err 1", data.Stderr.Head[0])
	assert.Equal(t, "err 31", data.Stderr.Tail[0])

	failed := events[len(events)-2]
	assert.Equal(t, universal.EventItemCompleted, failed.Type)
	assert.Equal(t, universal.StatusFailed, failed.Data.(universal.ItemData).Item.Status)
}

func TestInferReason(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		exit    Exit
		pending bool
		want    universal.EndReason
	}{
		{name: "clean", exit: Exit{Code: ExitCode(0)}, want: universal.EndCompleted},
		{name: "clean with pending turn", exit: Exit{Code: ExitCode(0)}, pending: true, want: universal.EndError},
		{name: "nonzero", exit: Exit{Code: ExitCode(2)}, want: universal.EndError},
		{name: "unknown code", exit: Exit{Err: errors.New("signal: killed")}, want: universal.EndError},
		{name: "terminated", exit: Exit{Terminated: true, Code: ExitCode(143)}, pending: true, want: universal.EndTerminated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferReason(tt.exit, tt.pending))
		})
	}
}

func TestTurnSynthesis(t *testing.T) {
	t.Parallel()
	em, out := newEmitter(t, agent.Claude)
	require.NoError(t, em.BeginTurn("p1"))
	require.NoError(t, em.BeginTurn("p1"))
	assert.True(t, em.TurnOpen())
	require.NoError(t, em.FinishTurn(universal.TurnCompleted))
	require.NoError(t, em.FinishTurn(universal.TurnCompleted))

	var types []universal.EventType
	for _, ev := range out.all() {
		types = append(types, ev.Type)
		assert.True(t, ev.Synthetic)
	}
	assert.Equal(t, []universal.EventType{
		universal.EventSessionStarted,
		universal.EventTurnStarted,
		universal.EventTurnEnded,
	}, types)

	native, _ := newEmitter(t, agent.Codex)
	require.NoError(t, native.BeginTurn("x"))
	assert.False(t, native.TurnOpen())
}

func TestTerminatedSessionClosesTurn(t *testing.T) {
	t.Parallel()
	em, out := newEmitter(t, agent.Pi)
	require.NoError(t, em.TurnStarted("t", nil))
	require.NoError(t, em.Ended(Exit{Terminated: true}))

	events := out.all()
	require.Len(t, events, 4)
	assert.Equal(t, universal.TurnAborted, events[2].Data.(universal.TurnData).Status)
	data := events[3].Data.(universal.SessionEndedData)
	assert.Equal(t, universal.EndTerminated, data.Reason)
	assert.Nil(t, data.Stderr)
}
