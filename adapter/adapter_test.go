package adapter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/synth"
	"github.com/bazelment/yoloswe/agentd/tracker"
	"github.com/bazelment/yoloswe/agentd/universal"
)

type echoAdapter struct {
	handled []Native
	failOn  string
}

func (a *echoAdapter) Decode(raw []byte) (Native, error) {
	typ, _, err := Peek(raw)
	if err != nil {
		return Native{}, err
	}
	if typ == "" {
		return Native{}, Unknown("$.type", typ)
	}
	return Native{Type: typ, Raw: raw}, nil
}

func (a *echoAdapter) HandleNativeEvent(ev Native) error {
	if ev.Type == a.failOn {
		return Malformed("$.payload", ev.Type, errors.New("missing field"))
	}
	a.handled = append(a.handled, ev)
	return nil
}

func TestFeedEmitsOneUnparsedPerBadLine(t *testing.T) {
	t.Parallel()
	var got []universal.Event
	tr := tracker.New(tracker.SinkFunc(func(ev universal.Event) { got = append(got, ev) }))
	em := synth.New(tr.Open(agent.Pi, ""), agent.DefaultSpecs()[agent.Pi])
	a := &echoAdapter{failOn: "broken"}

	tests := []struct {
		line string
		loc  string
	}{
		{line: `not json`, loc: "$"},
		{line: `{"type":""}`, loc: "$.type"},
		{line: `{"type":"broken"}`, loc: "$.payload"},
	}
	for _, tt := range tests {
		require.NoError(t, Feed(a, em, []byte(tt.line)))
	}
	require.NoError(t, Feed(a, em, []byte(`{"type":"ok"}`)))
	require.NoError(t, Feed(a, em, nil))

	require.Len(t, got, 4) // synthetic session.started + 3 unparsed
	for i, tt := range tests {
		ev := got[i+1]
		assert.Equal(t, universal.EventAgentUnparsed, ev.Type)
		assert.Equal(t, tt.loc, ev.Data.(universal.UnparsedData).Location)
		assert.Equal(t, int64(i+2), ev.Sequence)
	}
	require.Len(t, a.handled, 1)
	assert.Equal(t, "ok", a.handled[0].Type)
}

func TestParseErrorMessage(t *testing.T) {
	t.Parallel()
	err := Unknown("$.type", "weird")
	assert.Contains(t, err.Error(), `"weird"`)
	assert.ErrorContains(t, Malformed("$", "", errors.New("eof")), "eof")
}

func TestJSONString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", JSONString(nil))
	assert.Equal(t, `{"a":1}`, JSONString(map[string]int{"a": 1}))
	assert.Equal(t, "plain", JSONString("plain"))
}
