package opencode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
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
	s := tracker.New(rec).Open(agent.OpenCode, "")
	em := synth.New(s, agent.DefaultSpecs()[agent.OpenCode])
	return New(em, nil), em, rec
}

func feed(t *testing.T, a *Adapter, em *synth.Emitter, lines string) {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(lines), "\n") {
		require.NoError(t, adapter.Feed(a, em, []byte(strings.TrimSpace(line))))
	}
}

const helloTurn = `
{"type":"server.connected","properties":{}}
{"type":"message.updated","properties":{"info":{"id":"msg_u1","sessionID":"ses_1","role":"user","time":{"created":1}}}}
{"type":"message.part.updated","properties":{"part":{"id":"prt_u1","sessionID":"ses_1","messageID":"msg_u1","type":"text","text":"say hello"}}}
{"type":"message.updated","properties":{"info":{"id":"msg_a1","sessionID":"ses_1","role":"assistant","time":{"created":2}}}}
{"type":"message.part.updated","properties":{"part":{"id":"prt_s","sessionID":"ses_1","messageID":"msg_a1","type":"step-start"}}}
{"type":"message.part.updated","properties":{"part":{"id":"prt_a1","sessionID":"ses_1","messageID":"msg_a1","type":"text","text":"Hel"},"delta":"Hel"}}
{"type":"message.part.updated","properties":{"part":{"id":"prt_a1","sessionID":"ses_1","messageID":"msg_a1","type":"text","text":"Hello"},"delta":"lo"}}
{"type":"message.part.updated","properties":{"part":{"id":"prt_a1","sessionID":"ses_1","messageID":"msg_a1","type":"text","text":"Hello"}}}
{"type":"message.part.updated","properties":{"part":{"id":"prt_f","sessionID":"ses_1","messageID":"msg_a1","type":"step-finish","cost":0.01,"tokens":{"input":12,"output":3,"reasoning":0,"cache":{"read":4,"write":0}}}}}
{"type":"message.updated","properties":{"info":{"id":"msg_a1","sessionID":"ses_1","role":"assistant","time":{"created":2,"completed":3}}}}
{"type":"session.idle","properties":{"sessionID":"ses_1"}}
`

func TestHelloTurn(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	require.NoError(t, em.BeginTurn("t1"))
	feed(t, a, em, helloTurn)

	assert.Equal(t, []universal.EventType{
		universal.EventSessionStarted,
		universal.EventTurnStarted,
		universal.EventItemStarted,
		universal.EventItemDelta,
		universal.EventItemCompleted,
		universal.EventItemStarted,
		universal.EventItemDelta,
		universal.EventItemDelta,
		universal.EventItemCompleted,
		universal.EventTurnEnded,
	}, rec.types())

	assert.True(t, rec.ofType(universal.EventSessionStarted)[0].Synthetic)
	assert.True(t, rec.ofType(universal.EventTurnStarted)[0].Synthetic)

	done := rec.ofType(universal.EventItemCompleted)
	user := done[0].Data.(universal.ItemData).Item
	assert.Equal(t, universal.RoleUser, user.Role)
	assert.Equal(t, "say hello", user.Text())
	reply := done[1].Data.(universal.ItemData).Item
	assert.Equal(t, "Hello", reply.Text())
	assert.Equal(t, "msg_a1", reply.NativeItemID)

	ended := rec.ofType(universal.EventTurnEnded)[0].Data.(universal.TurnData)
	assert.Equal(t, "t1", ended.TurnID)
	assert.Equal(t, universal.TurnCompleted, ended.Status)
	require.NotNil(t, ended.Usage)
	assert.Equal(t, int64(12), ended.Usage.InputTokens)
	assert.Equal(t, int64(4), ended.Usage.CachedInputTokens)
	assert.InDelta(t, 0.01, ended.Usage.CostUSD, 1e-9)
}

func TestSnapshotsWithoutDeltaAreDiffed(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"message.part.updated","properties":{"part":{"id":"p1","sessionID":"s","messageID":"m1","type":"reasoning","text":"thin"}}}
{"type":"message.part.updated","properties":{"part":{"id":"p1","sessionID":"s","messageID":"m1","type":"reasoning","text":"thinking"}}}
{"type":"message.part.updated","properties":{"part":{"id":"p2","sessionID":"s","messageID":"m1","type":"text","text":"done"}}}
`)
	deltas := rec.ofType(universal.EventItemDelta)
	require.Len(t, deltas, 3)
	got := make([]string, len(deltas))
	for i, d := range deltas {
		got[i] = d.Data.(universal.ItemDeltaData).Delta.Text
	}
	assert.Equal(t, []string{"thin", "king", "done"}, got)
	assert.Equal(t, universal.PartReasoning, deltas[0].Data.(universal.ItemDeltaData).Delta.Type)
}

func TestRewrittenPartKeepsSiblingParts(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"message.updated","properties":{"info":{"id":"m1","sessionID":"s","role":"assistant","time":{"created":1}}}}
{"type":"message.part.updated","properties":{"part":{"id":"p1","sessionID":"s","messageID":"m1","type":"reasoning","text":"plan"}}}
{"type":"message.part.updated","properties":{"part":{"id":"p2","sessionID":"s","messageID":"m1","type":"text","text":"Hello world"}}}
{"type":"message.part.updated","properties":{"part":{"id":"p1","sessionID":"s","messageID":"m1","type":"reasoning","text":"Plan B"}}}
{"type":"message.updated","properties":{"info":{"id":"m1","sessionID":"s","role":"assistant","time":{"created":1,"completed":2}}}}
`)
	deltas := rec.ofType(universal.EventItemDelta)
	require.Len(t, deltas, 3)
	reset := deltas[2].Data.(universal.ItemDeltaData)
	assert.True(t, reset.Reset)
	assert.Equal(t, "p1", reset.Part)
	assert.Equal(t, "Plan B", reset.Delta.Text)

	done := rec.ofType(universal.EventItemCompleted)
	require.Len(t, done, 1)
	item := done[0].Data.(universal.ItemData).Item
	require.Len(t, item.Content, 2)
	assert.Equal(t, universal.PartReasoning, item.Content[0].Type)
	assert.Equal(t, "Plan B", item.Content[0].Text)
	assert.Equal(t, "Hello world", item.Text())
}

func TestToolPartProducesCallAndResult(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"message.updated","properties":{"info":{"id":"m1","sessionID":"s","role":"assistant","time":{"created":1}}}}
{"type":"message.part.updated","properties":{"part":{"id":"p1","sessionID":"s","messageID":"m1","type":"tool","callID":"call_1","tool":"bash","state":{"status":"pending","input":{}}}}}
{"type":"message.part.updated","properties":{"part":{"id":"p1","sessionID":"s","messageID":"m1","type":"tool","callID":"call_1","tool":"bash","state":{"status":"running","input":{"command":"ls"}}}}}
{"type":"message.part.updated","properties":{"part":{"id":"p1","sessionID":"s","messageID":"m1","type":"tool","callID":"call_1","tool":"bash","state":{"status":"error","input":{"command":"ls"},"error":"boom"}}}}
`)
	started := rec.ofType(universal.EventItemStarted)
	require.Len(t, started, 3)
	call := started[1].Data.(universal.ItemData).Item
	result := started[2].Data.(universal.ItemData).Item
	assert.Equal(t, universal.KindToolCall, call.Kind)
	assert.Equal(t, started[0].Data.(universal.ItemData).Item.ItemID, call.ParentID)
	assert.Equal(t, call.ItemID, result.ParentID)

	done := rec.ofType(universal.EventItemCompleted)
	require.Len(t, done, 2)
	finalCall := done[0].Data.(universal.ItemData).Item
	assert.JSONEq(t, `{"command":"ls"}`, finalCall.Content[0].Arguments)
	finalResult := done[1].Data.(universal.ItemData).Item
	assert.Equal(t, universal.StatusFailed, finalResult.Status)
	assert.Equal(t, "boom", finalResult.Content[0].Output)
}

func TestAbortEndsTurnAborted(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	require.NoError(t, em.BeginTurn("t1"))
	feed(t, a, em, `
{"type":"message.updated","properties":{"info":{"id":"m1","sessionID":"s","role":"assistant","time":{"created":1},"error":{"name":"MessageAbortedError","data":{"message":"aborted"}}}}}
{"type":"session.idle","properties":{"sessionID":"s"}}
{"type":"session.idle","properties":{"sessionID":"s"}}
`)
	assert.Empty(t, rec.ofType(universal.EventError))
	ended := rec.ofType(universal.EventTurnEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, universal.TurnAborted, ended[0].Data.(universal.TurnData).Status)
}

func TestSessionErrorForwarded(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `{"type":"session.error","properties":{"sessionID":"s","error":{"name":"ProviderAuthError","data":{"message":"bad key"}}}}`)
	errs := rec.ofType(universal.EventError)
	require.Len(t, errs, 1)
	data := errs[0].Data.(universal.ErrorData)
	assert.Equal(t, "bad key", data.Message)
	assert.Equal(t, "ProviderAuthError", data.Code)
	assert.False(t, errs[0].Synthetic)
}

func TestPermissionRoundTrip(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `{"type":"permission.updated","properties":{"id":"per_1","sessionID":"s","type":"bash","pattern":"rm *","title":"Run rm","callID":"call_1","metadata":{"command":"rm -rf x"}}}`)

	req := rec.ofType(universal.EventPermissionRequest)
	require.Len(t, req, 1)
	data := req[0].Data.(universal.PermissionData)
	assert.Equal(t, "per_1", data.PermissionID)
	assert.Equal(t, "bash", data.Action)
	assert.Equal(t, "call_1", data.Metadata["call_id"])
	assert.Equal(t, "rm -rf x", data.Metadata["command"])

	word, err := a.ReplyPermission("per_1", universal.ReplyAlways)
	require.NoError(t, err)
	assert.Equal(t, "always", word)

	// The server echoes the reply; it is already resolved.
	feed(t, a, em, `{"type":"permission.replied","properties":{"sessionID":"s","permissionID":"per_1","response":"always"}}`)
	resolved := rec.ofType(universal.EventPermissionResolved)
	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].Synthetic)
	assert.Equal(t, universal.HITLAccepted, resolved[0].Data.(universal.PermissionData).Status)

	_, err = a.ReplyPermission("per_1", universal.ReplyOnce)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestPermissionAnsweredElsewhere(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"permission.asked","properties":{"id":"per_2","sessionID":"s","permission":"edit","patterns":["src/*"],"tool":{"messageID":"m","callID":"c"}}}
{"type":"permission.replied","properties":{"sessionID":"s","requestID":"per_2","reply":"reject"}}
`)
	resolved := rec.ofType(universal.EventPermissionResolved)
	require.Len(t, resolved, 1)
	assert.False(t, resolved[0].Synthetic)
	data := resolved[0].Data.(universal.PermissionData)
	assert.Equal(t, "edit", data.Action)
	assert.Equal(t, universal.HITLRejected, data.Status)
	assert.Equal(t, universal.ReplyReject, data.Reply)
}

func TestQuestionReplyAndReject(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"question.asked","properties":{"id":"que_1","sessionID":"s","questions":[{"question":"Which db?","header":"DB","options":[{"label":"sqlite"},{"label":"postgres"}]}]}}
{"type":"question.asked","properties":{"id":"que_2","sessionID":"s","questions":[{"question":"Continue?","multiple":true}]}}
`)
	reqs := rec.ofType(universal.EventQuestionRequested)
	require.Len(t, reqs, 2)
	q := reqs[0].Data.(universal.QuestionData).Questions[0]
	assert.Equal(t, "Which db?", q.Prompt)
	assert.Len(t, q.Options, 2)
	assert.True(t, reqs[1].Data.(universal.QuestionData).Questions[0].MultiSelect)

	require.NoError(t, a.ReplyQuestion("que_1", [][]string{{"sqlite"}}))
	require.NoError(t, a.RejectQuestion("que_2"))
	assert.ErrorIs(t, a.RejectQuestion("que_2"), ErrUnknownRequest)

	resolved := rec.ofType(universal.EventQuestionResolved)
	require.Len(t, resolved, 2)
	assert.Equal(t, [][]string{{"sqlite"}}, resolved[0].Data.(universal.QuestionData).Answers)
	assert.Equal(t, universal.HITLRejected, resolved[1].Data.(universal.QuestionData).Status)
}

func TestUnknownShapesBecomeUnparsed(t *testing.T) {
	t.Parallel()
	a, em, rec := newAdapter(t)
	feed(t, a, em, `
{"type":"brand.new","properties":{}}
{"type":"message.part.updated","properties":{"part":{"id":"p","sessionID":"s","messageID":"m","type":"hologram"}}}
{"type":"message.part.updated","properties":{"part":{"id":"p","sessionID":"s","messageID":"m","type":"tool","callID":"c","tool":"bash"}}}
not json
`)
	unparsed := rec.ofType(universal.EventAgentUnparsed)
	require.Len(t, unparsed, 4)
	locs := make([]string, len(unparsed))
	for i, ev := range unparsed {
		locs[i] = ev.Data.(universal.UnparsedData).Location
	}
	assert.Equal(t, []string{"$.type", "$.properties.part.type", "$.properties.part.state", "$"}, locs)
	assert.Empty(t, rec.ofType(universal.EventItemStarted))
}

func TestRoute(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ses_1", Route([]byte(`{"type":"session.idle","properties":{"sessionID":"ses_1"}}`)))
	assert.Equal(t, "ses_2", Route([]byte(`{"type":"message.updated","properties":{"info":{"sessionID":"ses_2"}}}`)))
	assert.Equal(t, "ses_3", Route([]byte(`{"type":"message.part.updated","properties":{"part":{"sessionID":"ses_3"}}}`)))
	assert.Empty(t, Route([]byte(`{"type":"server.connected","properties":{}}`)))
}

func TestPromptParts(t *testing.T) {
	t.Parallel()
	parts, err := PromptParts([]universal.ContentPart{
		universal.TextPart("look"),
		universal.ImagePart("/tmp/a.png", "image/png"),
	})
	require.NoError(t, err)
	assert.Equal(t, []InputPart{
		{Type: "text", Text: "look"},
		{Type: "file", Mime: "image/png", URL: "file:///tmp/a.png", Filename: "/tmp/a.png"},
	}, parts)

	_, err = PromptParts([]universal.ContentPart{universal.StatusPart("x", "")})
	assert.Error(t, err)
}

func TestClientRequests(t *testing.T) {
	t.Parallel()
	type call struct {
		method, path, body string
	}
	var (
		mu    sync.Mutex
		calls []call
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, call{r.Method, r.URL.Path, string(body)})
		mu.Unlock()
		switch r.URL.Path {
		case "/session":
			assert.Equal(t, "/work", r.URL.Query().Get("directory"))
			_ = json.NewEncoder(w).Encode(Session{ID: "ses_9"})
		case "/session/ses_9/abort":
			http.Error(w, "not running", http.StatusConflict)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "/work", srv.Client())
	ctx := context.Background()

	s, err := c.CreateSession(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "ses_9", s.ID)
	require.NoError(t, c.Prompt(ctx, "ses_9", ParseModel("anthropic/claude"), []InputPart{{Type: "text", Text: "hi"}}))
	require.NoError(t, c.ReplyPermission(ctx, "ses_9", "per_1", "once"))
	require.NoError(t, c.ReplyQuestion(ctx, "que_1", [][]string{{"a"}}))

	err = c.Abort(ctx, "ses_9")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 5)
	assert.Equal(t, "/session/ses_9/message", calls[1].path)
	assert.JSONEq(t, `{"model":{"providerID":"anthropic","modelID":"claude"},"parts":[{"type":"text","text":"hi"}]}`, calls[1].body)
	assert.Equal(t, "/session/ses_9/permissions/per_1", calls[2].path)
	assert.JSONEq(t, `{"response":"once"}`, calls[2].body)
	assert.JSONEq(t, `{"answers":[["a"]]}`, calls[3].body)
}

func TestClientEvents(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"type\":\"server.heartbeat\",\"properties\":{\"n\":%d}}\n\n", i)
		}
	}))
	defer srv.Close()

	var got []string
	err := NewClient(srv.URL, "", nil).Events(context.Background(), func(data []byte) {
		got = append(got, string(data))
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Contains(t, got[2], `"n":2`)
}

func TestParseModel(t *testing.T) {
	t.Parallel()
	assert.Nil(t, ParseModel("sonnet"))
	assert.Equal(t, &ModelRef{ProviderID: "openai", ModelID: "gpt-5"}, ParseModel("openai/gpt-5"))
}
