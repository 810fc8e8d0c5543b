package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/agentd/adapter/opencode"
	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/eventlog"
	"github.com/bazelment/yoloswe/agentd/internal/sse"
	"github.com/bazelment/yoloswe/agentd/supervisor"
	"github.com/bazelment/yoloswe/agentd/universal"
)

const fakePi = `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
  *'"get_state"'*)
    echo '{"type":"response","command":"get_state","success":true,"id":"cmd-1","data":{"sessionId":"pi-native"}}' ;;
  *'"abort"'*)
    echo '{"type":"agent_end","messages":[]}' ;;
  *hang*)
    echo '{"type":"agent_start"}' ;;
  *'"prompt"'*)
    echo '{"type":"agent_start"}'
    echo '{"type":"message_start","message":{"role":"assistant","content":[]}}'
    echo '{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"Hi"}],"stopReason":"stop"}}'
    echo '{"type":"agent_end","messages":[]}' ;;
  esac
done
`

type daemon struct {
	srv *httptest.Server
	log *eventlog.Log
	sup *supervisor.Supervisor
}

func newDaemon(t *testing.T) *daemon {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "pi")
	require.NoError(t, os.WriteFile(bin, []byte(fakePi), 0o755))

	specs := agent.DefaultSpecs()
	spec := specs[agent.Pi]
	spec.Binary = bin
	spec.Grace = 300 * time.Millisecond
	specs[agent.Pi] = spec

	reg, err := supervisor.NewRegistry(specs)
	require.NoError(t, err)
	log := eventlog.New()
	sup := supervisor.New(reg, log)
	srv := httptest.NewServer(New(sup, log, WithCatalog(reg), WithKeepAlive(50*time.Millisecond)))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return &daemon{srv: srv, log: log, sup: sup}
}

func (d *daemon) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, d.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (d *daemon) create(t *testing.T) string {
	t.Helper()
	resp := d.do(t, http.MethodPost, "/v1/sessions", map[string]string{"agent": "pi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[supervisor.Created](t, resp)
	assert.Equal(t, "pi-native", created.NativeSessionID)
	return created.SessionID
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	d := newDaemon(t)
	id := d.create(t)

	resp := d.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages?wait=true", map[string]string{"prompt": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = d.do(t, http.MethodGet, "/v1/sessions/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[[]universal.Event](t, resp)
	require.NotEmpty(t, events)
	assert.Equal(t, universal.EventSessionStarted, events[0].Type)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Nil(t, ev.Raw, "raw is stripped by default")
	}
	last := events[len(events)-1]
	require.Equal(t, universal.EventTurnEnded, last.Type)
	assert.Equal(t, universal.TurnCompleted, last.Data.(universal.TurnData).Status)

	resp = d.do(t, http.MethodGet, fmt.Sprintf("/v1/sessions/%s/events?offset=%d&include_raw=true", id, len(events)-1), nil)
	tail := decode[[]universal.Event](t, resp)
	require.Len(t, tail, 1)
	assert.Equal(t, last.EventID, tail[0].EventID)
	assert.NotEmpty(t, tail[0].Raw)

	resp = d.do(t, http.MethodGet, "/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[supervisor.SessionInfo](t, resp)
	assert.Equal(t, agent.Pi, info.Kind)

	resp = d.do(t, http.MethodDelete, "/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = d.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]string{"prompt": "again"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The stream outlives the session.
	resp = d.do(t, http.MethodGet, "/v1/sessions/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decode[[]universal.Event](t, resp)
	assert.Equal(t, universal.EventSessionEnded, all[len(all)-1].Type)
}

func TestSendMessageAccepted(t *testing.T) {
	t.Parallel()
	d := newDaemon(t)
	id := d.create(t)

	resp := d.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages",
		map[string]any{"content": []universal.ContentPart{universal.TextPart("hang")}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ack := decode[supervisor.Ack](t, resp)
	assert.Equal(t, id, ack.SessionID)
	assert.Equal(t, 0, ack.Ahead)

	require.Eventually(t, func() bool {
		for _, ev := range d.log.Read(id, 0, false) {
			if ev.Type == universal.EventTurnStarted {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	resp = d.do(t, http.MethodPost, "/v1/sessions/"+id+"/abort", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[supervisor.AbortResult](t, resp).Supported)
}

func TestBadRequests(t *testing.T) {
	t.Parallel()
	d := newDaemon(t)
	id := d.create(t)

	tests := []struct {
		body   any
		name   string
		method string
		path   string
		status int
	}{
		{name: "missing agent", method: http.MethodPost, path: "/v1/sessions", body: map[string]string{}, status: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/v1/sessions", body: map[string]string{"agent": "pi", "bogus": "x"}, status: http.StatusBadRequest},
		{name: "unknown agent", method: http.MethodPost, path: "/v1/sessions", body: map[string]string{"agent": "nope"}, status: http.StatusServiceUnavailable},
		{name: "empty prompt", method: http.MethodPost, path: "/v1/sessions/" + id + "/messages", body: map[string]string{}, status: http.StatusBadRequest},
		{name: "invalid content", method: http.MethodPost, path: "/v1/sessions/" + id + "/messages", body: map[string]any{"content": []map[string]string{{"type": "image"}}}, status: http.StatusBadRequest},
		{name: "unknown session", method: http.MethodPost, path: "/v1/sessions/missing/messages", body: map[string]string{"prompt": "x"}, status: http.StatusNotFound},
		{name: "invalid reply", method: http.MethodPost, path: "/v1/sessions/" + id + "/permissions/p1/reply", body: map[string]string{"reply": "maybe"}, status: http.StatusBadRequest},
		{name: "no permissions", method: http.MethodPost, path: "/v1/sessions/" + id + "/permissions/p1/reply", body: map[string]string{"reply": "once"}, status: http.StatusNotImplemented},
		{name: "no questions", method: http.MethodPost, path: "/v1/sessions/" + id + "/questions/q1/reject", status: http.StatusNotImplemented},
		{name: "bad offset", method: http.MethodGet, path: "/v1/sessions/" + id + "/events?offset=-1", status: http.StatusBadRequest},
		{name: "unknown stream", method: http.MethodGet, path: "/v1/sessions/missing/events", status: http.StatusNotFound},
		{name: "terminate unknown", method: http.MethodDelete, path: "/v1/sessions/missing", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[map[string]string](t, resp)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestServerSentEvents(t *testing.T) {
	t.Parallel()
	d := newDaemon(t)
	id := d.create(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.srv.URL+"/v1/sessions/"+id+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		r, err := http.Post(d.srv.URL+"/v1/sessions/"+id+"/messages", "application/json", strings.NewReader(`{"prompt":"hello"}`))
		if err == nil {
			r.Body.Close()
		}
	}()

	rd := sse.NewReader(resp.Body)
	var seq int64
	for {
		frame, err := rd.Next()
		require.NoError(t, err)
		var ev universal.Event
		require.NoError(t, json.Unmarshal([]byte(frame.Data), &ev))
		seq++
		require.Equal(t, seq, ev.Sequence)
		assert.Equal(t, fmt.Sprint(seq), frame.ID)
		assert.Equal(t, string(ev.Type), frame.Event)
		if ev.Type == universal.EventTurnEnded {
			break
		}
	}
}

func TestServerSentEventsResume(t *testing.T) {
	t.Parallel()
	d := newDaemon(t)
	id := d.create(t)
	resp := d.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages?wait=true", map[string]string{"prompt": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	total := len(d.log.Read(id, 0, false))
	require.Greater(t, total, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.srv.URL+"/v1/sessions/"+id+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", fmt.Sprint(total-1))
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()

	frame, err := sse.NewReader(stream.Body).Next()
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(total), frame.ID)
}

func TestWebSocketFollowsUntilEnded(t *testing.T) {
	t.Parallel()
	d := newDaemon(t)
	id := d.create(t)

	url := "ws" + strings.TrimPrefix(d.srv.URL, "http") + "/v1/sessions/" + id + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// A fresh session has no events until the agent produces one.
	r := d.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages?wait=true", map[string]string{"prompt": "hello"})
	require.Equal(t, http.StatusOK, r.StatusCode)

	var ev universal.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, universal.EventSessionStarted, ev.Type)
	assert.Equal(t, int64(1), ev.Sequence)

	r = d.do(t, http.MethodDelete, "/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusNoContent, r.StatusCode)

	seq := ev.Sequence
	for {
		var next universal.Event
		err := conn.ReadJSON(&next)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
			break
		}
		seq++
		assert.Equal(t, seq, next.Sequence)
		ev = next
	}
	assert.Equal(t, universal.EventSessionEnded, ev.Type)
}

func TestAgentsAndHealth(t *testing.T) {
	t.Parallel()
	d := newDaemon(t)

	resp := d.do(t, http.MethodGet, "/v1/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[agentsResponse](t, resp)
	assert.Len(t, body.Agents, len(agent.DefaultSpecs()))
	assert.Empty(t, body.Servers)

	resp = d.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", health["status"])
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", supervisor.ErrSessionNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", supervisor.ErrSessionTerminated), http.StatusGone},
		{supervisor.ErrUnsupported, http.StatusNotImplemented},
		{supervisor.ErrShutdown, http.StatusServiceUnavailable},
		{&supervisor.AgentUnavailableError{Kind: agent.Claude, Cause: errors.New("missing")}, http.StatusServiceUnavailable},
		{&supervisor.AgentCrashedError{Kind: agent.Codex}, http.StatusBadGateway},
		{fmt.Errorf("perm: %w", opencode.ErrUnknownRequest), http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusRequestTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
