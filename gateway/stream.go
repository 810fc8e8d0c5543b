package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bazelment/yoloswe/agentd/internal/sse"
	"github.com/bazelment/yoloswe/agentd/universal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// Clients are local tools, not browsers on foreign origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamQuery is the parsed offset and include_raw parameters.
type streamQuery struct {
	offset     int64
	includeRaw bool
}

func parseStreamQuery(r *http.Request) (streamQuery, error) {
	var q streamQuery
	offset := r.URL.Query().Get("offset")
	if offset == "" {
		offset = r.Header.Get("Last-Event-ID")
	}
	if offset != "" {
		n, err := strconv.ParseInt(offset, 10, 64)
		if err != nil || n < 0 {
			return q, fmt.Errorf("offset must be a non-negative integer, got %q", offset)
		}
		q.offset = n
	}
	if raw := r.URL.Query().Get("include_raw"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return q, fmt.Errorf("include_raw must be a boolean, got %q", raw)
		}
		q.includeRaw = b
	}
	return q, nil
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// streamEvents returns the events after offset as a JSON array, or
// follows the session as server-sent events.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q, err := parseStreamQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.known(id) {
		writeError(w, http.StatusNotFound, "session not found: "+id)
		return
	}
	if !wantsEventStream(r) {
		writeJSON(w, http.StatusOK, s.events.Read(id, q.offset, q.includeRaw))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.events.Subscribe(r.Context(), id, q.offset, q.includeRaw)
	tick := time.NewTicker(s.keepAlive)
	defer tick.Stop()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug("event stream closed", "session", id, "error", err)
				return
			}
			flusher.Flush()
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev universal.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return sse.Write(w, sse.Event{
		ID:    strconv.FormatInt(ev.Sequence, 10),
		Event: string(ev.Type),
		Data:  string(b),
	})
}

// streamWebSocket follows the session over a WebSocket, one JSON event per
// text message. The connection closes after session.ended.
func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q, err := parseStreamQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.known(id) {
		writeError(w, http.StatusNotFound, "session not found: "+id)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "session", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reads only serve control frames; a read error means the peer left.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sub := s.events.Subscribe(ctx, id, q.offset, q.includeRaw)
	tick := time.NewTicker(s.keepAlive)
	defer tick.Stop()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "session", id, "error", err)
				return
			}
		case <-tick.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
