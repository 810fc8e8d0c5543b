// Package gateway exposes the supervisor and the event log over HTTP.
// Commands are JSON requests; events are served as a JSON array, as
// server-sent events, or over a WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bazelment/yoloswe/agentd/adapter/codex"
	"github.com/bazelment/yoloswe/agentd/adapter/opencode"
	"github.com/bazelment/yoloswe/agentd/adapter/streamjson"
	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/eventlog"
	"github.com/bazelment/yoloswe/agentd/supervisor"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// maxBody bounds a command body.
const maxBody = 8 << 20

// Sessions is the command side of the daemon.
type Sessions interface {
	CreateSession(ctx context.Context, req supervisor.CreateRequest) (supervisor.Created, error)
	SendPrompt(ctx context.Context, id string, prompt []universal.ContentPart) (supervisor.Ack, error)
	Abort(ctx context.Context, id string) (supervisor.AbortResult, error)
	ReplyPermission(ctx context.Context, id, permissionID string, reply universal.PermissionReply) error
	ReplyQuestion(ctx context.Context, id, questionID string, answers [][]string) error
	RejectQuestion(ctx context.Context, id, questionID string) error
	Terminate(ctx context.Context, id string) error
	Sessions() []supervisor.SessionInfo
}

// Events is the read side of the daemon.
type Events interface {
	Has(sessionID string) bool
	Read(sessionID string, offset int64, includeRaw bool) []universal.Event
	Subscribe(ctx context.Context, sessionID string, offset int64, includeRaw bool) *eventlog.Subscription
}

// Catalog lists agent kinds and their shared servers.
type Catalog interface {
	Specs() []agent.Spec
	Servers() []supervisor.ServerInfo
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCatalog enables GET /v1/agents.
func WithCatalog(c Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// WithKeepAlive sets the interval of SSE comments and WebSocket pings on
// idle streams.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// Server serves the daemon API.
type Server struct {
	sessions  Sessions
	events    Events
	catalog   Catalog
	logger    *slog.Logger
	handler   http.Handler
	started   time.Time
	keepAlive time.Duration
}

// New returns a server over the given command and event sides.
func New(sessions Sessions, events Events, opts ...Option) *Server {
	s := &Server{
		sessions:  sessions,
		events:    events,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		started:   time.Now(),
		keepAlive: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/agents", s.listAgents)

	mux.HandleFunc("POST /v1/sessions", s.createSession)
	mux.HandleFunc("GET /v1/sessions", s.listSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.terminateSession)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.sendMessage)
	mux.HandleFunc("POST /v1/sessions/{id}/abort", s.abort)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.streamEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/ws", s.streamWebSocket)

	mux.HandleFunc("POST /v1/sessions/{id}/permissions/{pid}/reply", s.replyPermission)
	mux.HandleFunc("POST /v1/sessions/{id}/questions/{qid}/reply", s.replyQuestion)
	mux.HandleFunc("POST /v1/sessions/{id}/questions/{qid}/reject", s.rejectQuestion)

	s.handler = s.logRequests(mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"sessions": len(s.sessions.Sessions()),
	})
}

type agentsResponse struct {
	Agents  []agent.Spec            `json:"agents"`
	Servers []supervisor.ServerInfo `json:"servers"`
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusNotImplemented, "agent catalog not configured")
		return
	}
	writeJSON(w, http.StatusOK, agentsResponse{Agents: s.catalog.Specs(), Servers: s.catalog.Servers()})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req supervisor.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, "agent is required")
		return
	}
	created, err := s.sessions.CreateSession(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.Sessions()
	if list == nil {
		list = []supervisor.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, info := range s.sessions.Sessions() {
		if info.ID == id {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	s.fail(w, r, fmt.Errorf("%w: %s", supervisor.ErrSessionNotFound, id))
}

func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Terminate(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// messageRequest carries either plain text or content parts.
type messageRequest struct {
	Prompt  string                  `json:"prompt,omitempty"`
	Content []universal.ContentPart `json:"content,omitempty"`
}

func (m messageRequest) parts() []universal.ContentPart {
	if len(m.Content) > 0 {
		return m.Content
	}
	if m.Prompt == "" {
		return nil
	}
	return []universal.ContentPart{universal.TextPart(m.Prompt)}
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	prompt := req.parts()
	if len(prompt) == 0 {
		writeError(w, http.StatusBadRequest, "prompt or content is required")
		return
	}
	for i, p := range prompt {
		if err := p.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("content[%d]: %v", i, err))
			return
		}
	}
	ack, err := s.sessions.SendPrompt(r.Context(), r.PathValue("id"), prompt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := ack.Wait(r.Context()); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ack)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.Abort(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type permissionReplyRequest struct {
	Reply universal.PermissionReply `json:"reply"`
}

func (s *Server) replyPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionReplyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Reply.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("reply must be once, always or reject, got %q", req.Reply))
		return
	}
	if err := s.sessions.ReplyPermission(r.Context(), r.PathValue("id"), r.PathValue("pid"), req.Reply); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type questionReplyRequest struct {
	Answers [][]string `json:"answers"`
}

func (s *Server) replyQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionReplyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.sessions.ReplyQuestion(r.Context(), r.PathValue("id"), r.PathValue("qid"), req.Answers); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rejectQuestion(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.RejectQuestion(r.Context(), r.PathValue("id"), r.PathValue("qid")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// known reports whether id names a live session or a recorded stream.
func (s *Server) known(id string) bool {
	if s.events.Has(id) {
		return true
	}
	for _, info := range s.sessions.Sessions() {
		if info.ID == id {
			return true
		}
	}
	return false
}

// statusFor maps command errors to HTTP statuses.
func statusFor(err error) int {
	var (
		unavailable *supervisor.AgentUnavailableError
		crashed     *supervisor.AgentCrashedError
	)
	switch {
	case errors.Is(err, supervisor.ErrSessionNotFound),
		errors.Is(err, opencode.ErrUnknownRequest),
		errors.Is(err, streamjson.ErrUnknownRequest),
		errors.Is(err, codex.ErrUnknownApproval):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrSessionTerminated):
		return http.StatusGone
	case errors.Is(err, supervisor.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, supervisor.ErrShutdown), errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &crashed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
