// Package tracker is the authoritative session and item state machine.
//
// Every mutation of a session (sequence allocation, item lifecycle, id
// maps) happens inside Session.Do, which holds the session's lock while the
// resulting events are published to the sink. Sessions never share locks,
// so independent sessions proceed in parallel.
package tracker

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// Sink receives events in sequence order. Publish is called while the
// session lock is held and must not call back into the tracker.
type Sink interface {
	Publish(ev universal.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(universal.Event)

// Publish implements Sink.
func (f SinkFunc) Publish(ev universal.Event) { f(ev) }

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used for anomalies.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithIDSource overrides identifier generation.
func WithIDSource(ids IDSource) Option {
	return func(t *Tracker) { t.ids = ids }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker owns every live session.
type Tracker struct {
	sink     Sink
	ids      IDSource
	now      func() time.Time
	logger   *slog.Logger
	sessions map[string]*Session
	byNative map[string]string
	mu       sync.RWMutex
}

// New creates a tracker publishing to sink.
func New(sink Sink, opts ...Option) *Tracker {
	t := &Tracker{
		sink:     sink,
		ids:      newDefaultIDs(),
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions: make(map[string]*Session),
		byNative: make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open registers a new session. An empty id asks the tracker to generate one.
func (t *Tracker) Open(kind agent.Kind, id string) *Session {
	if id == "" {
		id = t.ids.SessionID()
	}
	s := &Session{
		tracker: t,
		id:      id,
		kind:    kind,
		created: t.now(),
		items:   make(map[string]*itemState),
		keys:    make(map[string]string),
		natives: make(map[string]string),
		partial: make(map[string]map[string]string),
		logger:  t.logger.With("session", id, "agent", string(kind)),
	}
	t.mu.Lock()
	t.sessions[id] = s
	t.mu.Unlock()
	return s
}

// Session returns a live session.
func (t *Tracker) Session(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// LookupNative resolves an agent-assigned session id.
func (t *Tracker) LookupNative(kind agent.Kind, nativeID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byNative[nativeKey(kind, nativeID)]
	if !ok {
		return nil, false
	}
	s, ok := t.sessions[id]
	return s, ok
}

// Remove forgets a session and its native id binding.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; !ok {
		return
	}
	delete(t.sessions, id)
	for k, v := range t.byNative {
		if v == id {
			delete(t.byNative, k)
		}
	}
}

// Sessions returns a snapshot of every live session ordered by creation.
func (t *Tracker) Sessions() []Info {
	t.mu.RLock()
	list := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		list = append(list, s)
	}
	t.mu.RUnlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (t *Tracker) bindNative(kind agent.Kind, nativeID, sessionID string) {
	t.mu.Lock()
	t.byNative[nativeKey(kind, nativeID)] = sessionID
	t.mu.Unlock()
}

func nativeKey(kind agent.Kind, nativeID string) string {
	return string(kind) + "/" + nativeID
}
