// Package eventlog keeps the universal event stream of every session so
// consumers can read it by offset and follow it live. An optional Store
// makes the log durable across daemon restarts.
package eventlog

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bazelment/yoloswe/agentd/universal"
)

// DefaultSubscriberBuffer is the per-subscriber live buffer.
const DefaultSubscriberBuffer = 256

// Store persists events.
type Store interface {
	Append(ctx context.Context, ev universal.Event) error
	Load(ctx context.Context) ([]universal.Event, error)
}

// Option configures a Log.
type Option func(*Log)

// WithStore persists every published event to s.
func WithStore(s Store) Option {
	return func(l *Log) { l.store = s }
}

// WithLogger sets the log's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithSubscriberBuffer sets how many live events a subscriber may fall
// behind before the oldest is dropped and replayed from the log.
func WithSubscriberBuffer(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.buffer = n
		}
	}
}

type stream struct {
	bc     *broadcaster[universal.Event]
	events []universal.Event
	ended  bool
}

// Summary describes one session's stream.
type Summary struct {
	SessionID    string `json:"session_id"`
	Events       int    `json:"events"`
	LastSequence int64  `json:"last_sequence"`
	Ended        bool   `json:"ended"`
}

// Log is an append-only per-session event log. It implements tracker.Sink.
type Log struct {
	store   Store
	logger  *slog.Logger
	streams map[string]*stream
	buffer  int
	mu      sync.RWMutex
}

// New returns an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		streams: make(map[string]*stream),
		buffer:  DefaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) streamLocked(id string) *stream {
	st, ok := l.streams[id]
	if !ok {
		st = &stream{bc: newBroadcaster[universal.Event](l.logger)}
		l.streams[id] = st
	}
	return st
}

// Restore loads the store's events into memory. Call before publishing.
func (l *Log) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	events, err := l.store.Load(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range events {
		l.appendLocked(ev)
	}
	l.logger.Info("event log restored", "events", len(events), "sessions", len(l.streams))
	return nil
}

func (l *Log) appendLocked(ev universal.Event) (*stream, bool) {
	st := l.streamLocked(ev.SessionID)
	if n := int64(len(st.events)); ev.Sequence <= n {
		l.logger.Warn("dropping replayed event", "session", ev.SessionID, "sequence", ev.Sequence)
		return st, false
	} else if ev.Sequence != n+1 {
		l.logger.Error("event sequence gap", "session", ev.SessionID, "want", n+1, "got", ev.Sequence)
	}
	st.events = append(st.events, ev)
	if ev.Type == universal.EventSessionEnded {
		st.ended = true
	}
	return st, true
}

// Publish implements tracker.Sink. It is called in sequence order for each
// session.
func (l *Log) Publish(ev universal.Event) {
	l.mu.Lock()
	st, ok := l.appendLocked(ev)
	if ok {
		st.bc.broadcast(ev)
		if st.ended {
			st.bc.close()
		}
	}
	l.mu.Unlock()
	if !ok || l.store == nil {
		return
	}
	if err := l.store.Append(context.Background(), ev); err != nil {
		l.logger.Error("persisting event failed", "session", ev.SessionID, "sequence", ev.Sequence, "error", err)
	}
}

// Has reports whether any event was recorded for the session.
func (l *Log) Has(sessionID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.streams[sessionID]
	return ok && len(st.events) > 0
}

// Read returns the session's events with sequence greater than offset.
// Native payloads are stripped unless includeRaw is set.
func (l *Log) Read(sessionID string, offset int64, includeRaw bool) []universal.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.streams[sessionID]
	if !ok {
		return []universal.Event{}
	}
	return since(st.events, offset, includeRaw)
}

func since(events []universal.Event, offset int64, includeRaw bool) []universal.Event {
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(events)) {
		return []universal.Event{}
	}
	out := make([]universal.Event, 0, int64(len(events))-offset)
	for _, ev := range events[offset:] {
		if !includeRaw {
			ev = ev.WithoutRaw()
		}
		out = append(out, ev)
	}
	return out
}

// Sessions summarizes every stream, ordered by session id.
func (l *Log) Sessions() []Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Summary, 0, len(l.streams))
	for id, st := range l.streams {
		if len(st.events) == 0 {
			continue
		}
		out = append(out, Summary{
			SessionID:    id,
			Events:       len(st.events),
			LastSequence: st.events[len(st.events)-1].Sequence,
			Ended:        st.ended,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Subscription follows one session's stream.
type Subscription struct {
	// C yields events in sequence order without gaps. It is closed after
	// session.ended or when the subscription's context is done.
	C    <-chan universal.Event
	lags atomic.Int64
}

// Lags returns how many times the subscriber fell behind and was caught
// up from the log.
func (s *Subscription) Lags() int64 { return s.lags.Load() }

// Subscribe replays the session's events after offset and then follows
// live events. The session need not exist yet.
func (l *Log) Subscribe(ctx context.Context, sessionID string, offset int64, includeRaw bool) *Subscription {
	l.mu.Lock()
	st := l.streamLocked(sessionID)
	backlog := since(st.events, offset, true)
	subID, sub := st.bc.subscribe(l.buffer)
	l.mu.Unlock()

	out := make(chan universal.Event)
	s := &Subscription{C: out}
	go func() {
		defer close(out)
		defer st.bc.unsubscribe(subID)
		f := follower{ctx: ctx, out: out, last: offset, includeRaw: includeRaw}
		for _, ev := range backlog {
			if !f.send(ev) {
				return
			}
		}
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					f.sendAll(l.Read(sessionID, f.last, true))
					return
				}
				if ev.Sequence > f.last+1 {
					s.lags.Add(1)
					if !f.sendAll(l.Read(sessionID, f.last, true)) {
						return
					}
				}
				if !f.send(ev) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return s
}

// follower delivers events to one subscriber, skipping what it already
// sent.
type follower struct {
	ctx        context.Context
	out        chan<- universal.Event
	last       int64
	includeRaw bool
}

// send reports whether following should continue.
func (f *follower) send(ev universal.Event) bool {
	if ev.Sequence <= f.last {
		return true
	}
	if !f.includeRaw {
		ev = ev.WithoutRaw()
	}
	select {
	case f.out <- ev:
	case <-f.ctx.Done():
		return false
	}
	f.last = ev.Sequence
	return ev.Type != universal.EventSessionEnded
}

func (f *follower) sendAll(events []universal.Event) bool {
	for _, ev := range events {
		if !f.send(ev) {
			return false
		}
	}
	return true
}
