package tracker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// Origin describes who authored an event and the native payload behind it.
type Origin struct {
	Raw       json.RawMessage
	Source    universal.Source
	Synthetic bool
}

// FromAgent is the origin of a forwarded native event.
func FromAgent(raw json.RawMessage) Origin {
	return Origin{Source: universal.SourceAgent, Raw: raw}
}

// FromDaemon is the origin of a synthesized event.
func FromDaemon() Origin {
	return Origin{Source: universal.SourceDaemon, Synthetic: true}
}

// Info is a read-only snapshot of a session.
type Info struct {
	Created      time.Time  `json:"created"`
	ID           string     `json:"session_id"`
	NativeID     string     `json:"native_session_id,omitempty"`
	Kind         agent.Kind `json:"agent"`
	LastSequence int64      `json:"last_sequence"`
	OpenItems    int        `json:"open_items"`
	Anomalies    int        `json:"anomalies"`
	Ended        bool       `json:"ended"`
	TurnOpen     bool       `json:"turn_open"`
}

type itemState struct {
	parts  map[string]int // part key -> index into item.Content
	item   universal.Item
	deltas int
}

func (st *itemState) apply(part string, delta universal.ContentPart, reset bool) {
	if part == "" {
		if reset {
			st.item.Content = nil
			st.parts = nil
		}
		st.item.Apply(delta)
		return
	}
	if i, ok := st.parts[part]; ok {
		if reset {
			st.item.Content[i] = delta
		} else {
			st.item.Content[i].Extend(delta)
		}
		return
	}
	if st.parts == nil {
		st.parts = make(map[string]int)
	}
	st.item.Content = append(st.item.Content, delta)
	st.parts[part] = len(st.item.Content) - 1
}

// Session is the state of one logical conversation.
type Session struct {
	created   time.Time
	tracker   *Tracker
	logger    *slog.Logger
	items     map[string]*itemState        // item id -> state
	keys      map[string]string            // adapter key -> item id
	natives   map[string]string            // native item id -> item id
	partial   map[string]map[string]string // adapter key -> part -> last cumulative snapshot
	id        string
	kind      agent.Kind
	nativeID  string
	turnID    string
	seq       int64
	anomalies int
	mu        sync.Mutex
	started   bool
	ended     bool
	turnOpen  bool
}

// ID returns the daemon-assigned session id.
func (s *Session) ID() string { return s.id }

// Kind returns the agent kind backing the session.
func (s *Session) Kind() agent.Kind { return s.kind }

// NativeID returns the agent-assigned session id, if known.
func (s *Session) NativeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nativeID
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := 0
	for _, st := range s.items {
		if !st.item.Status.Terminal() {
			open++
		}
	}
	return Info{
		ID:           s.id,
		NativeID:     s.nativeID,
		Kind:         s.kind,
		Created:      s.created,
		LastSequence: s.seq,
		OpenItems:    open,
		Anomalies:    s.anomalies,
		Ended:        s.ended,
		TurnOpen:     s.turnOpen,
	}
}

// Do runs fn with exclusive access to the session. All events emitted by
// fn are published in allocation order before Do returns.
func (s *Session) Do(fn func(tx *Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Txn{s: s})
}

// Txn is the mutation view of a session inside Do.
type Txn struct {
	s *Session
}

// SessionID returns the session id.
func (tx *Txn) SessionID() string { return tx.s.id }

// Started reports whether session.started was emitted.
func (tx *Txn) Started() bool { return tx.s.started }

// Ended reports whether session.ended was emitted.
func (tx *Txn) Ended() bool { return tx.s.ended }

// LastSequence returns the last allocated sequence number.
func (tx *Txn) LastSequence() int64 { return tx.s.seq }

// Emit allocates the next sequence number and publishes an event.
func (tx *Txn) Emit(typ universal.EventType, data any, o Origin) (universal.Event, error) {
	s := tx.s
	if s.ended {
		s.anomaly("event after session end", "type", typ)
		return universal.Event{}, ErrSessionEnded
	}
	s.seq++
	ev := universal.Event{
		EventID:         s.tracker.ids.EventID(),
		Sequence:        s.seq,
		Time:            s.tracker.now().UTC(),
		SessionID:       s.id,
		NativeSessionID: s.nativeID,
		Source:          o.Source,
		Synthetic:       o.Synthetic,
		Type:            typ,
		Data:            data,
		Raw:             o.Raw,
	}
	switch typ {
	case universal.EventSessionStarted:
		s.started = true
	case universal.EventSessionEnded:
		s.ended = true
	case universal.EventTurnStarted:
		s.turnOpen = true
		if d, ok := data.(universal.TurnData); ok {
			s.turnID = d.TurnID
		}
	case universal.EventTurnEnded:
		s.turnOpen = false
		s.turnID = ""
	}
	if s.tracker.sink != nil {
		s.tracker.sink.Publish(ev)
	}
	return ev, nil
}

// SetNativeSessionID binds the agent-assigned session id. Rebinding to the
// same value is a no-op; a different value is rejected.
func (tx *Txn) SetNativeSessionID(nativeID string) error {
	s := tx.s
	if nativeID == "" || s.nativeID == nativeID {
		return nil
	}
	if s.nativeID != "" {
		s.anomaly("native session id changed", "bound", s.nativeID, "got", nativeID)
		return fmt.Errorf("%w: %s", ErrNativeSessionConflict, s.nativeID)
	}
	s.nativeID = nativeID
	s.tracker.bindNative(s.kind, nativeID, s.id)
	return nil
}

// TurnOpen reports whether a turn started and has not ended.
func (tx *Txn) TurnOpen() bool { return tx.s.turnOpen }

// TurnID returns the id of the open turn, if any.
func (tx *Txn) TurnID() string { return tx.s.turnID }

// ItemSpec describes an item being opened.
type ItemSpec struct {
	Kind universal.ItemKind
	Role universal.Role
	// NativeID is the agent's item id, empty when the agent has none.
	NativeID string
	// ParentKey is the adapter key of the parent item.
	ParentKey string
	Content   []universal.ContentPart
}

// Lookup returns a snapshot of the item registered under key.
func (tx *Txn) Lookup(key string) (universal.Item, bool) {
	st := tx.s.byKey(key)
	if st == nil {
		return universal.Item{}, false
	}
	return st.item.Clone(), true
}

// ItemByNativeID resolves a native item id to the daemon item.
func (tx *Txn) ItemByNativeID(nativeID string) (universal.Item, bool) {
	id, ok := tx.s.natives[nativeID]
	if !ok {
		return universal.Item{}, false
	}
	return tx.s.items[id].item.Clone(), true
}

// DeltaCount returns how many deltas were emitted for the item under key.
func (tx *Txn) DeltaCount(key string) int {
	if st := tx.s.byKey(key); st != nil {
		return st.deltas
	}
	return 0
}

// StartItem opens an item under key and emits item.started.
func (tx *Txn) StartItem(key string, spec ItemSpec, o Origin) (universal.Item, error) {
	s := tx.s
	if st := s.byKey(key); st != nil {
		if st.item.Status.Terminal() {
			s.anomaly("start for terminal item", "key", key, "item", st.item.ItemID)
		} else {
			s.anomaly("duplicate start", "key", key, "item", st.item.ItemID)
		}
		return st.item.Clone(), ErrDropped
	}

	item := universal.Item{
		ItemID:       s.tracker.ids.ItemID(),
		NativeItemID: spec.NativeID,
		Kind:         spec.Kind,
		Role:         spec.Role,
		Status:       universal.StatusInProgress,
		Content:      append([]universal.ContentPart(nil), spec.Content...),
	}
	if spec.ParentKey != "" {
		if parent := s.byKey(spec.ParentKey); parent != nil {
			item.ParentID = parent.item.ItemID
		} else {
			s.anomaly("parent item not known", "key", key, "parent", spec.ParentKey)
		}
	}

	if _, err := tx.Emit(universal.EventItemStarted, universal.ItemData{Item: item.Clone()}, o); err != nil {
		return universal.Item{}, err
	}
	s.items[item.ItemID] = &itemState{item: item}
	s.keys[key] = item.ItemID
	if spec.NativeID != "" {
		s.natives[spec.NativeID] = item.ItemID
	}
	return item.Clone(), nil
}

// AppendDelta emits item.delta for an in-progress item. A reset replaces
// the whole accumulated content.
func (tx *Txn) AppendDelta(key string, delta universal.ContentPart, reset bool, o Origin) error {
	return tx.AppendPartDelta(key, "", delta, reset, o)
}

// AppendPartDelta emits item.delta for one named part of an in-progress
// item. A reset replaces that part only.
func (tx *Txn) AppendPartDelta(key, part string, delta universal.ContentPart, reset bool, o Origin) error {
	s := tx.s
	st := s.byKey(key)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrUnknownItem, key)
	}
	if st.item.Status.Terminal() {
		s.anomaly("delta for terminal item", "key", key, "item", st.item.ItemID)
		return ErrDropped
	}
	data := universal.ItemDeltaData{
		ItemID:       st.item.ItemID,
		NativeItemID: st.item.NativeItemID,
		Delta:        delta,
		Part:         part,
		Reset:        reset,
	}
	if _, err := tx.Emit(universal.EventItemDelta, data, o); err != nil {
		return err
	}
	st.deltas++
	st.apply(part, delta, reset)
	return nil
}

// CompleteItem closes an in-progress item. When final is non-nil it
// replaces the accumulated content.
func (tx *Txn) CompleteItem(key string, status universal.ItemStatus, final []universal.ContentPart, o Origin) (universal.Item, error) {
	s := tx.s
	st := s.byKey(key)
	if st == nil {
		return universal.Item{}, fmt.Errorf("%w: %s", ErrUnknownItem, key)
	}
	if st.item.Status.Terminal() {
		s.anomaly("completion for terminal item", "key", key, "item", st.item.ItemID)
		return st.item.Clone(), ErrDropped
	}
	if !status.Terminal() {
		return universal.Item{}, fmt.Errorf("completion status %q is not terminal", status)
	}
	done := st.item.Clone()
	done.Status = status
	if final != nil {
		done.Content = append([]universal.ContentPart(nil), final...)
	}
	if _, err := tx.Emit(universal.EventItemCompleted, universal.ItemData{Item: done.Clone()}, o); err != nil {
		return universal.Item{}, err
	}
	st.item = done
	st.parts = nil
	delete(s.partial, key)
	return done.Clone(), nil
}

// OpenItemKeys returns the keys of every in-progress item.
func (tx *Txn) OpenItemKeys() []string {
	var keys []string
	for k, id := range tx.s.keys {
		if !tx.s.items[id].item.Status.Terminal() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Partial returns the last cumulative snapshot recorded for one part of
// the item under key.
func (tx *Txn) Partial(key, part string) string { return tx.s.partial[key][part] }

// SetPartial records the latest cumulative snapshot for one part of the
// item under key. The buffer is dropped when the item completes.
func (tx *Txn) SetPartial(key, part, snapshot string) {
	m, ok := tx.s.partial[key]
	if !ok {
		m = make(map[string]string)
		tx.s.partial[key] = m
	}
	m[part] = snapshot
}

// Anomaly records an anomaly observed by a caller.
func (tx *Txn) Anomaly(msg string, args ...any) { tx.s.anomaly(msg, args...) }

func (s *Session) byKey(key string) *itemState {
	id, ok := s.keys[key]
	if !ok {
		return nil
	}
	return s.items[id]
}

func (s *Session) anomaly(msg string, args ...any) {
	s.anomalies++
	s.logger.Warn(msg, append([]any{"anomaly", true}, args...)...)
}
