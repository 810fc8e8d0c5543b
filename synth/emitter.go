// Package synth fills protocol gaps so every session looks
// capability-complete to consumers.
//
// Adapters never talk to the tracker directly; they go through an Emitter,
// which applies the synthesis rules inside the session's serialization
// point:
//
//   - a synthetic session.started precedes the first real event when the
//     agent did not announce one;
//   - a delta or completion for an item that was never opened gets a stub
//     item.started first;
//   - agents without native deltas get exactly one full-content delta right
//     before item.completed;
//   - process exit without a native end yields session.ended with an
//     inferred reason and bounded stderr.
package synth

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/internal/deltadiff"
	"github.com/bazelment/yoloswe/agentd/tracker"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger sets the emitter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStartData sets the payload used for a synthesized session.started.
func WithStartData(d universal.SessionStartedData) Option {
	return func(e *Emitter) { e.startData = d }
}

// Emitter is the only path from an adapter to the tracker.
type Emitter struct {
	session   *tracker.Session
	logger    *slog.Logger
	startData universal.SessionStartedData
	spec      agent.Spec
}

// New binds an emitter to a tracker session.
func New(s *tracker.Session, spec agent.Spec, opts ...Option) *Emitter {
	e := &Emitter{
		session:   s,
		spec:      spec,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		startData: universal.SessionStartedData{Agent: string(spec.Kind)},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("session", s.ID(), "agent", string(spec.Kind))
	return e
}

// SessionID returns the daemon session id.
func (e *Emitter) SessionID() string { return e.session.ID() }

// Session returns the underlying tracker session.
func (e *Emitter) Session() *tracker.Session { return e.session }

// Capabilities returns the agent's declared capabilities.
func (e *Emitter) Capabilities() agent.Capabilities { return e.spec.Capabilities }

func (e *Emitter) do(fn func(tx *tracker.Txn) error) error {
	err := e.session.Do(fn)
	if errors.Is(err, tracker.ErrDropped) {
		return nil
	}
	return err
}

func (e *Emitter) ensureStarted(tx *tracker.Txn) error {
	if tx.Started() {
		return nil
	}
	_, err := tx.Emit(universal.EventSessionStarted, e.startData, tracker.FromDaemon())
	return err
}

// BindNativeSession records the agent-assigned session id without emitting.
func (e *Emitter) BindNativeSession(nativeID string) error {
	return e.do(func(tx *tracker.Txn) error { return tx.SetNativeSessionID(nativeID) })
}

// SessionStarted forwards a native session start. Repeated native starts
// (for example one per spawned process) only refresh the native id.
func (e *Emitter) SessionStarted(nativeID string, data universal.SessionStartedData, raw json.RawMessage) error {
	return e.do(func(tx *tracker.Txn) error {
		if err := tx.SetNativeSessionID(nativeID); err != nil {
			return err
		}
		if tx.Started() {
			e.logger.Debug("native session start after session.started", "native_session_id", nativeID)
			return nil
		}
		if data.Agent == "" {
			data.Agent = string(e.spec.Kind)
		}
		_, err := tx.Emit(universal.EventSessionStarted, data, tracker.FromAgent(raw))
		return err
	})
}

// Forward emits a native, non-item event such as error or a HITL request.
func (e *Emitter) Forward(typ universal.EventType, data any, raw json.RawMessage) error {
	return e.do(func(tx *tracker.Txn) error {
		if err := e.ensureStarted(tx); err != nil {
			return err
		}
		_, err := tx.Emit(typ, data, tracker.FromAgent(raw))
		return err
	})
}

// Resolve emits a daemon-authored HITL resolution after a caller replied.
func (e *Emitter) Resolve(typ universal.EventType, data any) error {
	return e.do(func(tx *tracker.Txn) error {
		if err := e.ensureStarted(tx); err != nil {
			return err
		}
		_, err := tx.Emit(typ, data, tracker.FromDaemon())
		return err
	})
}

// TurnStarted forwards a native turn start.
func (e *Emitter) TurnStarted(turnID string, raw json.RawMessage) error {
	return e.do(func(tx *tracker.Txn) error {
		if err := e.ensureStarted(tx); err != nil {
			return err
		}
		if tx.TurnOpen() && tx.TurnID() == turnID {
			// Already opened synthetically when the prompt was delivered.
			return nil
		}
		_, err := tx.Emit(universal.EventTurnStarted, universal.TurnData{TurnID: turnID}, tracker.FromAgent(raw))
		return err
	})
}

// TurnEnded forwards a native turn end.
func (e *Emitter) TurnEnded(data universal.TurnData, raw json.RawMessage) error {
	return e.do(func(tx *tracker.Txn) error {
		if err := e.ensureStarted(tx); err != nil {
			return err
		}
		if data.TurnID == "" {
			data.TurnID = tx.TurnID()
		}
		_, err := tx.Emit(universal.EventTurnEnded, data, tracker.FromAgent(raw))
		return err
	})
}

// BeginTurn is called when a prompt is delivered to the agent. Agents that
// do not announce turns natively get a synthetic turn.started.
func (e *Emitter) BeginTurn(turnID string) error {
	if e.spec.Capabilities.NativeTurnStart {
		return nil
	}
	return e.do(func(tx *tracker.Txn) error {
		if err := e.ensureStarted(tx); err != nil {
			return err
		}
		if tx.TurnOpen() {
			return nil
		}
		_, err := tx.Emit(universal.EventTurnStarted, universal.TurnData{TurnID: turnID}, tracker.FromDaemon())
		return err
	})
}

// FinishTurn closes a still-open turn with a synthetic turn.ended. It is a
// no-op when no turn is open.
func (e *Emitter) FinishTurn(status universal.TurnStatus) error {
	return e.do(func(tx *tracker.Txn) error {
		if !tx.TurnOpen() || tx.Ended() {
			return nil
		}
		_, err := tx.Emit(universal.EventTurnEnded, universal.TurnData{TurnID: tx.TurnID(), Status: status}, tracker.FromDaemon())
		return err
	})
}

// TurnOpen reports whether a turn is in progress.
func (e *Emitter) TurnOpen() bool {
	var open bool
	_ = e.session.Do(func(tx *tracker.Txn) error {
		open = tx.TurnOpen()
		return nil
	})
	return open
}

// Known reports whether an item was registered under key.
func (e *Emitter) Known(key string) bool {
	var ok bool
	_ = e.session.Do(func(tx *tracker.Txn) error {
		_, ok = tx.Lookup(key)
		return nil
	})
	return ok
}

// Lookup returns a snapshot of the item under key.
func (e *Emitter) Lookup(key string) (universal.Item, bool) {
	var (
		item universal.Item
		ok   bool
	)
	_ = e.session.Do(func(tx *tracker.Txn) error {
		item, ok = tx.Lookup(key)
		return nil
	})
	return item, ok
}

// StartItem forwards a native item start. Duplicate starts are dropped.
func (e *Emitter) StartItem(key string, spec tracker.ItemSpec, raw json.RawMessage) error {
	return e.do(func(tx *tracker.Txn) error {
		if err := e.ensureStarted(tx); err != nil {
			return err
		}
		_, err := tx.StartItem(key, spec, tracker.FromAgent(raw))
		return err
	})
}

func (e *Emitter) ensureItem(tx *tracker.Txn, key string, stub tracker.ItemSpec) error {
	if _, ok := tx.Lookup(key); ok {
		return nil
	}
	e.logger.Debug("synthesizing stub item start", "key", key, "kind", stub.Kind)
	_, err := tx.StartItem(key, stub, tracker.FromDaemon())
	return err
}

// Delta forwards a native incremental delta. stub describes the item to
// open if the agent never announced it.
func (e *Emitter) Delta(key string, stub tracker.ItemSpec, part universal.ContentPart, raw json.RawMessage) error {
	return e.do(func(tx *tracker.Txn) error {
		if err := e.ensureStarted(tx); err != nil {
			return err
		}
		if err := e.ensureItem(tx, key, stub); err != nil {
			return err
		}
		return tx.AppendDelta(key, part, false, tracker.FromAgent(raw))
	})
}

// CumulativeDelta converts a cumulative snapshot into an incremental delta
// against the previous snapshot held in the session's pending-delta buffer.
// part distinguishes independent snapshots inside one item. Empty
// increments emit nothing.
func (e *Emitter) CumulativeDelta(key, part string, stub tracker.ItemSpec, snapshot string, build func(string) universal.ContentPart, raw json.RawMessage) error {
	return e.do(func(tx *tracker.Txn) error {
		if err := e.ensureStarted(tx); err != nil {
			return err
		}
		if err := e.ensureItem(tx, key, stub); err != nil {
			return err
		}
		r := deltadiff.Compute(tx.Partial(key, part), snapshot)
		tx.SetPartial(key, part, snapshot)
		if r.Reset {
			e.logger.Warn("cumulative snapshot is not a prefix extension, emitting full value",
				"key", key, "snapshot_len", len(snapshot))
		} else if r.Delta == "" {
			return nil
		}
		return tx.AppendPartDelta(key, part, build(r.Delta), r.Reset, tracker.FromAgent(raw))
	})
}

// TrackedDelta forwards a native delta for an agent that also reports
// cumulative snapshots, recording snapshot so a later snapshot-only update
// diffs against it instead of repeating the text.
func (e *Emitter) TrackedDelta(key, part string, stub tracker.ItemSpec, delta universal.ContentPart, snapshot string, raw json.RawMessage) error {
	return e.do(func(tx *tracker.Txn) error {
		if err := e.ensureStarted(tx); err != nil {
			return err
		}
		if err := e.ensureItem(tx, key, stub); err != nil {
			return err
		}
		tx.SetPartial(key, part, snapshot)
		return tx.AppendPartDelta(key, part, delta, false, tracker.FromAgent(raw))
	})
}

// Complete forwards a native item completion. When the agent has no native
// deltas and none were emitted, a single delta carrying the full content
// is emitted first.
func (e *Emitter) Complete(key string, stub tracker.ItemSpec, status universal.ItemStatus, final []universal.ContentPart, raw json.RawMessage) error {
	return e.do(func(tx *tracker.Txn) error {
		if err := e.ensureStarted(tx); err != nil {
			return err
		}
		if err := e.ensureItem(tx, key, stub); err != nil {
			return err
		}
		current, _ := tx.Lookup(key)
		if current.Status.Terminal() {
			_, err := tx.CompleteItem(key, status, final, tracker.FromAgent(raw))
			return err
		}
		if !e.spec.Capabilities.NativeDeltas && tx.DeltaCount(key) == 0 {
			content := final
			if content == nil {
				content = current.Content
			}
			if err := tx.AppendDelta(key, fullContent(content), false, tracker.FromAgent(nil)); err != nil {
				return err
			}
		}
		_, err := tx.CompleteItem(key, status, final, tracker.FromAgent(raw))
		return err
	})
}

// fullContent folds an item's content into the single part carried by a
// buffered delta.
func fullContent(content []universal.ContentPart) universal.ContentPart {
	if len(content) == 1 {
		return content[0]
	}
	var b strings.Builder
	texts := 0
	for _, p := range content {
		if p.Type == universal.PartText {
			b.WriteString(p.Text)
			texts++
		}
	}
	if texts == 0 && len(content) > 0 {
		return content[0]
	}
	return universal.TextPart(b.String())
}

// Unparsed reports a native payload that matched no known shape. It never
// touches item state.
func (e *Emitter) Unparsed(err error, location string, raw []byte) error {
	return e.unparsed(universal.UnparsedData{
		Error:     err.Error(),
		Location:  location,
		RawSHA256: HashRaw(raw),
		RawBytes:  len(raw),
	}, raw)
}

// Oversized reports a native line that exceeded the read bound and was
// skipped. size is the full line length; only prefix is recorded.
func (e *Emitter) Oversized(err error, prefix []byte, size int) error {
	return e.unparsed(universal.UnparsedData{
		Error:     err.Error(),
		Location:  "$",
		RawSHA256: HashRaw(prefix),
		RawBytes:  size,
		Truncated: true,
	}, prefix)
}

func (e *Emitter) unparsed(data universal.UnparsedData, raw []byte) error {
	e.logger.Warn("unparsed agent payload",
		"error", data.Error,
		"location", data.Location,
		"raw_sha256", data.RawSHA256,
		"raw_bytes", data.RawBytes)
	var rawJSON json.RawMessage
	if json.Valid(raw) {
		rawJSON = append(json.RawMessage(nil), raw...)
	} else if b, mErr := json.Marshal(string(raw)); mErr == nil {
		rawJSON = b
	}
	return e.do(func(tx *tracker.Txn) error {
		if err := e.ensureStarted(tx); err != nil {
			return err
		}
		_, err := tx.Emit(universal.EventAgentUnparsed, data, tracker.FromAgent(rawJSON))
		return err
	})
}
