package universal

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the version of the universal event schema.
const SchemaVersion = "1"

// EventType discriminates universal events.
type EventType string

const (
	EventSessionStarted     EventType = "session.started"
	EventSessionEnded       EventType = "session.ended"
	EventTurnStarted        EventType = "turn.started"
	EventTurnEnded          EventType = "turn.ended"
	EventItemStarted        EventType = "item.started"
	EventItemDelta          EventType = "item.delta"
	EventItemCompleted      EventType = "item.completed"
	EventError              EventType = "error"
	EventPermissionRequest  EventType = "permission.requested"
	EventPermissionResolved EventType = "permission.resolved"
	EventQuestionRequested  EventType = "question.requested"
	EventQuestionResolved   EventType = "question.resolved"
	EventAgentUnparsed      EventType = "agent.unparsed"
)

// EventTypes returns every known event type in schema order.
func EventTypes() []EventType {
	return []EventType{
		EventSessionStarted,
		EventSessionEnded,
		EventTurnStarted,
		EventTurnEnded,
		EventItemStarted,
		EventItemDelta,
		EventItemCompleted,
		EventError,
		EventPermissionRequest,
		EventPermissionResolved,
		EventQuestionRequested,
		EventQuestionResolved,
		EventAgentUnparsed,
	}
}

// Known reports whether t is part of the schema.
func (t EventType) Known() bool {
	for _, k := range EventTypes() {
		if k == t {
			return true
		}
	}
	return false
}

// Source identifies who authored an event.
type Source string

const (
	SourceAgent  Source = "agent"
	SourceDaemon Source = "daemon"
)

// Event is the universal envelope delivered to consumers.
type Event struct {
	Time            time.Time       `json:"time"`
	Data            any             `json:"data"`
	Raw             json.RawMessage `json:"raw"`
	EventID         string          `json:"event_id"`
	SessionID       string          `json:"session_id"`
	NativeSessionID string          `json:"native_session_id,omitempty"`
	Type            EventType       `json:"type" jsonschema:"enum=session.started,enum=session.ended,enum=turn.started,enum=turn.ended,enum=item.started,enum=item.delta,enum=item.completed,enum=error,enum=permission.requested,enum=permission.resolved,enum=question.requested,enum=question.resolved,enum=agent.unparsed"`
	Source          Source          `json:"source" jsonschema:"enum=agent,enum=daemon"`
	Sequence        int64           `json:"sequence" jsonschema:"minimum=1"`
	Synthetic       bool            `json:"synthetic"`
}

// WithoutRaw returns a copy of the event with the native payload removed.
func (e Event) WithoutRaw() Event {
	e.Raw = nil
	return e
}

// UnmarshalJSON decodes the envelope and the typed payload for its type.
func (e *Event) UnmarshalJSON(b []byte) error {
	type envelope Event
	var aux struct {
		envelope
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	data, err := DecodeData(aux.Type, aux.Data)
	if err != nil {
		return fmt.Errorf("decode %s data: %w", aux.Type, err)
	}
	*e = Event(aux.envelope)
	e.Data = data
	if string(e.Raw) == "null" {
		e.Raw = nil
	}
	return nil
}

// newData returns a pointer to the zero payload for t, or nil when t is unknown.
func newData(t EventType) any {
	switch t {
	case EventSessionStarted:
		return &SessionStartedData{}
	case EventSessionEnded:
		return &SessionEndedData{}
	case EventTurnStarted, EventTurnEnded:
		return &TurnData{}
	case EventItemStarted, EventItemCompleted:
		return &ItemData{}
	case EventItemDelta:
		return &ItemDeltaData{}
	case EventError:
		return &ErrorData{}
	case EventPermissionRequest, EventPermissionResolved:
		return &PermissionData{}
	case EventQuestionRequested, EventQuestionResolved:
		return &QuestionData{}
	case EventAgentUnparsed:
		return &UnparsedData{}
	}
	return nil
}

// DecodeData decodes a raw payload into the typed value for t.
func DecodeData(t EventType, raw json.RawMessage) (any, error) {
	ptr := newData(t)
	if ptr == nil {
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, ptr); err != nil {
			return nil, err
		}
	}
	switch p := ptr.(type) {
	case *SessionStartedData:
		return *p, nil
	case *SessionEndedData:
		return *p, nil
	case *TurnData:
		return *p, nil
	case *ItemData:
		return *p, nil
	case *ItemDeltaData:
		return *p, nil
	case *ErrorData:
		return *p, nil
	case *PermissionData:
		return *p, nil
	case *QuestionData:
		return *p, nil
	case *UnparsedData:
		return *p, nil
	}
	return nil, fmt.Errorf("unknown event type %q", t)
}
