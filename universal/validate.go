package universal

import (
	"errors"
	"fmt"
)

// Validate checks the envelope invariants and the payload shape for the
// event's type.
func (e Event) Validate() error {
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.SessionID == "" {
		return errors.New("session_id is required")
	}
	if e.Sequence < 1 {
		return fmt.Errorf("sequence %d is below 1", e.Sequence)
	}
	switch e.Source {
	case SourceAgent, SourceDaemon:
	default:
		return fmt.Errorf("unknown source %q", e.Source)
	}
	if e.Synthetic && e.Source != SourceDaemon {
		return errors.New("synthetic events must have source daemon")
	}
	if !e.Type.Known() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}

	switch d := e.Data.(type) {
	case SessionStartedData:
		return expectType(e.Type, EventSessionStarted)
	case SessionEndedData:
		if err := expectType(e.Type, EventSessionEnded); err != nil {
			return err
		}
		switch d.Reason {
		case EndCompleted, EndError, EndTerminated:
		default:
			return fmt.Errorf("unknown end reason %q", d.Reason)
		}
	case TurnData:
		return expectType(e.Type, EventTurnStarted, EventTurnEnded)
	case ItemData:
		if err := expectType(e.Type, EventItemStarted, EventItemCompleted); err != nil {
			return err
		}
		if err := d.Item.Validate(); err != nil {
			return err
		}
		if e.Type == EventItemStarted && d.Item.Status != StatusInProgress {
			return fmt.Errorf("item.started with status %q", d.Item.Status)
		}
		if e.Type == EventItemCompleted && !d.Item.Status.Terminal() {
			return fmt.Errorf("item.completed with status %q", d.Item.Status)
		}
	case ItemDeltaData:
		if err := expectType(e.Type, EventItemDelta); err != nil {
			return err
		}
		if d.ItemID == "" {
			return errors.New("item.delta requires item_id")
		}
		return d.Delta.Validate()
	case ErrorData:
		return expectType(e.Type, EventError)
	case PermissionData:
		if err := expectType(e.Type, EventPermissionRequest, EventPermissionResolved); err != nil {
			return err
		}
		if d.PermissionID == "" {
			return errors.New("permission_id is required")
		}
	case QuestionData:
		if err := expectType(e.Type, EventQuestionRequested, EventQuestionResolved); err != nil {
			return err
		}
		if d.QuestionID == "" {
			return errors.New("question_id is required")
		}
	case UnparsedData:
		return expectType(e.Type, EventAgentUnparsed)
	default:
		return fmt.Errorf("unexpected payload %T for %s", e.Data, e.Type)
	}
	return nil
}

func expectType(got EventType, want ...EventType) error {
	for _, w := range want {
		if got == w {
			return nil
		}
	}
	return fmt.Errorf("payload does not match event type %s", got)
}
