package streamjson

import (
	"encoding/json"

	"github.com/bazelment/yoloswe/agentd/adapter"
)

// Partial is a decoded stream_event line: the envelope plus its typed inner
// event (MessageStart, ContentBlockStart, ...).
type Partial struct {
	Event    any
	Envelope StreamEvent
}

// PermissionRequest is a decoded can_use_tool control request.
type PermissionRequest struct {
	RequestID string
	Tool      CanUseTool
}

// Decode parses one stream-json line. The returned Native.Type is the line
// type, extended with the inner type for stream events and control requests.
func Decode(raw []byte) (adapter.Native, error) {
	typ, subtype, err := adapter.Peek(raw)
	if err != nil {
		return adapter.Native{}, err
	}
	n := adapter.Native{Type: typ, Raw: json.RawMessage(raw)}

	switch MessageType(typ) {
	case TypeSystem:
		n.Value, err = adapter.Decode[SystemMessage](raw, "$", typ)
		if subtype != "" {
			n.Type = typ + "/" + subtype
		}
	case TypeAssistant:
		n.Value, err = adapter.Decode[AssistantMessage](raw, "$.message", typ)
	case TypeUser:
		n.Value, err = adapter.Decode[UserMessage](raw, "$.message", typ)
	case TypeResult:
		n.Value, err = adapter.Decode[ResultMessage](raw, "$", typ)
	case TypeStreamEvent:
		var p Partial
		p, err = decodePartial(raw)
		n.Value = p
		if err == nil {
			n.Type = typ + "/" + partialType(p.Event)
		}
	case TypeControlRequest:
		var req PermissionRequest
		req, err = decodeControl(raw)
		n.Value = req
		n.Type = typ + "/" + SubtypeCanUseTool
	case TypeControlCancelRequest:
		n.Value, err = adapter.Decode[ControlCancelRequest](raw, "$", typ)
	case TypeControlResponse:
		n.Value, err = adapter.Decode[ControlResponse](raw, "$.response", typ)
	default:
		return adapter.Native{}, adapter.Unknown("$.type", typ)
	}
	if err != nil {
		return adapter.Native{}, err
	}
	return n, nil
}

func decodePartial(raw []byte) (Partial, error) {
	env, err := adapter.Decode[StreamEvent](raw, "$", string(TypeStreamEvent))
	if err != nil {
		return Partial{}, err
	}
	inner, _, err := adapter.Peek(env.Event)
	if err != nil {
		return Partial{}, adapter.Malformed("$.event", string(TypeStreamEvent), err)
	}
	p := Partial{Envelope: env}
	switch StreamEventType(inner) {
	case EventMessageStart:
		p.Event, err = adapter.Decode[MessageStart](env.Event, "$.event", inner)
	case EventContentBlockStart:
		p.Event, err = adapter.Decode[ContentBlockStart](env.Event, "$.event.content_block", inner)
	case EventContentBlockDelta:
		var d ContentBlockDelta
		d, err = adapter.Decode[ContentBlockDelta](env.Event, "$.event.delta", inner)
		if err == nil {
			switch d.Delta.Type {
			case DeltaText, DeltaThinking, DeltaInputJSON, DeltaSignature:
			default:
				return Partial{}, adapter.Unknown("$.event.delta.type", d.Delta.Type)
			}
		}
		p.Event = d
	case EventContentBlockStop:
		p.Event, err = adapter.Decode[ContentBlockStop](env.Event, "$.event", inner)
	case EventMessageDelta:
		p.Event, err = adapter.Decode[MessageDelta](env.Event, "$.event", inner)
	case EventMessageStop:
		p.Event, err = adapter.Decode[MessageStop](env.Event, "$.event", inner)
	default:
		return Partial{}, adapter.Unknown("$.event.type", inner)
	}
	return p, err
}

func partialType(ev any) string {
	switch ev.(type) {
	case MessageStart:
		return string(EventMessageStart)
	case ContentBlockStart:
		return string(EventContentBlockStart)
	case ContentBlockDelta:
		return string(EventContentBlockDelta)
	case ContentBlockStop:
		return string(EventContentBlockStop)
	case MessageDelta:
		return string(EventMessageDelta)
	case MessageStop:
		return string(EventMessageStop)
	}
	return ""
}

func decodeControl(raw []byte) (PermissionRequest, error) {
	req, err := adapter.Decode[ControlRequest](raw, "$", string(TypeControlRequest))
	if err != nil {
		return PermissionRequest{}, err
	}
	sub, _, err := peekSubtype(req.Request)
	if err != nil {
		return PermissionRequest{}, err
	}
	if sub != SubtypeCanUseTool {
		return PermissionRequest{}, adapter.Unknown("$.request.subtype", sub)
	}
	tool, err := adapter.Decode[CanUseTool](req.Request, "$.request", sub)
	if err != nil {
		return PermissionRequest{}, err
	}
	return PermissionRequest{RequestID: req.RequestID, Tool: tool}, nil
}

func peekSubtype(raw json.RawMessage) (string, string, error) {
	var base struct {
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return "", "", adapter.Malformed("$.request", string(TypeControlRequest), err)
	}
	return base.Subtype, "", nil
}
