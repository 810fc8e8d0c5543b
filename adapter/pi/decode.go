package pi

import (
	"encoding/json"

	"github.com/bazelment/yoloswe/agentd/adapter"
)

// Decode parses one stdout line.
func Decode(raw []byte) (adapter.Native, error) {
	typ, _, err := adapter.Peek(raw)
	if err != nil {
		return adapter.Native{}, err
	}
	n := adapter.Native{Type: typ, Raw: json.RawMessage(raw)}
	switch typ {
	case TypeResponse:
		n.Value, err = adapter.Decode[Response](raw, "$", typ)
	case TypeAgentStart:
		n.Value = AgentStart{}
	case TypeAgentEnd:
		n.Value, err = adapter.Decode[AgentEnd](raw, "$", typ)
	case TypeMessageStart:
		n.Value, err = adapter.Decode[MessageStart](raw, "$.message", typ)
	case TypeMessageUpdate:
		var u MessageUpdate
		u, err = adapter.Decode[MessageUpdate](raw, "$.message", typ)
		if err == nil && !knownStream[u.AssistantMessageEvent.Type] {
			return adapter.Native{}, adapter.Unknown("$.assistantMessageEvent.type", u.AssistantMessageEvent.Type)
		}
		n.Value = u
	case TypeMessageEnd:
		n.Value, err = adapter.Decode[MessageEnd](raw, "$.message", typ)
	case TypeToolExecutionStart:
		var x ToolExecution
		x, err = adapter.Decode[ToolExecution](raw, "$", typ)
		n.Value = ToolStart(x)
	case TypeToolExecutionUpdate:
		var x ToolExecution
		x, err = adapter.Decode[ToolExecution](raw, "$", typ)
		n.Value = ToolUpdate(x)
	case TypeToolExecutionEnd:
		var x ToolExecution
		x, err = adapter.Decode[ToolExecution](raw, "$", typ)
		n.Value = ToolEnd(x)
	case TypeHookError:
		n.Value, err = adapter.Decode[HookError](raw, "$", typ)
	default:
		if ignored[typ] {
			n.Value = Ignored{Type: typ}
			return n, nil
		}
		return adapter.Native{}, adapter.Unknown("$.type", typ)
	}
	if err != nil {
		return adapter.Native{}, err
	}
	return n, nil
}
