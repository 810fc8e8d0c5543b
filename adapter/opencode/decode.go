package opencode

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/bazelment/yoloswe/agentd/adapter"
)

// Decode parses the data of one SSE bus event.
func Decode(raw []byte) (adapter.Native, error) {
	env, err := adapter.Decode[Envelope](raw, "$", "")
	if err != nil {
		return adapter.Native{}, err
	}
	n := adapter.Native{Type: env.Type, Raw: json.RawMessage(raw)}
	props := env.Properties
	const loc = "$.properties"

	switch env.Type {
	case EventMessageUpdated:
		n.Value, err = adapter.Decode[MessageUpdated](props, loc, env.Type)
	case EventPartUpdated:
		var p PartUpdated
		p, err = adapter.Decode[PartUpdated](props, loc, env.Type)
		if err == nil && !knownPart(p.Part.Type) {
			return adapter.Native{}, adapter.Unknown("$.properties.part.type", p.Part.Type)
		}
		n.Value = p
	case EventSessionIdle:
		n.Value, err = adapter.Decode[SessionIdle](props, loc, env.Type)
	case EventSessionError:
		n.Value, err = adapter.Decode[SessionError](props, loc, env.Type)
	case EventPermissionUpdated, EventPermissionAsked:
		n.Value, err = adapter.Decode[PermissionRequest](props, loc, env.Type)
	case EventPermissionReplied:
		n.Value, err = adapter.Decode[PermissionReplied](props, loc, env.Type)
	case EventQuestionAsked:
		n.Value, err = adapter.Decode[QuestionAsked](props, loc, env.Type)
	case EventQuestionReplied, EventQuestionRejected:
		var q QuestionReplied
		q, err = adapter.Decode[QuestionReplied](props, loc, env.Type)
		q.Rejected = env.Type == EventQuestionRejected
		n.Value = q
	default:
		if informational[env.Type] {
			n.Value = Ignored{Type: env.Type}
			return n, nil
		}
		return adapter.Native{}, adapter.Unknown("$.type", env.Type)
	}
	if err != nil {
		return adapter.Native{}, err
	}
	return n, nil
}

func knownPart(t string) bool {
	switch t {
	case PartText, PartReasoning, PartTool, PartFile, PartStepStart, PartStepFinish,
		PartSnapshot, PartPatch, PartAgent, PartRetry, PartCompaction, PartSubtask:
		return true
	}
	return false
}

// Route extracts the opencode session an event belongs to, or "" for
// server-wide events.
func Route(raw []byte) string {
	for _, r := range gjson.GetManyBytes(raw,
		"properties.sessionID",
		"properties.info.sessionID",
		"properties.part.sessionID",
	) {
		if id := r.String(); id != "" {
			return id
		}
	}
	return ""
}
