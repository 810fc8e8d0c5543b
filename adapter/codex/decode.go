package codex

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bazelment/yoloswe/agentd/adapter"
	"github.com/bazelment/yoloswe/agentd/internal/jsonrpc"
)

// TurnStarted is a decoded turn/started notification.
type TurnStarted TurnNotification

// TurnCompleted is a decoded turn/completed notification.
type TurnCompleted TurnNotification

// ItemStarted is a decoded item/started notification.
type ItemStarted ItemNotification

// ItemCompleted is a decoded item/completed notification.
type ItemCompleted ItemNotification

// Delta is any item delta notification.
type Delta struct {
	Method string
	DeltaNotification
}

// Approval is a decoded approval server request.
type Approval struct {
	ID     json.RawMessage
	Method string
	Params ApprovalRequest
}

// Ignored is a known notification that carries nothing to forward.
type Ignored struct {
	Method string
}

// Decode parses one JSON-RPC message from the app-server. Responses to the
// daemon's own calls never reach the decoder.
func Decode(raw []byte) (adapter.Native, error) {
	env, err := jsonrpc.Parse(raw)
	if err != nil {
		return adapter.Native{}, adapter.Malformed("$", "", err)
	}
	n := adapter.Native{Type: env.Method, Raw: json.RawMessage(raw)}

	switch env.Kind() {
	case jsonrpc.KindRequest:
		switch env.Method {
		case RequestCommandApproval, RequestFileChangeApproval:
			p, err := adapter.Decode[ApprovalRequest](env.Params, "$.params", env.Method)
			if err != nil {
				return adapter.Native{}, err
			}
			n.Value = Approval{ID: env.ID, Method: env.Method, Params: p}
			return n, nil
		}
		return adapter.Native{}, adapter.Unknown("$.method", env.Method)
	case jsonrpc.KindNotification:
	default:
		return adapter.Native{}, adapter.Unknown("$", "")
	}

	switch env.Method {
	case NotifyThreadStarted:
		n.Value, err = adapter.Decode[ThreadStartedNotification](env.Params, "$.params", env.Method)
	case NotifyTurnStarted, NotifyTurnCompleted:
		var t TurnNotification
		t, err = adapter.Decode[TurnNotification](env.Params, "$.params", env.Method)
		if env.Method == NotifyTurnStarted {
			n.Value = TurnStarted(t)
		} else {
			n.Value = TurnCompleted(t)
		}
	case NotifyItemStarted, NotifyItemCompleted:
		var it ItemNotification
		it, err = adapter.Decode[ItemNotification](env.Params, "$.params", env.Method)
		if err == nil && !knownItemType(it.Item.Type) {
			return adapter.Native{}, adapter.Unknown("$.params.item.type", it.Item.Type)
		}
		if env.Method == NotifyItemStarted {
			n.Value = ItemStarted(it)
		} else {
			n.Value = ItemCompleted(it)
		}
	case NotifyAgentMessageDelta, NotifyReasoningTextDelta, NotifyReasoningSummary,
		NotifyCommandOutputDelta, NotifyFileChangeDelta:
		var d DeltaNotification
		d, err = adapter.Decode[DeltaNotification](env.Params, "$.params", env.Method)
		n.Value = Delta{Method: env.Method, DeltaNotification: d}
	case NotifyTokenUsageUpdated:
		n.Value, err = adapter.Decode[TokenUsageNotification](env.Params, "$.params", env.Method)
	case NotifyError:
		n.Value, err = adapter.Decode[ErrorNotification](env.Params, "$.params", env.Method)
	default:
		if informational[env.Method] || strings.HasPrefix(env.Method, legacyEventPrefix) {
			n.Value = Ignored{Method: env.Method}
			return n, nil
		}
		return adapter.Native{}, adapter.Unknown("$.method", env.Method)
	}
	if err != nil {
		return adapter.Native{}, err
	}
	return n, nil
}

// Route extracts the thread a message belongs to, or "" when it is not
// thread scoped.
func Route(raw []byte) string {
	r := gjson.GetManyBytes(raw, "params.threadId", "params.thread.id")
	if id := r[0].String(); id != "" {
		return id
	}
	return r[1].String()
}
