// Package jsonrpc is a minimal JSON-RPC 2.0 peer over a newline-delimited
// stream. It correlates responses with outstanding calls and hands
// notifications and peer-initiated requests to a Handler.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the protocol version sent on every message.
const Version = "2.0"

// Request is an outgoing call or an incoming peer request.
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response answers a Request.
type Response struct {
	Error   *Error          `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Notification is a request without an id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Envelope holds the discriminating fields of any message.
type Envelope struct {
	Method string          `json:"method,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Kind classifies a message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

// Kind reports what the envelope is.
func (e Envelope) Kind() Kind {
	hasID := len(e.ID) > 0 && string(e.ID) != "null"
	switch {
	case e.Method != "" && hasID:
		return KindRequest
	case e.Method != "":
		return KindNotification
	case hasID:
		return KindResponse
	}
	return KindInvalid
}

// Parse decodes the envelope of one message.
func Parse(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return env, err
	}
	return env, nil
}

// IDString renders an id as a stable string key. Numeric and string ids
// with the same text map to different keys.
func IDString(id json.RawMessage) string {
	return string(id)
}

func intID(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}
