// Package adapter defines the contract every agent protocol adapter
// implements and the process-loop entry point that feeds raw native
// payloads through it.
package adapter

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bazelment/yoloswe/agentd/synth"
)

// Native is one decoded native event.
type Native struct {
	// Value is the typed decoded payload.
	Value any
	// Type is the native tag, for example "stream_event/content_block_delta".
	Type string
	Raw  json.RawMessage
}

// Decoder turns one raw native payload into a typed value.
type Decoder interface {
	Decode(raw []byte) (Native, error)
}

// Adapter maps native events onto universal operations for one session.
type Adapter interface {
	Decoder
	HandleNativeEvent(ev Native) error
}

// ParseError describes a native payload that matched no known shape.
type ParseError struct {
	Cause    error
	Location string
	Tag      string
}

func (e *ParseError) Error() string {
	msg := "unrecognized native payload"
	if e.Tag != "" {
		msg = fmt.Sprintf("unrecognized native payload %q", e.Tag)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Unknown builds the error for a tag the decoder does not recognize.
func Unknown(location, tag string) *ParseError {
	return &ParseError{Location: location, Tag: tag, Cause: errors.New("unknown type")}
}

// Malformed builds the error for a payload that failed to decode.
func Malformed(location, tag string, cause error) *ParseError {
	return &ParseError{Location: location, Tag: tag, Cause: cause}
}

// Feed decodes raw, hands it to the adapter, and reports any decode or
// mapping failure as exactly one agent.unparsed event. It never returns an
// error for bad input so process loops keep running; the returned error is
// only set when the event could not be emitted at all.
func Feed(a Adapter, em *synth.Emitter, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	ev, err := a.Decode(raw)
	if err == nil {
		err = a.HandleNativeEvent(ev)
	}
	if err == nil {
		return nil
	}
	loc := "payload"
	var pe *ParseError
	if errors.As(err, &pe) && pe.Location != "" {
		loc = pe.Location
	}
	return em.Unparsed(err, loc, raw)
}

// Peek decodes the discriminator fields shared by most native payloads.
func Peek(raw []byte) (typ, subtype string, err error) {
	var base struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return "", "", Malformed("$", "", err)
	}
	return base.Type, base.Subtype, nil
}

// Decode unmarshals raw into a fresh T, tagging failures with location.
func Decode[T any](raw []byte, location, tag string) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, Malformed(location, tag, err)
	}
	return v, nil
}

// JSONString renders a value as compact JSON text, or "" for nil.
func JSONString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case json.RawMessage:
		return string(t)
	case string:
		return t
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
