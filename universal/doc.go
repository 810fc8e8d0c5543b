// Package universal defines the normalized session/event schema that every
// agent protocol is translated into.
//
// An Event is an immutable envelope carrying a per-session, gap-free
// sequence number and a typed payload. Items (messages, tool calls, tool
// results) are opened by item.started, refined by item.delta and closed by
// exactly one item.completed.
package universal
