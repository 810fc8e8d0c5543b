package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bazelment/yoloswe/agentd/internal/ndjson"
)

// ErrClosed is returned for calls on a closed connection.
var ErrClosed = errors.New("jsonrpc: connection closed")

// Writer sends one JSON value as a line to the peer.
type Writer interface {
	WriteJSON(v any) error
}

// LineReader yields one message per call.
type LineReader interface {
	ReadLine() ([]byte, error)
}

// Handler receives peer-initiated traffic. Calls are made from the read
// loop in arrival order.
type Handler interface {
	HandleNotification(method string, line []byte)
	HandleRequest(id json.RawMessage, method string, line []byte)
	// HandleMalformed receives lines that are not JSON-RPC messages. For
	// lines over the read bound, err is a *ndjson.LineTooLongError and
	// line is its prefix.
	HandleMalformed(err error, line []byte)
}

type result struct {
	err  error
	resp Response
}

// Conn is one JSON-RPC peer.
type Conn struct {
	w       Writer
	handler Handler
	logger  *slog.Logger
	pending map[string]chan result
	done    chan struct{}
	err     error
	nextID  atomic.Int64
	mu      sync.Mutex
}

// NewConn wraps w. Incoming lines must be fed with Serve or Dispatch.
func NewConn(w Writer, h Handler, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		w:       w,
		handler: h,
		logger:  logger,
		pending: make(map[string]chan result),
		done:    make(chan struct{}),
	}
}

// Serve reads lines until r fails, then closes the connection with that
// error. io.EOF is returned as nil. Oversized lines are reported to the
// handler and skipped.
func (c *Conn) Serve(r LineReader) error {
	for {
		line, err := r.ReadLine()
		var tooLong *ndjson.LineTooLongError
		if errors.As(err, &tooLong) {
			c.logger.Warn("jsonrpc: line too long", "bytes", tooLong.Size)
			c.handler.HandleMalformed(err, tooLong.Prefix)
			continue
		}
		if err != nil {
			c.Close(err)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(line) == 0 {
			continue
		}
		c.Dispatch(line)
	}
}

// Dispatch routes one incoming line.
func (c *Conn) Dispatch(line []byte) {
	env, err := Parse(line)
	if err != nil {
		c.logger.Warn("jsonrpc: unparseable message", "error", err, "bytes", len(line))
		c.handler.HandleMalformed(err, line)
		return
	}
	switch env.Kind() {
	case KindRequest:
		c.handler.HandleRequest(env.ID, env.Method, line)
	case KindNotification:
		c.handler.HandleNotification(env.Method, line)
	case KindResponse:
		c.handleResponse(env.ID, line)
	default:
		c.handler.HandleMalformed(errors.New("jsonrpc: message has no method, result or error"), line)
	}
}

func (c *Conn) handleResponse(id json.RawMessage, line []byte) {
	var resp Response
	err := json.Unmarshal(line, &resp)

	c.mu.Lock()
	ch, ok := c.pending[IDString(id)]
	delete(c.pending, IDString(id))
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("jsonrpc: response for unknown call", "id", string(id))
		return
	}
	ch <- result{resp: resp, err: err}
}

// Call sends a request and waits for its response. result may be nil.
func (c *Conn) Call(ctx context.Context, method string, params, out any) error {
	n := c.nextID.Add(1)
	id := intID(n)
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	ch := make(chan result, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.pending[IDString(id)] = ch
	c.mu.Unlock()

	if err := c.w.WriteJSON(Request{JSONRPC: Version, ID: id, Method: method, Params: raw}); err != nil {
		c.forget(id)
		return err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if r.resp.Error != nil {
			return r.resp.Error
		}
		if out != nil && len(r.resp.Result) > 0 {
			return json.Unmarshal(r.resp.Result, out)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.done:
		return c.closeErr()
	}
}

func (c *Conn) forget(id json.RawMessage) {
	c.mu.Lock()
	delete(c.pending, IDString(id))
	c.mu.Unlock()
}

// Notify sends a notification.
func (c *Conn) Notify(method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = b
	}
	return c.w.WriteJSON(Notification{JSONRPC: Version, Method: method, Params: raw})
}

// Respond answers a peer request.
func (c *Conn) Respond(id json.RawMessage, res any) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.w.WriteJSON(Response{JSONRPC: Version, ID: id, Result: raw})
}

// RespondError answers a peer request with an error.
func (c *Conn) RespondError(id json.RawMessage, code int, message string) error {
	return c.w.WriteJSON(Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}})
}

// Close fails every outstanding call with err. Later calls fail
// immediately.
func (c *Conn) Close(err error) {
	if err == nil || errors.Is(err, io.EOF) {
		err = ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
