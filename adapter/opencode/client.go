package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bazelment/yoloswe/agentd/internal/sse"
)

// InputPart is one part of a prompt body.
type InputPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Mime     string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ModelRef selects a provider model for a prompt.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// ParseModel splits "provider/model". A bare name yields nil.
func ParseModel(s string) *ModelRef {
	provider, model, ok := strings.Cut(s, "/")
	if !ok || provider == "" || model == "" {
		return nil
	}
	return &ModelRef{ProviderID: provider, ModelID: model}
}

type promptRequest struct {
	Model *ModelRef   `json:"model,omitempty"`
	Parts []InputPart `json:"parts"`
}

// Session is the server's session record.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// APIError is a non-2xx response.
type APIError struct {
	Method string
	Path   string
	Body   string
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("opencode %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client talks to one `opencode serve` instance.
type Client struct {
	httpClient *http.Client
	base       string
	directory  string
}

// NewClient returns a client for the server at base. directory scopes
// requests to a project; empty uses the server's working directory.
func NewClient(base, directory string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{httpClient: hc, base: strings.TrimSuffix(base, "/"), directory: directory}
}

func (c *Client) url(path string) string {
	u := c.base + path
	if c.directory != "" {
		u += "?directory=" + url.QueryEscape(c.directory)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/session", nil, nil)
}

// CreateSession creates a session.
func (c *Client) CreateSession(ctx context.Context, title string) (Session, error) {
	var s Session
	in := map[string]string{}
	if title != "" {
		in["title"] = title
	}
	err := c.do(ctx, http.MethodPost, "/session", in, &s)
	return s, err
}

// Prompt sends a message. The server answers once the assistant reply is
// finished; progress arrives on the event stream meanwhile.
func (c *Client) Prompt(ctx context.Context, sessionID string, model *ModelRef, parts []InputPart) error {
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message",
		promptRequest{Model: model, Parts: parts}, nil)
}

// Abort cancels the running reply.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil, nil)
}

// ReplyPermission answers a permission request with once, always or reject.
func (c *Client) ReplyPermission(ctx context.Context, sessionID, permissionID, response string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/permissions/" + url.PathEscape(permissionID)
	return c.do(ctx, http.MethodPost, path, map[string]string{"response": response}, nil)
}

// ReplyQuestion answers a question request.
func (c *Client) ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error {
	return c.do(ctx, http.MethodPost, "/question/"+url.PathEscape(requestID)+"/reply",
		map[string]any{"answers": answers}, nil)
}

// RejectQuestion dismisses a question request.
func (c *Client) RejectQuestion(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodPost, "/question/"+url.PathEscape(requestID)+"/reject", nil, nil)
}

// Events subscribes to the bus and calls fn with the data of every event
// until ctx is done or the stream ends.
func (c *Client) Events(ctx context.Context, fn func(data []byte)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/event"), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: http.MethodGet, Path: "/event", Status: resp.StatusCode, Body: string(body)}
	}

	r := sse.NewReader(resp.Body)
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading events: %w", err)
		}
		fn([]byte(ev.Data))
	}
}
