package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/universal"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminated is returned for commands to a session that was
	// terminated or whose process died, and fails prompts still queued.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrUnsupported is returned when the agent has no native form of a
	// command.
	ErrUnsupported = errors.New("operation not supported by agent")
	// ErrShutdown is returned once the supervisor is shutting down.
	ErrShutdown = errors.New("supervisor shut down")
)

// AgentUnavailableError is returned when the agent binary is missing and
// could not be installed.
type AgentUnavailableError struct {
	Cause error
	Kind  agent.Kind
}

func (e *AgentUnavailableError) Error() string {
	return fmt.Sprintf("agent %s unavailable: %v", e.Kind, e.Cause)
}

func (e *AgentUnavailableError) Unwrap() error { return e.Cause }

// AgentCrashedError is returned when the backing process exited before it
// accepted the session-open command.
type AgentCrashedError struct {
	Cause    error
	ExitCode *int
	Stderr   *universal.StderrOutput
	Kind     agent.Kind
}

func (e *AgentCrashedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "agent %s exited before opening the session", e.Kind)
	if e.ExitCode != nil {
		fmt.Fprintf(&b, " (exit code %d)", *e.ExitCode)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if e.Stderr != nil && len(e.Stderr.Tail)+len(e.Stderr.Head) > 0 {
		lines := e.Stderr.Tail
		if len(lines) == 0 {
			lines = e.Stderr.Head
		}
		fmt.Fprintf(&b, ": %s", lines[len(lines)-1])
	}
	return b.String()
}

func (e *AgentCrashedError) Unwrap() error { return e.Cause }
