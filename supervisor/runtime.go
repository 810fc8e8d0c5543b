package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/internal/agentproc"
	"github.com/bazelment/yoloswe/agentd/internal/ndjson"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// Version is reported to agents that ask for a client version.
var Version = "dev"

const clientName = "agentd"

// openTimeout bounds how long an agent may take to accept a session.
var openTimeout = 30 * time.Second

func mergeEnv(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// reportUnparsed emits agent.unparsed for output that never reached an
// adapter: lines over the read bound and malformed shared-server traffic.
func reportUnparsed(ss *session, err error, raw []byte) {
	var (
		tooLong *ndjson.LineTooLongError
		emitErr error
	)
	if errors.As(err, &tooLong) {
		emitErr = ss.em.Oversized(err, tooLong.Prefix, tooLong.Size)
	} else {
		emitErr = ss.em.Unparsed(err, "$", raw)
	}
	if emitErr != nil {
		ss.logger.Error("emitting unparsed event failed", "error", emitErr)
	}
}

// spawnError maps a start failure onto the supervisor's error types.
func spawnError(kind agent.Kind, err error) error {
	var nf *agentproc.CLINotFoundError
	if errors.As(err, &nf) {
		return &AgentUnavailableError{Kind: kind, Cause: err}
	}
	return err
}

// crashError explains why a process failed to open a session. It waits a
// moment for the exit status when the process is on its way out.
func crashError(kind agent.Kind, proc *agentproc.Process, cause error) error {
	select {
	case <-proc.Done():
	case <-time.After(time.Second):
		return cause
	}
	x := proc.Exit()
	return &AgentCrashedError{
		Kind:     kind,
		Cause:    cause,
		ExitCode: x.Code,
		Stderr:   proc.Stderr().Output(),
	}
}

// unsupported is embedded by runtimes lacking HITL commands.
type unsupported struct {
	kind agent.Kind
}

func (u unsupported) replyPermission(context.Context, string, universal.PermissionReply) error {
	return fmt.Errorf("%w: %s has no permission requests", ErrUnsupported, u.kind)
}

func (u unsupported) replyQuestion(context.Context, string, [][]string) error {
	return fmt.Errorf("%w: %s has no questions", ErrUnsupported, u.kind)
}

func (u unsupported) rejectQuestion(context.Context, string) error {
	return fmt.Errorf("%w: %s has no questions", ErrUnsupported, u.kind)
}
