package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	"github.com/bazelment/yoloswe/agentd/adapter"
	"github.com/bazelment/yoloswe/agentd/adapter/amp"
	"github.com/bazelment/yoloswe/agentd/adapter/claude"
	"github.com/bazelment/yoloswe/agentd/adapter/streamjson"
	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/internal/agentproc"
	"github.com/bazelment/yoloswe/agentd/internal/ndjson"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// perMessage runs one process per prompt, resuming the native session.
type perMessage struct {
	adapter adapter.Adapter
	ss      *session
	sem     *semaphore.Weighted
	mapper  *streamjson.Mapper
	proc    *agentproc.Process
	binary  string
	reqSeq  int
	mu      sync.Mutex
	aborted bool
}

func newPerMessage(ss *session, binary string, sem *semaphore.Weighted) (*perMessage, error) {
	pm := &perMessage{ss: ss, sem: sem, binary: binary}
	switch ss.spec.Kind {
	case agent.Claude:
		a := claude.New(ss.em, ss.logger)
		pm.adapter, pm.mapper = a, a.Mapper
	case agent.Amp:
		a := amp.New(ss.em, ss.logger)
		pm.adapter, pm.mapper = a, a.Mapper
	default:
		return nil, fmt.Errorf("%w: %s is not a per-message agent", ErrUnsupported, ss.spec.Kind)
	}
	if ss.req.Resume != "" {
		if err := ss.em.BindNativeSession(ss.req.Resume); err != nil {
			return nil, err
		}
	}
	return pm, nil
}

func (pm *perMessage) current() *agentproc.Process {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.proc
}

func (pm *perMessage) command(prompt []universal.ContentPart) (args []string, stdin []byte, err error) {
	spec, req := pm.ss.spec, pm.ss.req
	native := pm.ss.ts.NativeID()
	switch spec.Kind {
	case agent.Claude:
		args = claude.BuildArgs(spec, native)
		stdin, err = claude.PromptLine(prompt)
	case agent.Amp:
		args = amp.BuildArgs(spec, native, prompt)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return args, stdin, err
}

func (pm *perMessage) deliver(ctx context.Context, prompt []universal.ContentPart, turnID string) (bool, error) {
	args, stdin, err := pm.command(prompt)
	if err != nil {
		return false, err
	}
	if err := pm.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer pm.sem.Release(1)

	spec := pm.ss.spec
	proc, err := agentproc.Start(ctx, agentproc.Config{
		Binary:  pm.binary,
		Args:    args,
		Env:     mergeEnv(spec.Env, pm.ss.req.Env),
		Dir:     pm.ss.req.CWD,
		Stdin:   stdin != nil,
		Grace:   spec.Grace,
		MaxLine: pm.ss.maxLine,
	}, pm.ss.logger)
	if err != nil {
		return false, spawnError(spec.Kind, err)
	}
	pm.mu.Lock()
	pm.proc, pm.aborted = proc, false
	pm.mu.Unlock()
	defer func() {
		pm.mu.Lock()
		pm.proc = nil
		pm.mu.Unlock()
	}()

	pm.mapper.Prompted(turnID)
	if stdin != nil {
		if err := proc.WriteLine(stdin); err != nil {
			pm.ss.logger.Warn("writing prompt failed", "error", err)
		}
	}

	for {
		line, err := proc.ReadLine()
		if errors.Is(err, ndjson.ErrLineTooLong) {
			reportUnparsed(pm.ss, err, nil)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				pm.ss.logger.Warn("reading agent output failed", "error", err)
			}
			break
		}
		if err := adapter.Feed(pm.adapter, pm.ss.em, line); err != nil {
			pm.ss.logger.Error("emitting event failed", "error", err)
		}
		// stream-json input keeps the process alive until stdin closes.
		if gjson.GetBytes(line, "type").String() == "result" {
			_ = proc.CloseStdin()
		}
	}
	<-proc.Done()
	return false, pm.finish(proc)
}

// finish settles the turn after the process exited.
func (pm *perMessage) finish(proc *agentproc.Process) error {
	x := proc.Exit()
	pm.mu.Lock()
	aborted := pm.aborted
	pm.mu.Unlock()

	em := pm.ss.em
	switch {
	case x.Terminated || aborted:
		return em.FinishTurn(universal.TurnAborted)
	case x.Code != nil && *x.Code == 0 && x.Err == nil:
		if em.TurnOpen() {
			pm.ss.logger.Warn("agent exited without a result")
		}
		return em.FinishTurn(universal.TurnFailed)
	}
	if err := em.Ended(x); err != nil {
		return err
	}
	if x.Code != nil {
		return fmt.Errorf("%s exited with code %d", pm.ss.spec.Kind, *x.Code)
	}
	return fmt.Errorf("%s exited: %v", pm.ss.spec.Kind, x.Err)
}

func (pm *perMessage) abort(ctx context.Context) error {
	proc := pm.current()
	if proc == nil {
		return nil
	}
	pm.mapper.MarkAborting()
	if pm.ss.spec.Kind == agent.Claude {
		pm.mu.Lock()
		pm.reqSeq++
		id := fmt.Sprintf("interrupt-%d", pm.reqSeq)
		pm.mu.Unlock()
		line, err := pm.mapper.Interrupt(id)
		if err != nil {
			return err
		}
		if err := proc.WriteLine(line); err == nil {
			return nil
		}
	}
	// No control channel: stop the process and close the turn as aborted.
	pm.mu.Lock()
	pm.aborted = true
	pm.mu.Unlock()
	go proc.Terminate(0)
	return nil
}

func (pm *perMessage) write(build func() ([]byte, error)) error {
	proc := pm.current()
	if proc == nil {
		return fmt.Errorf("%w: no prompt is running", ErrUnsupported)
	}
	line, err := build()
	if err != nil {
		return err
	}
	return proc.WriteLine(line)
}

func (pm *perMessage) replyPermission(_ context.Context, id string, reply universal.PermissionReply) error {
	return pm.write(func() ([]byte, error) { return pm.mapper.ReplyPermission(id, reply) })
}

func (pm *perMessage) replyQuestion(_ context.Context, id string, answers [][]string) error {
	return pm.write(func() ([]byte, error) { return pm.mapper.ReplyQuestion(id, answers) })
}

func (pm *perMessage) rejectQuestion(_ context.Context, id string) error {
	return pm.write(func() ([]byte, error) { return pm.mapper.RejectQuestion(id) })
}

func (pm *perMessage) close() {
	if proc := pm.current(); proc != nil {
		proc.Terminate(0)
	}
}
