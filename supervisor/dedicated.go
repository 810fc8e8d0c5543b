package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bazelment/yoloswe/agentd/adapter"
	"github.com/bazelment/yoloswe/agentd/adapter/pi"
	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/internal/agentproc"
	"github.com/bazelment/yoloswe/agentd/internal/ndjson"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// piRuntime owns one pi process for the life of the session.
type piRuntime struct {
	unsupported
	ss      *session
	proc    *agentproc.Process
	adapter *pi.Adapter
	opened  chan struct{}
	exited  chan struct{}
	ready   atomic.Bool
}

func openPi(ctx context.Context, ss *session, binary string) (*piRuntime, error) {
	spec, req := ss.spec, ss.req
	args := append([]string(nil), spec.Args...)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Resume != "" {
		args = append(args, "--session", req.Resume)
	}
	proc, err := agentproc.Start(ss.ctx, agentproc.Config{
		Binary:  binary,
		Args:    args,
		Env:     mergeEnv(spec.Env, req.Env),
		Dir:     req.CWD,
		Stdin:   true,
		Grace:   spec.Grace,
		MaxLine: ss.maxLine,
	}, ss.logger)
	if err != nil {
		return nil, spawnError(agent.Pi, err)
	}
	rt := &piRuntime{
		unsupported: unsupported{kind: agent.Pi},
		ss:          ss,
		proc:        proc,
		adapter:     pi.New(ss.em, ss.logger),
		opened:      make(chan struct{}),
		exited:      make(chan struct{}),
	}
	go rt.read()

	if err := proc.WriteJSON(rt.adapter.StateCommand()); err != nil {
		proc.Terminate(0)
		return nil, crashError(agent.Pi, proc, err)
	}
	timer := time.NewTimer(openTimeout)
	defer timer.Stop()
	select {
	case <-rt.opened:
		return rt, nil
	case <-rt.exited:
		return nil, crashError(agent.Pi, proc, errors.New("no get_state response"))
	case <-ctx.Done():
		proc.Terminate(0)
		return nil, ctx.Err()
	case <-timer.C:
		proc.Terminate(0)
		return nil, fmt.Errorf("pi did not answer get_state within %s", openTimeout)
	}
}

// read feeds stdout to the adapter until the process exits, then ends the
// session. The session-open response flips the runtime to ready.
func (rt *piRuntime) read() {
	defer close(rt.exited)
	for {
		line, err := rt.proc.ReadLine()
		if errors.Is(err, ndjson.ErrLineTooLong) {
			reportUnparsed(rt.ss, err, nil)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				rt.ss.logger.Warn("reading pi output failed", "error", err)
			}
			break
		}
		if err := adapter.Feed(rt.adapter, rt.ss.em, line); err != nil {
			rt.ss.logger.Error("emitting event failed", "error", err)
		}
		if !rt.ready.Load() && isStateResponse(line) {
			rt.ready.Store(true)
			close(rt.opened)
		}
	}
	<-rt.proc.Done()
	if !rt.ready.Load() {
		return
	}
	if err := rt.ss.em.Ended(rt.proc.Exit()); err != nil {
		rt.ss.logger.Error("emitting session end failed", "error", err)
	}
}

func isStateResponse(line []byte) bool {
	r := gjson.GetManyBytes(line, "type", "command")
	return r[0].String() == pi.TypeResponse && r[1].String() == pi.CommandGetState
}

func (rt *piRuntime) deliver(_ context.Context, prompt []universal.ContentPart, turnID string) (bool, error) {
	cmd, err := rt.adapter.PromptCommand(prompt)
	if err != nil {
		return false, err
	}
	rt.adapter.Prompted(turnID)
	if err := rt.proc.WriteJSON(cmd); err != nil {
		return false, fmt.Errorf("writing pi prompt: %w", err)
	}
	return true, nil
}

func (rt *piRuntime) abort(context.Context) error {
	rt.adapter.MarkAborting()
	return rt.proc.WriteJSON(rt.adapter.AbortCommand())
}

func (rt *piRuntime) close() {
	rt.proc.Terminate(0)
	<-rt.exited
}
