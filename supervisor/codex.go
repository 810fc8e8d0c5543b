package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bazelment/yoloswe/agentd/adapter"
	"github.com/bazelment/yoloswe/agentd/adapter/codex"
	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/internal/agentproc"
	"github.com/bazelment/yoloswe/agentd/internal/jsonrpc"
	"github.com/bazelment/yoloswe/agentd/synth"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// codexServer is one app-server process shared by every codex session.
type codexServer struct {
	proc     *agentproc.Process
	conn     *jsonrpc.Conn
	router   *router
	logger   *slog.Logger
	exited   chan struct{}
	unrouted sync.Map // method -> struct{}, warned once each
}

func startCodex(ctx context.Context, spec agent.Spec, binary string, maxLine int, logger *slog.Logger) (*codexServer, error) {
	logger = logger.With("agent", string(agent.Codex))
	// The server outlives the request that started it.
	proc, err := agentproc.Start(context.Background(), agentproc.Config{
		Binary:  binary,
		Args:    spec.Args,
		Env:     spec.Env,
		Stdin:   true,
		Grace:   spec.Grace,
		MaxLine: maxLine,
	}, logger)
	if err != nil {
		return nil, spawnError(agent.Codex, err)
	}
	cs := &codexServer{
		proc:   proc,
		router: newRouter(logger),
		logger: logger,
		exited: make(chan struct{}),
	}
	cs.conn = jsonrpc.NewConn(proc, cs, logger)
	go cs.serve()

	ictx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	err = cs.conn.Call(ictx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: codex.ClientInfo{Name: clientName, Title: clientName, Version: Version},
	}, nil)
	if err == nil {
		err = cs.conn.Notify(codex.NotifyInitialized, nil)
	}
	if err != nil {
		if proc.Exited() {
			return nil, crashError(agent.Codex, proc, err)
		}
		proc.Terminate(0)
		return nil, fmt.Errorf("initializing codex app-server: %w", err)
	}
	return cs, nil
}

func (cs *codexServer) serve() {
	if err := cs.conn.Serve(cs.proc); err != nil {
		cs.logger.Warn("reading app-server output failed", "error", err)
	}
	<-cs.proc.Done()
	x := cs.proc.Exit()
	if !x.Terminated {
		cs.logger.Error("codex app-server exited", "code", x.Code)
	}
	cs.router.endAll(x)
	close(cs.exited)
}

// HandleNotification implements jsonrpc.Handler.
func (cs *codexServer) HandleNotification(method string, line []byte) {
	thread := codex.Route(line)
	if thread == "" {
		if _, seen := cs.unrouted.LoadOrStore(method, struct{}{}); !seen {
			cs.logger.Warn("ignoring notification without thread", "method", method)
		}
		return
	}
	cs.router.dispatch(thread, line)
}

// HandleRequest implements jsonrpc.Handler.
func (cs *codexServer) HandleRequest(id json.RawMessage, method string, line []byte) {
	thread := codex.Route(line)
	if thread == "" {
		cs.logger.Warn("refusing server request without thread", "method", method)
		if err := cs.conn.RespondError(id, jsonrpc.CodeMethodNotFound, "unsupported request "+method); err != nil {
			cs.logger.Warn("answering server request failed", "method", method, "error", err)
		}
		return
	}
	cs.router.dispatch(thread, line)
}

// HandleMalformed implements jsonrpc.Handler. The line goes to the thread
// it names when one can be recovered, else to every bound session.
func (cs *codexServer) HandleMalformed(err error, line []byte) {
	cs.logger.Warn("unparseable app-server output", "error", err, "bytes", len(line))
	cs.router.report(codex.Route(line), err, line)
}

func (cs *codexServer) stop()                 { cs.proc.Terminate(0) }
func (cs *codexServer) done() <-chan struct{} { return cs.exited }

// codexRuntime is one session's thread on the shared app-server.
type codexRuntime struct {
	unsupported
	ss      *session
	reg     *Registry
	share   *sharedServer
	srv     *codexServer
	adapter *codex.Adapter
	thread  string
	once    sync.Once
}

func openCodex(ctx context.Context, reg *Registry, ss *session, binary string) (*codexRuntime, error) {
	share, err := reg.acquire(ctx, agent.Codex, binary, func(ctx context.Context) (server, error) {
		return startCodex(ctx, ss.spec, binary, reg.maxLine, reg.logger)
	})
	if err != nil {
		return nil, err
	}
	srv := share.impl.(*codexServer)
	rt := &codexRuntime{
		unsupported: unsupported{kind: agent.Codex},
		ss:          ss,
		reg:         reg,
		share:       share,
		srv:         srv,
		adapter:     codex.New(ss.em, ss.logger),
	}
	if len(ss.req.Env) > 0 {
		ss.logger.Warn("per-session env is ignored by the shared codex server")
	}

	octx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	var raw json.RawMessage
	if ss.req.Resume != "" {
		err = srv.conn.Call(octx, codex.MethodThreadResume, codex.ThreadResumeParams{ThreadID: ss.req.Resume}, &raw)
	} else {
		err = srv.conn.Call(octx, codex.MethodThreadStart, codex.ThreadStartParams{
			Model: ss.req.Model,
			CWD:   ss.req.CWD,
		}, &raw)
	}
	var res codex.ThreadStartResult
	if err == nil {
		err = json.Unmarshal(raw, &res)
	}
	if err == nil && res.Thread.ID == "" {
		err = fmt.Errorf("codex returned no thread id")
	}
	if err != nil {
		reg.release(share)
		if srv.proc.Exited() {
			return nil, crashError(agent.Codex, srv.proc, err)
		}
		return nil, fmt.Errorf("opening codex thread: %w", err)
	}

	rt.thread = res.Thread.ID
	srv.router.bind(rt.thread, rt.feed, rt.report, rt.end, func() {
		if err := rt.adapter.ThreadOpened(res, raw); err != nil {
			ss.logger.Error("emitting session start failed", "error", err)
		}
	})
	return rt, nil
}

func (rt *codexRuntime) feed(line []byte) {
	if err := adapter.Feed(rt.adapter, rt.ss.em, line); err != nil {
		rt.ss.logger.Error("emitting event failed", "error", err)
	}
}

func (rt *codexRuntime) report(err error, raw []byte) { reportUnparsed(rt.ss, err, raw) }

func (rt *codexRuntime) end(x synth.Exit) {
	if err := rt.ss.em.Ended(x); err != nil {
		rt.ss.logger.Error("emitting session end failed", "error", err)
	}
}

func (rt *codexRuntime) deliver(ctx context.Context, prompt []universal.ContentPart, _ string) (bool, error) {
	input, err := codex.TurnInput(prompt)
	if err != nil {
		return false, err
	}
	err = rt.srv.conn.Call(ctx, codex.MethodTurnStart, codex.TurnStartParams{ThreadID: rt.thread, Input: input}, nil)
	if err != nil {
		return false, fmt.Errorf("starting codex turn: %w", err)
	}
	return true, nil
}

func (rt *codexRuntime) abort(ctx context.Context) error {
	turn := rt.adapter.CurrentTurn()
	if turn == "" {
		return nil
	}
	return rt.srv.conn.Call(ctx, codex.MethodTurnInterrupt, codex.TurnInterruptParams{ThreadID: rt.thread, TurnID: turn}, nil)
}

func (rt *codexRuntime) replyPermission(_ context.Context, id string, reply universal.PermissionReply) error {
	reqID, resp, err := rt.adapter.ReplyPermission(id, reply)
	if err != nil {
		return err
	}
	return rt.srv.conn.Respond(reqID, resp)
}

func (rt *codexRuntime) close() {
	rt.once.Do(func() {
		rt.srv.router.unbind(rt.thread)
		rt.reg.release(rt.share)
	})
}
