package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bazelment/yoloswe/agentd/adapter"
	"github.com/bazelment/yoloswe/agentd/adapter/opencode"
	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/internal/agentproc"
	"github.com/bazelment/yoloswe/agentd/synth"
	"github.com/bazelment/yoloswe/agentd/universal"
)

var errUnparseableEvent = errors.New("opencode event is not a JSON object with a type")

var (
	healthInterval  = 100 * time.Millisecond
	streamReadyWait = 5 * time.Second
	resubscribeWait = 500 * time.Millisecond
)

// opencodeServer is one `opencode serve` instance, spawned or attached.
// The event bus is scoped per project directory, so the server keeps one
// subscription per directory in use.
type opencodeServer struct {
	ctx     context.Context
	proc    *agentproc.Process
	hc      *http.Client
	router  *router
	logger  *slog.Logger
	cancel  context.CancelFunc
	streams map[string]chan struct{}
	exited  chan struct{}
	base    string
	mu      sync.Mutex
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func startOpenCode(ctx context.Context, spec agent.Spec, binary, endpoint string, logger *slog.Logger) (*opencodeServer, error) {
	logger = logger.With("agent", string(agent.OpenCode))
	sctx, cancel := context.WithCancel(context.Background())
	oc := &opencodeServer{
		ctx:     sctx,
		cancel:  cancel,
		hc:      &http.Client{},
		router:  newRouter(logger),
		logger:  logger,
		streams: make(map[string]chan struct{}),
		exited:  make(chan struct{}),
		base:    endpoint,
	}

	if endpoint == "" {
		port, err := freePort()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("picking opencode port: %w", err)
		}
		args := append(append([]string(nil), spec.Args...), "--port", strconv.Itoa(port), "--hostname", "127.0.0.1")
		proc, err := agentproc.Start(sctx, agentproc.Config{
			Binary: binary,
			Args:   args,
			Env:    spec.Env,
			Grace:  spec.Grace,
		}, logger)
		if err != nil {
			cancel()
			return nil, spawnError(agent.OpenCode, err)
		}
		oc.proc = proc
		oc.base = "http://127.0.0.1:" + strconv.Itoa(port)
	}

	if err := oc.awaitHealthy(ctx); err != nil {
		oc.stop()
		return nil, err
	}
	go oc.run()
	return oc, nil
}

func (oc *opencodeServer) awaitHealthy(ctx context.Context) error {
	client := opencode.NewClient(oc.base, "", oc.hc)
	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	var procDone <-chan struct{}
	if oc.proc != nil {
		procDone = oc.proc.Done()
	}
	for {
		err := client.Health(ctx)
		if err == nil {
			return nil
		}
		if oc.proc == nil {
			return &AgentUnavailableError{Kind: agent.OpenCode, Cause: err}
		}
		select {
		case <-procDone:
			return crashError(agent.OpenCode, oc.proc, err)
		case <-ctx.Done():
			return fmt.Errorf("waiting for opencode server: %w", err)
		case <-time.After(healthInterval):
		}
	}
}

func (oc *opencodeServer) run() {
	x := synth.Exit{Terminated: true}
	if oc.proc != nil {
		select {
		case <-oc.proc.Done():
			x = oc.proc.Exit()
			if !x.Terminated {
				oc.logger.Error("opencode server exited", "code", x.Code)
			}
		case <-oc.ctx.Done():
			<-oc.proc.Done()
		}
	} else {
		<-oc.ctx.Done()
	}
	oc.cancel()
	oc.router.endAll(x)
	close(oc.exited)
}

// subscribe makes sure the bus of directory is being followed and waits
// until the subscription delivered its first event.
func (oc *opencodeServer) subscribe(ctx context.Context, directory string) {
	oc.mu.Lock()
	ready, ok := oc.streams[directory]
	if !ok {
		ready = make(chan struct{})
		oc.streams[directory] = ready
		go oc.follow(directory, ready)
	}
	oc.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
	case <-time.After(streamReadyWait):
		oc.logger.Warn("event stream not ready, continuing", "directory", directory)
	}
}

func (oc *opencodeServer) follow(directory string, ready chan struct{}) {
	client := opencode.NewClient(oc.base, directory, oc.hc)
	var once sync.Once
	for {
		err := client.Events(oc.ctx, func(data []byte) {
			once.Do(func() { close(ready) })
			if id := opencode.Route(data); id != "" {
				oc.router.dispatch(id, data)
				return
			}
			if !gjson.ValidBytes(data) || gjson.GetBytes(data, "type").String() == "" {
				oc.logger.Warn("unparseable event on opencode bus", "directory", directory, "bytes", len(data))
				oc.router.report("", errUnparseableEvent, data)
			}
		})
		if oc.ctx.Err() != nil {
			return
		}
		oc.logger.Warn("event stream closed, resubscribing", "directory", directory, "error", err)
		select {
		case <-oc.ctx.Done():
			return
		case <-time.After(resubscribeWait):
		}
	}
}

func (oc *opencodeServer) stop() {
	if oc.proc != nil {
		oc.proc.Terminate(0)
	}
	oc.cancel()
}

func (oc *opencodeServer) done() <-chan struct{} { return oc.exited }

// opencodeRuntime is one session on the shared opencode server.
type opencodeRuntime struct {
	ss      *session
	reg     *Registry
	share   *sharedServer
	srv     *opencodeServer
	client  *opencode.Client
	adapter *opencode.Adapter
	model   *opencode.ModelRef
	native  string
	once    sync.Once
}

func openOpenCode(ctx context.Context, reg *Registry, ss *session, binary string) (*opencodeRuntime, error) {
	endpoint := reg.Endpoint(agent.OpenCode)
	share, err := reg.acquire(ctx, agent.OpenCode, binary, func(ctx context.Context) (server, error) {
		return startOpenCode(ctx, ss.spec, binary, endpoint, reg.logger)
	})
	if err != nil {
		return nil, err
	}
	srv := share.impl.(*opencodeServer)
	if len(ss.req.Env) > 0 {
		ss.logger.Warn("per-session env is ignored by the shared opencode server")
	}
	srv.subscribe(ctx, ss.req.CWD)

	rt := &opencodeRuntime{
		ss:      ss,
		reg:     reg,
		share:   share,
		srv:     srv,
		client:  opencode.NewClient(srv.base, ss.req.CWD, srv.hc),
		adapter: opencode.New(ss.em, ss.logger),
		model:   opencode.ParseModel(ss.req.Model),
		native:  ss.req.Resume,
	}
	if rt.native == "" {
		octx, cancel := context.WithTimeout(ctx, openTimeout)
		defer cancel()
		created, err := rt.client.CreateSession(octx, ss.req.Title)
		if err == nil && created.ID == "" {
			err = errors.New("opencode returned no session id")
		}
		if err != nil {
			reg.release(share)
			return nil, fmt.Errorf("creating opencode session: %w", err)
		}
		rt.native = created.ID
	}
	if err := ss.em.BindNativeSession(rt.native); err != nil {
		reg.release(share)
		return nil, err
	}
	srv.router.bind(rt.native, rt.feed, rt.report, rt.end, nil)
	return rt, nil
}

func (rt *opencodeRuntime) feed(line []byte) {
	if err := adapter.Feed(rt.adapter, rt.ss.em, line); err != nil {
		rt.ss.logger.Error("emitting event failed", "error", err)
	}
}

func (rt *opencodeRuntime) report(err error, raw []byte) { reportUnparsed(rt.ss, err, raw) }

func (rt *opencodeRuntime) end(x synth.Exit) {
	if err := rt.ss.em.Ended(x); err != nil {
		rt.ss.logger.Error("emitting session end failed", "error", err)
	}
}

// deliver posts the message. The server answers when the reply is done;
// the turn itself ends on the bus's session.idle.
func (rt *opencodeRuntime) deliver(ctx context.Context, prompt []universal.ContentPart, turnID string) (bool, error) {
	parts, err := opencode.PromptParts(prompt)
	if err != nil {
		return false, err
	}
	if err := rt.ss.em.BeginTurn(turnID); err != nil {
		return false, err
	}
	if err := rt.client.Prompt(ctx, rt.native, rt.model, parts); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if ferr := rt.ss.em.FinishTurn(universal.TurnFailed); ferr != nil {
			rt.ss.logger.Error("closing failed turn", "error", ferr)
		}
		return false, fmt.Errorf("sending opencode message: %w", err)
	}
	return true, nil
}

func (rt *opencodeRuntime) abort(ctx context.Context) error {
	rt.adapter.MarkAborting()
	return rt.client.Abort(ctx, rt.native)
}

func (rt *opencodeRuntime) replyPermission(ctx context.Context, id string, reply universal.PermissionReply) error {
	word, err := rt.adapter.ReplyPermission(id, reply)
	if err != nil {
		return err
	}
	return rt.client.ReplyPermission(ctx, rt.native, id, word)
}

func (rt *opencodeRuntime) replyQuestion(ctx context.Context, id string, answers [][]string) error {
	if err := rt.adapter.ReplyQuestion(id, answers); err != nil {
		return err
	}
	return rt.client.ReplyQuestion(ctx, id, answers)
}

func (rt *opencodeRuntime) rejectQuestion(ctx context.Context, id string) error {
	if err := rt.adapter.RejectQuestion(id); err != nil {
		return err
	}
	return rt.client.RejectQuestion(ctx, id)
}

func (rt *opencodeRuntime) close() {
	rt.once.Do(func() {
		rt.srv.router.unbind(rt.native)
		rt.reg.release(rt.share)
	})
}
