// Package supervisor owns agent processes and routes session commands to
// them. It picks one of three concurrency models per agent kind:
// a fresh process per prompt, a shared multiplexed server, or a dedicated
// process per session.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bazelment/yoloswe/agentd/agent"
	"github.com/bazelment/yoloswe/agentd/synth"
	"github.com/bazelment/yoloswe/agentd/tracker"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// runtime is the per-session half of a concurrency model.
type runtime interface {
	// deliver sends one prompt. await reports whether the caller must
	// wait for the turn to end; a false await means the turn already
	// finished inside deliver.
	deliver(ctx context.Context, prompt []universal.ContentPart, turnID string) (await bool, err error)
	abort(ctx context.Context) error
	replyPermission(ctx context.Context, id string, reply universal.PermissionReply) error
	replyQuestion(ctx context.Context, id string, answers [][]string) error
	rejectQuestion(ctx context.Context, id string) error
	// close releases the session's process or server share. It returns
	// after any owned process has exited.
	close()
}

// CreateRequest are the init parameters of a session.
type CreateRequest struct {
	Env   map[string]string `json:"env,omitempty"`
	Agent agent.Kind        `json:"agent"`
	Model string            `json:"model,omitempty"`
	CWD   string            `json:"cwd,omitempty"`
	// Resume continues an existing native session or thread.
	Resume string `json:"resume,omitempty"`
	Title  string `json:"title,omitempty"`
}

// Created identifies a new session.
type Created struct {
	SessionID       string     `json:"session_id"`
	NativeSessionID string     `json:"native_session_id,omitempty"`
	Agent           agent.Kind `json:"agent"`
}

// AbortResult tells the caller whether a native cancel was sent. When
// Supported is false the running turn finishes on its own.
type AbortResult struct {
	Supported bool `json:"supported"`
}

// SessionInfo is a live session with its queue depth.
type SessionInfo struct {
	tracker.Info
	Model  string `json:"model,omitempty"`
	Queued int    `json:"queued"`
}

// Ack acknowledges a queued prompt.
type Ack struct {
	d         *delivery
	SessionID string `json:"session_id"`
	// Ahead is the number of prompts queued before this one.
	Ahead int `json:"ahead"`
}

// Wait blocks until the prompt's turn ended, delivery failed, or the
// session was terminated.
func (a Ack) Wait(ctx context.Context) error {
	if a.d == nil {
		return nil
	}
	select {
	case err := <-a.d.done:
		a.d.finish(err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxConcurrent bounds the number of per-message processes running at
// once across all sessions.
func WithMaxConcurrent(n int64) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithTrackerOptions passes options to the session tracker.
func WithTrackerOptions(opts ...tracker.Option) Option {
	return func(s *Supervisor) { s.trackerOpts = append(s.trackerOpts, opts...) }
}

// Supervisor routes session commands to agent processes.
type Supervisor struct {
	registry    *Registry
	tracker     *tracker.Tracker
	sink        tracker.Sink
	logger      *slog.Logger
	sem         *semaphore.Weighted
	sessions    map[string]*session
	trackerOpts []tracker.Option
	mu          sync.RWMutex
	closed      bool
}

// New returns a supervisor delivering every event to sink.
func New(reg *Registry, sink tracker.Sink, opts ...Option) *Supervisor {
	s := &Supervisor{
		registry: reg,
		sink:     sink,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		sem:      semaphore.NewWeighted(8),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tracker = tracker.New(tracker.SinkFunc(s.publish), append([]tracker.Option{tracker.WithLogger(s.logger)}, s.trackerOpts...)...)
	return s
}

// Registry returns the agent registry.
func (s *Supervisor) Registry() *Registry { return s.registry }

// session is one live session.
type session struct {
	ctx        context.Context
	rt         runtime
	em         *synth.Emitter
	ts         *tracker.Session
	queue      *queue
	idle       chan struct{}
	workerDone chan struct{}
	cancel     context.CancelFunc
	logger     *slog.Logger
	req        CreateRequest
	spec       agent.Spec
	maxLine    int
	turns      int
	mu         sync.Mutex
	dead       bool
}

func (ss *session) id() string { return ss.ts.ID() }

func (ss *session) signalIdle() {
	select {
	case ss.idle <- struct{}{}:
	default:
	}
}

func (ss *session) drainIdle() {
	select {
	case <-ss.idle:
	default:
	}
}

func (ss *session) markDead() {
	ss.mu.Lock()
	ss.dead = true
	ss.mu.Unlock()
	ss.queue.close(ErrSessionTerminated)
	ss.signalIdle()
}

func (ss *session) isDead() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.dead
}

func (ss *session) nextTurnID() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.turns++
	return "turn-" + strconv.Itoa(ss.turns)
}

// publish runs under the emitting session's lock. It forwards to the sink
// and wakes the session's worker at turn and session boundaries.
func (s *Supervisor) publish(ev universal.Event) {
	if s.sink != nil {
		s.sink.Publish(ev)
	}
	if ev.Type != universal.EventTurnEnded && ev.Type != universal.EventSessionEnded {
		return
	}
	s.mu.RLock()
	ss := s.sessions[ev.SessionID]
	s.mu.RUnlock()
	if ss == nil {
		return
	}
	if ev.Type == universal.EventSessionEnded {
		ss.markDead()
		return
	}
	ss.signalIdle()
}

// CreateSession starts a session on the agent named in req.
func (s *Supervisor) CreateSession(ctx context.Context, req CreateRequest) (Created, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return Created{}, ErrShutdown
	}

	spec, binary, err := s.registry.Resolve(ctx, req.Agent)
	if err != nil {
		return Created{}, err
	}

	ts := s.tracker.Open(req.Agent, "")
	logger := s.logger.With("session", ts.ID(), "agent", string(req.Agent))
	em := synth.New(ts, spec, synth.WithLogger(logger), synth.WithStartData(universal.SessionStartedData{
		Agent: string(req.Agent),
		Model: req.Model,
		CWD:   req.CWD,
	}))
	sctx, cancel := context.WithCancel(context.Background())
	ss := &session{
		ctx:        sctx,
		cancel:     cancel,
		em:         em,
		ts:         ts,
		queue:      newQueue(),
		idle:       make(chan struct{}, 1),
		workerDone: make(chan struct{}),
		logger:     logger,
		req:        req,
		spec:       spec,
		maxLine:    s.registry.maxLine,
	}
	s.mu.Lock()
	s.sessions[ts.ID()] = ss
	s.mu.Unlock()

	rt, err := s.openRuntime(ctx, ss, binary)
	if err != nil {
		cancel()
		s.mu.Lock()
		delete(s.sessions, ts.ID())
		s.mu.Unlock()
		s.tracker.Remove(ts.ID())
		logger.Warn("session open failed", "error", err)
		return Created{}, err
	}
	ss.rt = rt
	go s.work(ss)

	logger.Info("session created", "model", req.Model, "native_session_id", ts.NativeID())
	return Created{SessionID: ts.ID(), NativeSessionID: ts.NativeID(), Agent: req.Agent}, nil
}

func (s *Supervisor) openRuntime(ctx context.Context, ss *session, binary string) (runtime, error) {
	switch ss.spec.Model {
	case agent.PerMessage:
		return newPerMessage(ss, binary, s.sem)
	case agent.SharedServer:
		switch ss.spec.Kind {
		case agent.Codex:
			return openCodex(ctx, s.registry, ss, binary)
		case agent.OpenCode:
			return openOpenCode(ctx, s.registry, ss, binary)
		}
	case agent.Dedicated:
		if ss.spec.Kind == agent.Pi {
			return openPi(ctx, ss, binary)
		}
	}
	return nil, fmt.Errorf("%w: no %s runtime for %s", ErrUnsupported, ss.spec.Model, ss.spec.Kind)
}

// work delivers queued prompts one at a time.
func (s *Supervisor) work(ss *session) {
	defer close(ss.workerDone)
	for {
		d, err := ss.queue.pop(ss.ctx)
		if err != nil {
			return
		}
		ss.drainIdle()
		turnID := ss.nextTurnID()
		ss.logger.Debug("delivering prompt", "seq", d.seq, "turn", turnID)
		await, err := ss.rt.deliver(ss.ctx, d.prompt, turnID)
		if err == nil && await {
			err = ss.awaitIdle()
		}
		if err != nil && ss.isDead() {
			err = ErrSessionTerminated
		}
		if err != nil {
			ss.logger.Warn("prompt delivery failed", "seq", d.seq, "error", err)
		}
		d.finish(err)
	}
}

func (ss *session) awaitIdle() error {
	select {
	case <-ss.idle:
		if ss.isDead() {
			return ErrSessionTerminated
		}
		return nil
	case <-ss.ctx.Done():
		return ErrSessionTerminated
	}
}

func (s *Supervisor) get(id string) (*session, error) {
	s.mu.RLock()
	ss, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ss, nil
}

func (s *Supervisor) live(id string) (*session, error) {
	ss, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if ss.isDead() {
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminated, id)
	}
	return ss, nil
}

// SendPrompt queues a prompt. It returns as soon as the prompt is queued;
// results arrive on the event stream.
func (s *Supervisor) SendPrompt(ctx context.Context, id string, prompt []universal.ContentPart) (Ack, error) {
	if len(prompt) == 0 {
		return Ack{}, errors.New("empty prompt")
	}
	ss, err := s.live(id)
	if err != nil {
		return Ack{}, err
	}
	for _, p := range prompt {
		if p.Type == universal.PartImage && !ss.spec.Capabilities.Images {
			return Ack{}, fmt.Errorf("%w: %s does not accept images", ErrUnsupported, ss.spec.Kind)
		}
	}
	d, ahead, err := ss.queue.push(prompt)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %s", err, id)
	}
	return Ack{d: d, SessionID: id, Ahead: ahead}, nil
}

// Abort cancels the running turn when the agent supports it.
func (s *Supervisor) Abort(ctx context.Context, id string) (AbortResult, error) {
	ss, err := s.live(id)
	if err != nil {
		return AbortResult{}, err
	}
	if !ss.spec.Capabilities.Abort {
		return AbortResult{Supported: false}, nil
	}
	if !ss.em.TurnOpen() {
		return AbortResult{Supported: true}, nil
	}
	if err := ss.rt.abort(ctx); err != nil {
		return AbortResult{Supported: true}, err
	}
	return AbortResult{Supported: true}, nil
}

// ReplyPermission answers a pending permission request.
func (s *Supervisor) ReplyPermission(ctx context.Context, id, permissionID string, reply universal.PermissionReply) error {
	ss, err := s.live(id)
	if err != nil {
		return err
	}
	if !ss.spec.Capabilities.Permissions {
		return fmt.Errorf("%w: %s has no permission requests", ErrUnsupported, ss.spec.Kind)
	}
	return ss.rt.replyPermission(ctx, permissionID, reply)
}

// ReplyQuestion answers a pending question with one answer list per
// question.
func (s *Supervisor) ReplyQuestion(ctx context.Context, id, questionID string, answers [][]string) error {
	ss, err := s.live(id)
	if err != nil {
		return err
	}
	if !ss.spec.Capabilities.Questions {
		return fmt.Errorf("%w: %s has no questions", ErrUnsupported, ss.spec.Kind)
	}
	return ss.rt.replyQuestion(ctx, questionID, answers)
}

// RejectQuestion dismisses a pending question.
func (s *Supervisor) RejectQuestion(ctx context.Context, id, questionID string) error {
	ss, err := s.live(id)
	if err != nil {
		return err
	}
	if !ss.spec.Capabilities.Questions {
		return fmt.Errorf("%w: %s has no questions", ErrUnsupported, ss.spec.Kind)
	}
	return ss.rt.rejectQuestion(ctx, questionID)
}

// Terminate ends a session: queued prompts fail with ErrSessionTerminated,
// a dedicated process is stopped, a shared server share is released.
func (s *Supervisor) Terminate(ctx context.Context, id string) error {
	s.mu.Lock()
	ss, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	ss.markDead()
	ss.cancel()
	ss.rt.close()
	err := ss.em.Ended(synth.Exit{Terminated: true})

	select {
	case <-ss.workerDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.tracker.Remove(id)
	ss.logger.Info("session terminated")
	return err
}

// Sessions lists every session that has not been terminated.
func (s *Supervisor) Sessions() []SessionInfo {
	s.mu.RLock()
	list := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		list = append(list, ss)
	}
	s.mu.RUnlock()

	byID := make(map[string]*session, len(list))
	for _, ss := range list {
		byID[ss.id()] = ss
	}
	var out []SessionInfo
	for _, info := range s.tracker.Sessions() {
		ss, ok := byID[info.ID]
		if !ok {
			continue
		}
		out = append(out, SessionInfo{Info: info, Model: ss.req.Model, Queued: ss.queue.len()})
	}
	return out
}

// Shutdown terminates every session and closes the registry.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			err := s.Terminate(gctx, id)
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	return errors.Join(err, s.registry.Close())
}
