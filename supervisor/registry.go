package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/bazelment/yoloswe/agentd/agent"
)

// server is a long-lived process shared by many sessions of one kind.
type server interface {
	// stop shuts the server down and waits for it to exit.
	stop()
	// done is closed when the server exits for any reason.
	done() <-chan struct{}
}

// sharedServer is the registry's reference-counted handle on a server.
type sharedServer struct {
	impl   server
	kind   agent.Kind
	binary string
	refs   int
	stale  bool
}

// ServerInfo describes a live shared server.
type ServerInfo struct {
	Kind     agent.Kind `json:"agent"`
	Binary   string     `json:"binary"`
	Sessions int        `json:"sessions"`
	Stale    bool       `json:"stale"`
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithInstaller sets how missing binaries are resolved.
func WithInstaller(i Installer) RegistryOption {
	return func(r *Registry) { r.installer = i }
}

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMaxLine bounds one line of agent stdout. Longer lines are skipped and
// reported as agent.unparsed.
func WithMaxLine(n int) RegistryOption {
	return func(r *Registry) { r.maxLine = n }
}

// WithEndpoint attaches a kind to an already running server instead of
// spawning one. Only opencode supports this.
func WithEndpoint(kind agent.Kind, url string) RegistryOption {
	return func(r *Registry) { r.endpoints[kind] = url }
}

// Registry holds the agent catalogue and the live shared servers. It is
// created at daemon start and closed at daemon stop.
type Registry struct {
	installer Installer
	watcher   *fsnotify.Watcher
	logger    *slog.Logger
	specs     map[agent.Kind]agent.Spec
	endpoints map[agent.Kind]string
	servers   map[agent.Kind]*sharedServer
	starting  map[agent.Kind]*sync.Mutex
	watched   map[string]bool
	done      chan struct{}
	maxLine   int
	mu        sync.Mutex
	closed    bool
}

// NewRegistry returns a registry over specs.
func NewRegistry(specs map[agent.Kind]agent.Spec, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		installer: PathInstaller{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		specs:     make(map[agent.Kind]agent.Spec, len(specs)),
		endpoints: make(map[agent.Kind]string),
		servers:   make(map[agent.Kind]*sharedServer),
		starting:  make(map[agent.Kind]*sync.Mutex),
		watched:   make(map[string]bool),
		done:      make(chan struct{}),
	}
	for k, s := range specs {
		r.specs[k] = s
	}
	for _, opt := range opts {
		opt(r)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating binary watcher: %w", err)
	}
	r.watcher = w
	go r.watch()
	return r, nil
}

// Spec returns the spec for kind.
func (r *Registry) Spec(kind agent.Kind) (agent.Spec, bool) {
	s, ok := r.specs[kind]
	return s, ok
}

// Specs returns every configured spec ordered by kind.
func (r *Registry) Specs() []agent.Spec {
	return agent.SortedSpecs(r.specs)
}

// Endpoint returns the external server configured for kind, if any.
func (r *Registry) Endpoint(kind agent.Kind) string {
	return r.endpoints[kind]
}

// Resolve returns the spec and executable path for kind. It may install
// the binary and honors ctx; no session lock is held while it runs.
func (r *Registry) Resolve(ctx context.Context, kind agent.Kind) (agent.Spec, string, error) {
	spec, ok := r.specs[kind]
	if !ok {
		return agent.Spec{}, "", &AgentUnavailableError{Kind: kind, Cause: fmt.Errorf("no spec configured")}
	}
	if r.endpoints[kind] != "" {
		return spec, "", nil
	}
	path, err := r.installer.Ensure(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return agent.Spec{}, "", ctx.Err()
		}
		return agent.Spec{}, "", &AgentUnavailableError{Kind: kind, Cause: err}
	}
	return spec, path, nil
}

func (r *Registry) startLock(kind agent.Kind) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.starting[kind]
	if !ok {
		m = &sync.Mutex{}
		r.starting[kind] = m
	}
	return m
}

// acquire returns the live server for kind with one more reference,
// starting it with start when there is none or the current one is stale.
func (r *Registry) acquire(ctx context.Context, kind agent.Kind, binary string, start func(context.Context) (server, error)) (*sharedServer, error) {
	lock := r.startLock(kind)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	if s := r.servers[kind]; s != nil && !s.stale && !exited(s.impl) {
		s.refs++
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	impl, err := start(ctx)
	if err != nil {
		return nil, err
	}
	s := &sharedServer{impl: impl, kind: kind, binary: binary, refs: 1}

	r.mu.Lock()
	r.servers[kind] = s
	r.watchLocked(binary)
	r.mu.Unlock()
	r.logger.Info("shared server started", "agent", string(kind), "binary", binary)

	go func() {
		<-impl.done()
		r.mu.Lock()
		if r.servers[kind] == s {
			delete(r.servers, kind)
		}
		r.mu.Unlock()
		r.logger.Info("shared server exited", "agent", string(kind))
	}()
	return s, nil
}

func exited(s server) bool {
	select {
	case <-s.done():
		return true
	default:
		return false
	}
}

// release drops one reference and stops the server when it was the last.
func (r *Registry) release(s *sharedServer) {
	r.mu.Lock()
	s.refs--
	last := s.refs <= 0
	if last && r.servers[s.kind] == s {
		delete(r.servers, s.kind)
	}
	r.mu.Unlock()
	if last {
		r.logger.Info("last session left shared server, stopping", "agent", string(s.kind))
		s.impl.stop()
	}
}

func (r *Registry) watchLocked(binary string) {
	if binary == "" || r.watcher == nil {
		return
	}
	dir := filepath.Dir(binary)
	if r.watched[dir] {
		return
	}
	if err := r.watcher.Add(dir); err != nil {
		r.logger.Warn("cannot watch agent binary for upgrades", "dir", dir, "error", err)
		return
	}
	r.watched[dir] = true
}

func (r *Registry) watch() {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				r.binaryChanged(filepath.Clean(ev.Name))
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("binary watcher error", "error", err)
		}
	}
}

// binaryChanged marks servers running path stale so new sessions get a
// fresh server. Idle stale servers are stopped right away.
func (r *Registry) binaryChanged(path string) {
	var idle []*sharedServer
	r.mu.Lock()
	for kind, s := range r.servers {
		if filepath.Clean(s.binary) != path || s.stale {
			continue
		}
		s.stale = true
		delete(r.servers, kind)
		if s.refs <= 0 {
			idle = append(idle, s)
		}
		r.logger.Info("agent binary changed, new sessions get a new server", "agent", string(kind), "binary", path)
	}
	r.mu.Unlock()
	for _, s := range idle {
		s.impl.stop()
	}
}

// Servers lists live shared servers.
func (r *Registry) Servers() []ServerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServerInfo, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, ServerInfo{Kind: s.kind, Binary: s.binary, Sessions: s.refs, Stale: s.stale})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Close stops the watcher and every remaining server.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	servers := make([]*sharedServer, 0, len(r.servers))
	for _, s := range r.servers {
		servers = append(servers, s)
	}
	r.servers = make(map[agent.Kind]*sharedServer)
	r.mu.Unlock()

	close(r.done)
	err := r.watcher.Close()
	for _, s := range servers {
		s.impl.stop()
	}
	return err
}
