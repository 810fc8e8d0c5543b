package supervisor

import (
	"log/slog"
	"sync"

	"github.com/bazelment/yoloswe/agentd/synth"
)

// Bounds on traffic held for native sessions nobody has bound yet.
const (
	maxPendingIDs   = 64
	maxPendingLines = 512
)

// route delivers one native session's traffic to its runtime.
type route struct {
	feed   func(line []byte)
	report func(err error, raw []byte)
	end    func(x synth.Exit)
	mu     sync.Mutex
}

// router demultiplexes a shared server's output by native session id.
// Traffic that arrives before its session is bound is held and replayed
// on bind, so a thread's first notifications are never lost to the race
// with the open call's response.
type router struct {
	logger  *slog.Logger
	routes  map[string]*route
	pending map[string][][]byte
	order   []string
	mu      sync.Mutex
}

func newRouter(logger *slog.Logger) *router {
	return &router{
		logger:  logger,
		routes:  make(map[string]*route),
		pending: make(map[string][][]byte),
	}
}

// dispatch hands line to the route bound to id.
func (r *router) dispatch(id string, line []byte) {
	r.mu.Lock()
	rt := r.routes[id]
	if rt == nil {
		r.hold(id, line)
		r.mu.Unlock()
		return
	}
	rt.mu.Lock()
	r.mu.Unlock()
	defer rt.mu.Unlock()
	rt.feed(line)
}

func (r *router) hold(id string, line []byte) {
	lines, ok := r.pending[id]
	if !ok {
		if len(r.order) >= maxPendingIDs {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.pending, oldest)
		}
		r.order = append(r.order, id)
	}
	if len(lines) >= maxPendingLines {
		r.logger.Debug("dropping traffic for unbound session", "native_session_id", id)
		return
	}
	r.pending[id] = append(lines, append([]byte(nil), line...))
}

// bind installs a route for id. first runs before any held traffic is
// replayed and before live traffic is delivered.
func (r *router) bind(id string, feed func([]byte), report func(error, []byte), end func(synth.Exit), first func()) {
	rt := &route{feed: feed, report: report, end: end}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	r.mu.Lock()
	r.routes[id] = rt
	held := r.pending[id]
	delete(r.pending, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if first != nil {
		first()
	}
	for _, line := range held {
		feed(line)
	}
}

// report surfaces server output that could not be parsed. It goes to the
// session named by id when that session is bound, else to every bound
// session.
func (r *router) report(id string, err error, raw []byte) {
	r.mu.Lock()
	var routes []*route
	if rt, ok := r.routes[id]; ok {
		routes = append(routes, rt)
	} else {
		for _, rt := range r.routes {
			routes = append(routes, rt)
		}
	}
	r.mu.Unlock()
	if len(routes) == 0 {
		r.logger.Warn("no session to report unparsed output to", "error", err, "bytes", len(raw))
		return
	}
	for _, rt := range routes {
		rt.mu.Lock()
		rt.report(err, raw)
		rt.mu.Unlock()
	}
}

func (r *router) unbind(id string) {
	r.mu.Lock()
	delete(r.routes, id)
	r.mu.Unlock()
}

// endAll reports the server's exit to every bound session.
func (r *router) endAll(x synth.Exit) {
	r.mu.Lock()
	routes := make([]*route, 0, len(r.routes))
	for id, rt := range r.routes {
		routes = append(routes, rt)
		delete(r.routes, id)
	}
	r.mu.Unlock()
	for _, rt := range routes {
		rt.mu.Lock()
		rt.end(x)
		rt.mu.Unlock()
	}
}
