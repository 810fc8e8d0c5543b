package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/agentd/agent"
)

type fakeServer struct {
	exited  chan struct{}
	stopped int
	once    sync.Once
	mu      sync.Mutex
}

func newFakeServer() *fakeServer { return &fakeServer{exited: make(chan struct{})} }

func (f *fakeServer) stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	f.once.Do(func() { close(f.exited) })
}

func (f *fakeServer) done() <-chan struct{} { return f.exited }

func (f *fakeServer) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	reg, err := NewRegistry(agent.DefaultSpecs(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func starter(servers *[]*fakeServer) func(context.Context) (server, error) {
	return func(context.Context) (server, error) {
		s := newFakeServer()
		*servers = append(*servers, s)
		return s, nil
	}
}

func TestRegistrySharesServer(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	var started []*fakeServer
	ctx := context.Background()

	a, err := reg.acquire(ctx, agent.Codex, "/bin/codex", starter(&started))
	require.NoError(t, err)
	b, err := reg.acquire(ctx, agent.Codex, "/bin/codex", starter(&started))
	require.NoError(t, err)
	assert.Same(t, a, b)
	require.Len(t, started, 1)
	assert.Equal(t, []ServerInfo{{Kind: agent.Codex, Binary: "/bin/codex", Sessions: 2}}, reg.Servers())

	reg.release(a)
	assert.Zero(t, started[0].stops())
	reg.release(b)
	assert.Equal(t, 1, started[0].stops())
	assert.Empty(t, reg.Servers())
}

func TestRegistryRestartsExitedServer(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	var started []*fakeServer
	ctx := context.Background()

	_, err := reg.acquire(ctx, agent.Codex, "/bin/codex", starter(&started))
	require.NoError(t, err)
	started[0].stop()

	_, err = reg.acquire(ctx, agent.Codex, "/bin/codex", starter(&started))
	require.NoError(t, err)
	assert.Len(t, started, 2)
}

func TestRegistryStartFailure(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	boom := errors.New("boom")
	_, err := reg.acquire(context.Background(), agent.Codex, "/bin/codex", func(context.Context) (server, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, reg.Servers())
}

func TestRegistryBinaryChanged(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	var started []*fakeServer
	ctx := context.Background()

	old, err := reg.acquire(ctx, agent.Codex, "/opt/codex/bin/codex", starter(&started))
	require.NoError(t, err)
	reg.binaryChanged("/opt/codex/bin/codex")

	// The running session keeps its server; a new session gets a new one.
	assert.Zero(t, started[0].stops())
	fresh, err := reg.acquire(ctx, agent.Codex, "/opt/codex/bin/codex", starter(&started))
	require.NoError(t, err)
	require.Len(t, started, 2)
	assert.NotSame(t, old, fresh)

	reg.release(old)
	assert.Equal(t, 1, started[0].stops())
	assert.Zero(t, started[1].stops())
}

func TestRegistryWatchesBinary(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bin := filepath.Join(dir, "codex")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	reg := newTestRegistry(t)
	var started []*fakeServer
	_, err := reg.acquire(context.Background(), agent.Codex, bin, starter(&started))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	require.Eventually(t, func() bool {
		servers := reg.Servers()
		return len(servers) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRegistryClose(t *testing.T) {
	t.Parallel()
	reg, err := NewRegistry(agent.DefaultSpecs())
	require.NoError(t, err)
	var started []*fakeServer
	_, err = reg.acquire(context.Background(), agent.Codex, "/bin/codex", starter(&started))
	require.NoError(t, err)

	require.NoError(t, reg.Close())
	assert.Equal(t, 1, started[0].stops())
	_, err = reg.acquire(context.Background(), agent.Codex, "/bin/codex", starter(&started))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestResolve(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bin := filepath.Join(dir, "pi")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	specs := agent.DefaultSpecs()
	missing := specs[agent.Amp]
	missing.Binary = "agentd-test-no-such-binary"
	specs[agent.Amp] = missing

	reg, err := NewRegistry(specs, WithInstaller(PathInstaller{Dirs: []string{dir}}), WithEndpoint(agent.OpenCode, "http://127.0.0.1:1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	ctx := context.Background()

	_, path, err := reg.Resolve(ctx, agent.Pi)
	require.NoError(t, err)
	assert.Equal(t, bin, path)

	_, _, err = reg.Resolve(ctx, agent.Amp)
	var unavailable *AgentUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, agent.Amp, unavailable.Kind)
	assert.ErrorIs(t, err, ErrNotInstalled)

	_, path, err = reg.Resolve(ctx, agent.OpenCode)
	require.NoError(t, err)
	assert.Empty(t, path)

	_, _, err = reg.Resolve(ctx, agent.Kind("nope"))
	assert.ErrorAs(t, err, &unavailable)
}

func TestPathInstallerCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := PathInstaller{}.Ensure(ctx, agent.DefaultSpecs()[agent.Claude])
	assert.ErrorIs(t, err, context.Canceled)
}
