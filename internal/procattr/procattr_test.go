package procattr

import (
	"bufio"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func start(t *testing.T, script string) (*exec.Cmd, <-chan struct{}) {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	Isolate(cmd)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ready\n", line)
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() { _ = KillGroup(cmd.Process) })
	return cmd, done
}

func TestIsolateKeepsExistingAttributes(t *testing.T) {
	t.Parallel()
	cmd := exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{Noctty: true}
	Isolate(cmd)
	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid)
	assert.True(t, cmd.SysProcAttr.Noctty)

	fresh := exec.Command("true")
	Isolate(fresh)
	assert.True(t, fresh.SysProcAttr.Setpgid)
}

func TestNilProcessIsNoop(t *testing.T) {
	t.Parallel()
	assert.NoError(t, SignalGroup(nil, syscall.SIGTERM))
	assert.NoError(t, KillGroup(nil))
}

func TestStopReachesGrandchildren(t *testing.T) {
	t.Parallel()
	// The shell forks a sleeping child; stopping the group ends both.
	cmd, done := start(t, "sleep 60 & echo ready; wait")
	assert.Equal(t, Exited, Stop(cmd.Process, done, 5*time.Second))

	// Signalling a reaped group is not an error.
	assert.NoError(t, KillGroup(cmd.Process))
}

func TestStopEscalatesWhenTermIgnored(t *testing.T) {
	t.Parallel()
	cmd, done := start(t, "trap '' TERM; echo ready; while :; do sleep 1; done")
	assert.Equal(t, Killed, Stop(cmd.Process, done, 200*time.Millisecond))
	assert.Equal(t, "killed", Killed.String())
}
