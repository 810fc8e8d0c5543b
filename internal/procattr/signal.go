package procattr

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

func groupAttr(cmd *exec.Cmd) *syscall.SysProcAttr {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pgid = 0
	return cmd.SysProcAttr
}

// SignalGroup delivers sig to every process in p's group. A group that is
// already gone is not an error.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	if err := syscall.Kill(-p.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// KillGroup sends SIGKILL to p's group.
func KillGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGKILL)
}

// Outcome says how a Stop ended.
type Outcome int

const (
	// Exited means the group left within grace of SIGTERM.
	Exited Outcome = iota
	// Killed means SIGKILL was needed and the process was then reaped.
	Killed
	// Stuck means the process was still not reaped after SIGKILL.
	Stuck
)

func (o Outcome) String() string {
	switch o {
	case Exited:
		return "exited"
	case Killed:
		return "killed"
	default:
		return "stuck"
	}
}

// Stop sends SIGTERM to p's group and escalates to SIGKILL when done is
// still open after grace. done must close once p has been reaped.
func Stop(p *os.Process, done <-chan struct{}, grace time.Duration) Outcome {
	_ = SignalGroup(p, syscall.SIGTERM)
	select {
	case <-done:
		return Exited
	case <-time.After(grace):
	}
	_ = KillGroup(p)
	select {
	case <-done:
		return Killed
	case <-time.After(grace + time.Second):
		return Stuck
	}
}
