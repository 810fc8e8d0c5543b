//go:build linux

// Package procattr runs each agent in its own process group so the whole
// tree can be stopped together and never outlives the daemon.
package procattr

import (
	"os/exec"
	"syscall"
)

// Isolate makes cmd lead a new process group and asks the kernel to send
// it SIGTERM when the daemon dies. Attributes already set on cmd are kept.
func Isolate(cmd *exec.Cmd) {
	attr := groupAttr(cmd)
	attr.Pdeathsig = syscall.SIGTERM
}
