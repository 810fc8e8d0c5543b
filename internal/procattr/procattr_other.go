//go:build !linux

// Package procattr runs each agent in its own process group so the whole
// tree can be stopped together and never outlives the daemon.
package procattr

import "os/exec"

// Isolate makes cmd lead a new process group. Attributes already set on
// cmd are kept.
func Isolate(cmd *exec.Cmd) {
	groupAttr(cmd)
}
