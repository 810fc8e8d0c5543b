package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/bazelment/yoloswe/agentd/agent"
)

// Installer resolves an agent binary to an executable path, installing it
// if it can. Implementations must honor ctx cancellation.
type Installer interface {
	Ensure(ctx context.Context, spec agent.Spec) (string, error)
}

// ErrNotInstalled is returned by PathInstaller when no binary was found.
var ErrNotInstalled = errors.New("binary not installed")

// PathInstaller never downloads. It looks in Dirs, then $PATH.
type PathInstaller struct {
	Dirs []string
}

// Ensure implements Installer.
func (p PathInstaller) Ensure(ctx context.Context, spec agent.Spec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if filepath.IsAbs(spec.Binary) {
		if isExecutable(spec.Binary) {
			return spec.Binary, nil
		}
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, spec.Binary)
	}
	for _, dir := range p.Dirs {
		candidate := filepath.Join(dir, spec.Binary)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(spec.Binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotInstalled, spec.Binary, err)
	}
	return path, nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
