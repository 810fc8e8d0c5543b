// Package agentproc runs one agent CLI subprocess: line-oriented stdout,
// optional JSON stdin, bounded stderr capture and group-wide termination.
package agentproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/bazelment/yoloswe/agentd/internal/ndjson"
	"github.com/bazelment/yoloswe/agentd/internal/procattr"
	"github.com/bazelment/yoloswe/agentd/synth"
)

var (
	// ErrStopping is returned by writes after termination began.
	ErrStopping = errors.New("process is stopping")
	// ErrNoStdin is returned by writes to a process started without stdin.
	ErrNoStdin = errors.New("process has no stdin")
)

// CLINotFoundError is returned when the agent binary cannot be executed.
type CLINotFoundError struct {
	Cause error
	Path  string
}

func (e *CLINotFoundError) Error() string {
	return fmt.Sprintf("agent binary %q not found: %v", e.Path, e.Cause)
}

func (e *CLINotFoundError) Unwrap() error { return e.Cause }

// Config describes the process to spawn.
type Config struct {
	Env    map[string]string
	Binary string
	Dir    string
	Args   []string
	// Stdin opens a pipe for WriteJSON and WriteLine.
	Stdin bool
	// Grace is the default SIGTERM to SIGKILL delay.
	Grace time.Duration
	// MaxLine bounds one stdout line. Zero means ndjson.DefaultMaxLine.
	MaxLine int
}

// Process is a running agent subprocess.
type Process struct {
	waitErr  error
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *io.PipeReader
	reader   *ndjson.Reader
	stderr   *synth.StderrCapture
	logger   *slog.Logger
	done     chan struct{}
	grace    time.Duration
	code     int
	writeMu  sync.Mutex
	mu       sync.Mutex
	stopping bool
}

// Start spawns the process. Cancelling ctx terminates it with the
// configured grace period.
func Start(ctx context.Context, cfg Config, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Second
	}

	cmd := exec.Command(cfg.Binary, cfg.Args...)
	procattr.Isolate(cmd)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	// Bounds Wait when a grandchild keeps the output pipes open.
	cmd.WaitDelay = cfg.Grace

	p := &Process{
		cmd:    cmd,
		stderr: synth.NewStderrCapture(),
		logger: logger.With("binary", cfg.Binary),
		done:   make(chan struct{}),
		grace:  cfg.Grace,
		code:   -1,
	}
	pr, pw := io.Pipe()
	p.stdout = pr
	maxLine := cfg.MaxLine
	if maxLine <= 0 {
		maxLine = ndjson.DefaultMaxLine
	}
	p.reader = ndjson.NewReaderSize(pr, maxLine)
	cmd.Stdout = pw
	cmd.Stderr = p.stderr

	if cfg.Stdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		p.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, &CLINotFoundError{Path: cfg.Binary, Cause: err}
		}
		return nil, fmt.Errorf("starting %s: %w", cfg.Binary, err)
	}
	p.logger = p.logger.With("pid", cmd.Process.Pid)
	p.logger.Debug("agent process started", "args", cfg.Args)

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		if cmd.ProcessState != nil {
			p.code = cmd.ProcessState.ExitCode()
		}
		p.mu.Unlock()
		_ = pw.Close()
		p.logger.Debug("agent process exited", "code", p.code, "error", err)
		close(p.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			p.Terminate(0)
		case <-p.done:
		}
	}()
	return p, nil
}

// Pid returns the process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// ReadLine returns the next non-blank stdout line, or io.EOF once the
// process closed stdout.
func (p *Process) ReadLine() ([]byte, error) {
	return p.reader.ReadLine()
}

// WriteJSON writes v as one line on stdin.
func (p *Process) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.WriteLine(b)
}

// WriteLine writes one line on stdin, appending the terminator.
func (p *Process) WriteLine(line []byte) error {
	if p.stdin == nil {
		return ErrNoStdin
	}
	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()
	if stopping {
		return ErrStopping
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	_, err := p.stdin.Write(buf)
	return err
}

// CloseStdin signals end of input.
func (p *Process) CloseStdin() error {
	if p.stdin == nil {
		return nil
	}
	return p.stdin.Close()
}

// Signal delivers sig to the process group.
func (p *Process) Signal(sig syscall.Signal) error {
	return procattr.SignalGroup(p.cmd.Process, sig)
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until exit or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate closes stdin, sends SIGTERM to the group, and escalates to
// SIGKILL after grace (the configured grace when zero). It returns once
// the process has been reaped or the kill did not take effect in time.
func (p *Process) Terminate(grace time.Duration) {
	if grace <= 0 {
		grace = p.grace
	}
	p.mu.Lock()
	already := p.stopping
	p.stopping = true
	p.mu.Unlock()
	if already {
		select {
		case <-p.done:
		case <-time.After(2*grace + time.Second):
		}
		return
	}
	if p.Exited() {
		return
	}

	_ = p.CloseStdin()
	switch procattr.Stop(p.cmd.Process, p.done, grace) {
	case procattr.Killed:
		p.logger.Warn("agent ignored SIGTERM, killed process group", "grace", grace)
	case procattr.Stuck:
		p.logger.Error("agent process did not exit after SIGKILL")
	}
}

// Stopping reports whether Terminate was called.
func (p *Process) Stopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// Stderr returns the bounded stderr capture.
func (p *Process) Stderr() *synth.StderrCapture { return p.stderr }

// Exit describes how the process ended. Call after Done.
func (p *Process) Exit() synth.Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	x := synth.Exit{Stderr: p.stderr, Terminated: p.stopping}
	var exitErr *exec.ExitError
	if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
		x.Err = p.waitErr
	}
	if p.code >= 0 {
		x.Code = synth.ExitCode(p.code)
	} else if p.waitErr != nil {
		x.Err = p.waitErr
	}
	return x
}
