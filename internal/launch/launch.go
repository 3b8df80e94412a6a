// Package launch spawns one external command and reports its exit.
package launch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

// StdioMode selects how one of the three standard streams is wired.
type StdioMode string

const (
	Inherit StdioMode = "inherit"
	Pipe    StdioMode = "pipe"
	Ignore  StdioMode = "ignore"
)

// ParseStdioMode maps a config string to a StdioMode.
func ParseStdioMode(value string) (StdioMode, error) {
	switch mode := StdioMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case Inherit, Pipe, Ignore:
		return mode, nil
	case "":
		return Inherit, nil
	default:
		return "", fmt.Errorf("unknown stdio mode %q", value)
	}
}

// waitDelay bounds how long Wait keeps copying output once the process
// itself has exited; a background grandchild can hold the pipes open.
const waitDelay = 500 * time.Millisecond

// Spec describes one launch.
type Spec struct {
	// Name labels the log header.
	Name string
	// Command is the fully interpolated command line.
	Command string
	// Shell runs Command through "<Shell> -c". An empty Shell splits Command
	// on whitespace, honouring quotes, and executes it directly.
	Shell string
	Dir   string
	Env   map[string]string
	// Stdio holds the stdin, stdout and stderr modes.
	Stdio [3]StdioMode
	// PTY attaches the command to a pseudo terminal. Output goes wherever
	// Stdio[1] points.
	PTY bool

	// Stdin is the source for a piped stdin. Stdout and Stderr receive the
	// output of streams in Pipe mode.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Log, when set, receives a copy of all output.
	Log io.Writer
}

// SpawnError reports a command that could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Process is a launched command.
type Process struct {
	pid     int
	command string

	done     chan struct{}
	exitCode int
	err      error
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.pid
}

// Command returns the command line that was launched.
func (p *Process) Command() string {
	return p.command
}

// Done is closed once the process exited and its output was drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode is valid after Done. A process ended by a signal reports -1.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Err is any wait failure other than a non-zero exit.
func (p *Process) Err() error {
	<-p.done
	return p.err
}

// Launch starts the command described by spec.
func Launch(spec Spec) (*Process, error) {
	cmd, err := buildCommand(spec)
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	cmd.Dir = spec.Dir
	cmd.Env = buildEnvList(spec.Env)
	cmd.WaitDelay = waitDelay

	var log io.Writer
	if spec.Log != nil {
		log = &lockedWriter{w: spec.Log}
		header := fmt.Sprintf("\n--- [%s] ghost %s starting: %s ---\n",
			time.Now().Format(time.RFC3339), spec.Name, spec.Command)
		_, _ = io.WriteString(log, header)
	}

	proc := &Process{command: spec.Command, done: make(chan struct{})}

	if spec.PTY {
		if err := startPTY(cmd, spec, log, proc); err != nil {
			return nil, err
		}
		return proc, nil
	}

	cmd.Stdin = input(spec.Stdio[0], spec.Stdin)
	cmd.Stdout = output(spec.Stdio[1], os.Stdout, spec.Stdout, log)
	cmd.Stderr = output(spec.Stdio[2], os.Stderr, spec.Stderr, log)

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	proc.pid = cmd.Process.Pid

	go func() {
		proc.finish(cmd.Wait())
	}()
	return proc, nil
}

func startPTY(cmd *exec.Cmd, spec Spec, log io.Writer, proc *Process) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return &SpawnError{Command: spec.Command, Err: err}
	}
	proc.pid = cmd.Process.Pid

	dst := output(spec.Stdio[1], os.Stdout, spec.Stdout, log)
	if dst == nil {
		dst = io.Discard
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Reading a pty master after the slave closes ends in EIO on Linux.
		_, _ = io.Copy(dst, ptmx)
	}()

	go func() {
		err := cmd.Wait()
		_ = ptmx.Close()
		wg.Wait()
		proc.finish(err)
	}()
	return nil
}

func (p *Process) finish(waitErr error) {
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		p.exitCode = 0
	case errors.As(waitErr, &exitErr):
		p.exitCode = exitErr.ExitCode()
	case errors.Is(waitErr, exec.ErrWaitDelay):
		p.exitCode = 0
	default:
		p.exitCode = -1
		p.err = waitErr
	}
	close(p.done)
}

func buildCommand(spec Spec) (*exec.Cmd, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("command is empty")
	}
	if spec.Shell != "" {
		return exec.Command(spec.Shell, "-c", spec.Command), nil
	}
	parts, err := SplitCommandLine(spec.Command)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, errors.New("command is empty")
	}
	return exec.Command(parts[0], parts[1:]...), nil
}

func input(mode StdioMode, pipe io.Reader) io.Reader {
	switch mode {
	case Inherit, "":
		return os.Stdin
	case Pipe:
		return pipe
	default:
		return nil
	}
}

func output(mode StdioMode, inherit *os.File, pipe io.Writer, log io.Writer) io.Writer {
	var dst io.Writer
	switch mode {
	case Inherit, "":
		dst = inherit
	case Pipe:
		dst = pipe
	}
	switch {
	case dst == nil:
		return log
	case log == nil:
		return dst
	default:
		return io.MultiWriter(dst, log)
	}
}

// DefaultShell returns $SHELL, or /bin/sh when unset.
func DefaultShell() string {
	if shell := strings.TrimSpace(os.Getenv("SHELL")); shell != "" {
		return shell
	}
	return "/bin/sh"
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
