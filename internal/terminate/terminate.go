// Package terminate ends a process and its descendants with an escalating
// sequence of signals, confirming death by liveness probing.
package terminate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var (
	// ErrKillFailed is reported when the process survived every retry.
	ErrKillFailed = errors.New("process survived all kill attempts")
	// ErrTimeout is reported when the overall timeout elapsed first.
	ErrTimeout = errors.New("timed out waiting for process to exit")
)

// Error describes a failed termination of one process.
type Error struct {
	PID int
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("terminate pid %d: %v", e.PID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Policy is the signal escalation policy. The last signal repeats once the
// list is exhausted.
type Policy struct {
	Signals       []syscall.Signal
	CheckInterval time.Duration
	RetryInterval time.Duration
	RetryCount    int
	Timeout       time.Duration
}

// DefaultPolicy returns TERM, TERM, KILL with five retries inside 5s.
func DefaultPolicy() Policy {
	return Policy{
		Signals:       []syscall.Signal{unix.SIGTERM, unix.SIGTERM, unix.SIGKILL},
		CheckInterval: 50 * time.Millisecond,
		RetryInterval: 500 * time.Millisecond,
		RetryCount:    5,
		Timeout:       5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if len(p.Signals) == 0 {
		p.Signals = def.Signals
	}
	if p.CheckInterval <= 0 {
		p.CheckInterval = def.CheckInterval
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = def.RetryInterval
	}
	if p.RetryCount < 0 {
		p.RetryCount = 0
	}
	return p
}

func (p Policy) signal(attempt int) syscall.Signal {
	if attempt >= len(p.Signals) {
		return p.Signals[len(p.Signals)-1]
	}
	return p.Signals[attempt]
}

// ParseSignal accepts names such as "TERM", "SIGKILL" or numbers.
func ParseSignal(name string) (syscall.Signal, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return 0, errors.New("empty signal name")
	}
	var num int
	if _, err := fmt.Sscanf(name, "%d", &num); err == nil && fmt.Sprint(num) == name {
		if num <= 0 {
			return 0, fmt.Errorf("invalid signal number %d", num)
		}
		return syscall.Signal(num), nil
	}
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// Terminator applies a Policy. It is safe for concurrent use; each call
// owns only the pids in its own descendant enumeration.
type Terminator struct {
	policy Policy

	alive       func(pid int) bool
	descendants func(pid int) []int
	send        func(pid int, sig syscall.Signal) error
}

// New returns a Terminator using the host process table.
func New(policy Policy) *Terminator {
	return &Terminator{
		policy:      policy.withDefaults(),
		alive:       Alive,
		descendants: Descendants,
		send:        sendSignal,
	}
}

func sendSignal(pid int, sig syscall.Signal) error {
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Policy returns the effective policy.
func (t *Terminator) Policy() Policy {
	return t.policy
}

// Terminate kills pid and then every descendant that is still alive.
// Descendants are enumerated before the root is signalled so children the
// root reaps on a clean exit are not lost. Policy.Timeout bounds the whole
// call, root and descendants together. The returned error, if any, is the
// root's failure, or else the first descendant failure.
func (t *Terminator) Terminate(ctx context.Context, pid int) error {
	descendants := t.descendants(pid)

	// Descendants are still signalled when the caller cancels.
	childCtx := context.WithoutCancel(ctx)
	if t.policy.Timeout > 0 {
		deadline := time.Now().Add(t.policy.Timeout)
		var cancel, childCancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
		childCtx, childCancel = context.WithDeadline(childCtx, deadline)
		defer childCancel()
	}

	rootErr := t.killOne(ctx, pid)

	var g errgroup.Group
	for _, child := range descendants {
		if !t.alive(child) {
			continue
		}
		g.Go(func() error {
			return t.killOne(childCtx, child)
		})
	}
	childErr := g.Wait()

	if rootErr != nil {
		return rootErr
	}
	return childErr
}

func (t *Terminator) killOne(ctx context.Context, pid int) error {
	if !t.alive(pid) {
		return nil
	}

	attempt := 0
	if err := t.send(pid, t.policy.signal(attempt)); err != nil {
		return &Error{PID: pid, Err: err}
	}
	lastSignal := time.Now()

	ticker := time.NewTicker(t.policy.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if !t.alive(pid) {
				return nil
			}
			return &Error{PID: pid, Err: ErrTimeout}
		case <-ticker.C:
			if !t.alive(pid) {
				return nil
			}
			if time.Since(lastSignal) < t.policy.RetryInterval {
				continue
			}
			attempt++
			if attempt > t.policy.RetryCount {
				return &Error{PID: pid, Err: ErrKillFailed}
			}
			if err := t.send(pid, t.policy.signal(attempt)); err != nil {
				return &Error{PID: pid, Err: err}
			}
			lastSignal = time.Now()
		}
	}
}
