// Package supervise keeps a single persistent command alive and relaunches
// it on demand or by exit policy. At most one process is live at a time.
//
// A Supervisor belongs to a reactor.Loop and every method must be called
// from that loop.
package supervise

import (
	"context"
	"slices"
	"time"

	"github.com/nikiv/ghost/internal/change"
	"github.com/nikiv/ghost/internal/reactor"
)

const DefaultRestartDelay = 200 * time.Millisecond

// Process is a launched command.
type Process interface {
	PID() int
	Command() string
	Done() <-chan struct{}
	ExitCode() int
}

// Launcher starts the command for an entry, interpolating it at call time.
type Launcher interface {
	Launch(entry change.Entry) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(entry change.Entry) (Process, error)

func (f LauncherFunc) Launch(entry change.Entry) (Process, error) {
	return f(entry)
}

// Terminator ends a process tree.
type Terminator interface {
	Terminate(ctx context.Context, pid int) error
}

// Config is the exit policy.
type Config struct {
	RestartOnError   bool
	RestartOnSuccess bool
	// RestartDelay applies to policy relaunches only.
	RestartDelay time.Duration
}

// Hooks observe the supervisor. They run on the loop.
type Hooks struct {
	Exec    func(entry change.Entry, proc Process)
	Exit    func(entry change.Entry, proc Process, code int)
	Kill    func(pid int, err error)
	Error   func(entry change.Entry, err error)
	Restart func(entry change.Entry)
}

type slot struct {
	entry change.Entry
	proc  Process
}

// Supervisor owns the single process slot.
type Supervisor struct {
	loop       *reactor.Loop
	cfg        Config
	launcher   Launcher
	terminator Terminator
	hooks      Hooks

	current    *slot
	unreaped   []*slot
	last       change.Entry
	restarting bool
	delay      *reactor.Timer
	stopped    bool
	stopDone   func()
}

// New returns an idle supervisor.
func New(loop *reactor.Loop, cfg Config, launcher Launcher, terminator Terminator, hooks Hooks) *Supervisor {
	return &Supervisor{
		loop:       loop,
		cfg:        cfg,
		launcher:   launcher,
		terminator: terminator,
		hooks:      hooks,
	}
}

// Start launches immediately without waiting for a file event.
func (s *Supervisor) Start(entry change.Entry) {
	if s.stopped || s.current != nil || s.restarting {
		return
	}
	s.last = entry
	s.launch(entry)
}

// Restart kills the live process, if any, and launches entry once its death
// is confirmed. Calls made while a kill is settling are coalesced and the
// newest entry wins.
func (s *Supervisor) Restart(entry change.Entry) {
	if s.stopped {
		return
	}
	s.last = entry
	s.delay.Stop()
	if s.restarting {
		return
	}
	if s.hooks.Restart != nil {
		s.hooks.Restart(entry)
	}
	if s.current == nil {
		s.launch(entry)
		return
	}

	s.restarting = true
	s.terminate(s.current.proc.PID())
}

func (s *Supervisor) terminate(pid int) {
	go func() {
		err := s.terminator.Terminate(context.Background(), pid)
		s.loop.Post(func() { s.killed(pid, err) })
	}()
}

func (s *Supervisor) killed(pid int, err error) {
	if s.hooks.Kill != nil {
		s.hooks.Kill(pid, err)
	}
	if s.current != nil && s.current.proc.PID() == pid {
		s.current = nil
	}
	s.restarting = false
	if err != nil {
		// Given up on; its exit is not awaited.
		s.unreaped = slices.DeleteFunc(s.unreaped, func(sl *slot) bool {
			return sl.proc.PID() == pid
		})
	}

	if s.stopped {
		s.finishStop()
		return
	}
	s.launch(s.last)
}

func (s *Supervisor) finishStop() {
	if s.stopDone == nil || s.restarting || len(s.unreaped) > 0 {
		return
	}
	done := s.stopDone
	s.stopDone = nil
	done()
}

func (s *Supervisor) launch(entry change.Entry) {
	proc, err := s.launcher.Launch(entry)
	if err != nil {
		if s.hooks.Error != nil {
			s.hooks.Error(entry, err)
		}
		return
	}

	current := &slot{entry: entry, proc: proc}
	s.current = current
	s.unreaped = append(s.unreaped, current)
	if s.hooks.Exec != nil {
		s.hooks.Exec(entry, proc)
	}

	go func() {
		<-proc.Done()
		code := proc.ExitCode()
		s.loop.Post(func() { s.exited(current, code) })
	}()
}

func (s *Supervisor) exited(sl *slot, code int) {
	if idx := slices.Index(s.unreaped, sl); idx >= 0 {
		s.unreaped = slices.Delete(s.unreaped, idx, idx+1)
	}
	if s.hooks.Exit != nil {
		s.hooks.Exit(sl.entry, sl.proc, code)
	}
	if s.stopped {
		if sl == s.current {
			s.current = nil
		}
		s.finishStop()
		return
	}
	if sl != s.current {
		return
	}
	s.current = nil
	if s.restarting {
		return
	}

	relaunch := (code != 0 && s.cfg.RestartOnError) || (code == 0 && s.cfg.RestartOnSuccess)
	if !relaunch {
		return
	}
	s.delay = s.loop.AfterFunc(s.cfg.RestartDelay, func() {
		if s.stopped || s.current != nil || s.restarting {
			return
		}
		if s.hooks.Restart != nil {
			s.hooks.Restart(s.last)
		}
		s.launch(s.last)
	})
}

// Running reports whether a process is live.
func (s *Supervisor) Running() bool {
	return s.current != nil
}

// Stop cancels any pending relaunch and kills the live process. done runs on
// the loop once the termination settled and every launched process has
// reported its exit, except those whose termination failed.
func (s *Supervisor) Stop(done func()) {
	if done == nil {
		done = func() {}
	}
	s.stopped = true
	s.delay.Stop()

	s.stopDone = done
	if s.current != nil && !s.restarting {
		s.restarting = true
		s.terminate(s.current.proc.PID())
	}
	s.finishStop()
}
